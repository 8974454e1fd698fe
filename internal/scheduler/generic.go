package scheduler

import (
	"time"

	"lanesched/internal/cancellation"
)

// Schedule is the typed form of Immediate.Schedule. state is captured by the
// closure, so S may be any type, including interfaces holding nil.
func Schedule[S any](s Immediate, state S, action func(S) cancellation.Handle) cancellation.Token {
	return s.Schedule(nil, func(any) cancellation.Handle { return action(state) })
}

// ScheduleRelative is the typed form of Relative.ScheduleRelative.
func ScheduleRelative[S any](s Relative, state S, due time.Duration, action func(S) cancellation.Handle) cancellation.Token {
	return s.ScheduleRelative(nil, due, func(any) cancellation.Handle { return action(state) })
}

// Run schedules fn with no state and no follow-up handle.
func Run(s Immediate, fn func()) cancellation.Token {
	return s.Schedule(nil, func(any) cancellation.Handle {
		fn()
		return cancellation.Nop()
	})
}

// RunAfter is Run after a delay.
func RunAfter(s Relative, due time.Duration, fn func()) cancellation.Token {
	return s.ScheduleRelative(nil, due, func(any) cancellation.Handle {
		fn()
		return cancellation.Nop()
	})
}
