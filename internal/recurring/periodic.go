package recurring

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"lanesched/internal/cancellation"
	"lanesched/internal/scheduler"
)

// Handle controls a recurring schedule. Cancel stops future ticks.
type Handle struct {
	mu      sync.Mutex
	cur     cancellation.Handle
	stopped bool

	runs atomic.Uint64
	next atomic.Int64
	prev atomic.Int64
}

func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	cur := h.cur
	h.cur = nil
	h.next.Store(0)
	h.mu.Unlock()
	if cur != nil {
		cur.Cancel()
	}
}

func (h *Handle) IsCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// Runs reports how many ticks have completed.
func (h *Handle) Runs() uint64 { return h.runs.Load() }

// Next is the time the next tick is armed for, or zero when none is.
func (h *Handle) Next() time.Time { return unixTime(h.next.Load()) }

// Prev is the time the last tick started, or zero before the first.
func (h *Handle) Prev() time.Time { return unixTime(h.prev.Load()) }

func unixTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// arm schedules tick for the first time after now that sched yields. A zero
// next time ends the schedule.
func (h *Handle) arm(s scheduler.Relative, sched cron.Schedule, tick scheduler.Action) {
	now := s.Now()
	at := sched.Next(now)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	if at.IsZero() {
		h.stopped = true
		h.cur = nil
		h.next.Store(0)
		return
	}
	h.next.Store(at.UnixNano())
	h.cur = s.ScheduleRelative(nil, at.Sub(now), tick)
}

// ScheduleSpec runs action on s's lane at every time sched yields, threading
// the returned state into the next call. The next tick is armed before action
// runs, so a slow action delays the next tick but never drops it.
func ScheduleSpec[S any](s scheduler.Relative, state S, sched cron.Schedule, action func(S) S) *Handle {
	h := &Handle{}
	start(h, s, state, sched, action)
	return h
}

func start[S any](h *Handle, s scheduler.Relative, state S, sched cron.Schedule, action func(S) S) {
	var tick scheduler.Action
	tick = func(any) cancellation.Handle {
		if h.IsCancelled() {
			return cancellation.Nop()
		}
		h.prev.Store(s.Now().UnixNano())
		h.arm(s, sched, tick)
		state = action(state)
		h.runs.Add(1)
		return cancellation.Nop()
	}
	h.arm(s, sched, tick)
}

// SchedulePeriodic runs action every period, measured from s.Now(). A
// non-positive period yields a cancelled Handle and nothing runs.
func SchedulePeriodic[S any](s scheduler.Relative, state S, period time.Duration, action func(S) S) *Handle {
	if period <= 0 {
		h := &Handle{}
		h.Cancel()
		return h
	}
	return ScheduleSpec(s, state, Every(s.Now(), period), action)
}
