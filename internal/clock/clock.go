// Package clock abstracts time for schedulers.
// Production code uses System; tests inject Manual for deterministic timing.
package clock

import "time"

// Clock provides "now" and deadline-driven callbacks.
type Clock interface {
	// Now returns the current time. System readings carry Go's monotonic
	// component, so deadlines computed from them are immune to wall-clock jumps.
	Now() time.Time
	// AfterFunc waits for d to elapse and then calls f in its own goroutine.
	// d <= 0 fires as soon as possible.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer represents a pending AfterFunc callback.
type Timer interface {
	// Stop prevents the Timer from firing. Returns true if the call was stopped,
	// false if the timer already fired or was stopped.
	Stop() bool
}

// Deadline converts a relative duration into an absolute time on c.
func Deadline(c Clock, d time.Duration) time.Time {
	return c.Now().Add(d)
}

// Until returns the time remaining until t on c; never negative.
func Until(c Clock, t time.Time) time.Duration {
	d := t.Sub(c.Now())
	if d < 0 {
		return 0
	}
	return d
}

type system struct{}

// System returns the process clock backed by the time package.
func System() Clock { return system{} }

func (system) Now() time.Time { return time.Now() }

func (system) AfterFunc(d time.Duration, f func()) Timer {
	if d < 0 {
		d = 0
	}
	return time.AfterFunc(d, f)
}
