package lane

import (
	"fmt"
	"sync/atomic"
	"time"
)

// State is the lifecycle position of an Activation.
//
//	Pending -> Cancelled
//	Pending -> Running -> Completed
//
// Cancelled and Completed are terminal. Pending -> Running and
// Pending -> Cancelled compete on a single compare-and-swap; the loser
// observes the winner's state.
type State int32

const (
	Pending State = iota
	Running
	Completed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Activation is one unit of work handed to a lane.
type Activation struct {
	ID    string
	Owner string // scheduler name, for events and logs
	Delay time.Duration

	fn        func()
	state     atomic.Int32
	submitted atomic.Int64 // unix nanos
}

// NewActivation wraps fn. fn runs at most once, on the lane it is submitted to.
func NewActivation(id, owner string, fn func()) *Activation {
	return &Activation{ID: id, Owner: owner, fn: fn}
}

func (a *Activation) State() State { return State(a.state.Load()) }

// Cancel moves a pending activation to Cancelled. Cancelling a running or
// finished activation has no effect.
func (a *Activation) Cancel() {
	a.state.CompareAndSwap(int32(Pending), int32(Cancelled))
}

func (a *Activation) IsCancelled() bool { return a.State() == Cancelled }

// begin claims the activation for execution. It returns false if the
// activation was cancelled first. Claiming an activation that already ran is
// an internal consistency failure and panics.
func (a *Activation) begin() bool {
	if a.state.CompareAndSwap(int32(Pending), int32(Running)) {
		return true
	}
	switch st := a.State(); st {
	case Cancelled:
		return false
	default:
		panic(fmt.Sprintf("lane: activation %s dispatched twice (state %s)", a.ID, st))
	}
}

func (a *Activation) finish() {
	a.state.Store(int32(Completed))
}

func (a *Activation) markSubmitted(now time.Time) {
	a.submitted.Store(now.UnixNano())
}

func (a *Activation) queueDelay(now time.Time) time.Duration {
	at := a.submitted.Load()
	if at == 0 {
		return 0
	}
	d := now.Sub(time.Unix(0, at))
	if d < 0 {
		return 0
	}
	return d
}
