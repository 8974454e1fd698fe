package cancellation

import (
	"sync/atomic"
)

// cell holds either nothing, the cancelled sentinel, or an assigned handle.
type cell struct {
	h Handle
}

// cancelledCell is the terminal state. Comparing pointers keeps the CAS cheap.
var cancelledCell = &cell{}

// SingleAssignment is a write-once slot for the handle returned by the
// scheduled action.
//
// States: empty -> {cancelled | assigned(h)}; assigned(h) -> cancelled.
// All transitions are single compare-and-swap operations.
type SingleAssignment struct {
	state atomic.Pointer[cell]
}

func NewSingleAssignment() *SingleAssignment { return &SingleAssignment{} }

// Set stores h. If the slot was already cancelled, h is cancelled instead.
// Setting twice is a programming error and panics.
func (s *SingleAssignment) Set(h Handle) {
	if h == nil {
		h = nop{}
	}
	next := &cell{h: h}
	if s.state.CompareAndSwap(nil, next) {
		return
	}
	if s.state.Load() == cancelledCell {
		h.Cancel()
		return
	}
	panic("cancellation: SingleAssignment.Set called twice")
}

// Cancel moves the slot to cancelled and cancels the stored handle, if any.
func (s *SingleAssignment) Cancel() {
	prev := s.state.Swap(cancelledCell)
	if prev != nil && prev != cancelledCell {
		cancelIfSet(prev.h)
	}
}

func (s *SingleAssignment) IsCancelled() bool {
	return s.state.Load() == cancelledCell
}

// Assigned reports whether a handle has been stored and not yet cancelled.
func (s *SingleAssignment) Assigned() bool {
	c := s.state.Load()
	return c != nil && c != cancelledCell
}
