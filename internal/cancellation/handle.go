package cancellation

import (
	"sync"
	"sync/atomic"
)

// Handle is anything that can be asked to stop.
type Handle interface {
	Cancel()
}

// Token is a Handle whose state can be observed.
type Token interface {
	Handle
	IsCancelled() bool
}

type nop struct{}

func (nop) Cancel()           {}
func (nop) IsCancelled() bool { return false }

// Nop returns a handle that does nothing. Actions that start no follow-up work return it.
func Nop() Handle { return nop{} }

// Bool is a token with no inner handle.
type Bool struct {
	cancelled atomic.Bool
}

func NewBool() *Bool { return &Bool{} }

func (b *Bool) Cancel()           { b.cancelled.Store(true) }
func (b *Bool) IsCancelled() bool { return b.cancelled.Load() }

// funcHandle runs fn on the first Cancel.
type funcHandle struct {
	once sync.Once
	fn   func()
	done atomic.Bool
}

// Func returns a token that calls fn exactly once, on the first Cancel.
func Func(fn func()) Token {
	return &funcHandle{fn: fn}
}

func (f *funcHandle) Cancel() {
	f.once.Do(func() {
		f.done.Store(true)
		if f.fn != nil {
			f.fn()
		}
	})
}

func (f *funcHandle) IsCancelled() bool { return f.done.Load() }

// cancelIfSet tolerates nil handles, which actions are allowed to return.
func cancelIfSet(h Handle) {
	if h != nil {
		h.Cancel()
	}
}
