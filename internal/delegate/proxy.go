// Package delegate hot-swaps the receiver of forwarded calls.
//
// A Proxy always has a delegate: when none is installed it forwards to a
// fallback, so callers never check for nil.
package delegate

import "sync/atomic"

type box[T any] struct{ v T }

// Proxy holds the current delegate of type T.
type Proxy[T any] struct {
	cur      atomic.Pointer[box[T]]
	fallback T
	swaps    atomic.Uint64
}

// New returns a proxy forwarding to fallback until Set is called.
func New[T any](fallback T) *Proxy[T] {
	return &Proxy[T]{fallback: fallback}
}

// Current returns the installed delegate, or the fallback.
func (p *Proxy[T]) Current() T {
	if b := p.cur.Load(); b != nil {
		return b.v
	}
	return p.fallback
}

// Set installs d and returns the delegate it replaced.
func (p *Proxy[T]) Set(d T) (prev T) {
	old := p.cur.Swap(&box[T]{v: d})
	p.swaps.Add(1)
	if old == nil {
		return p.fallback
	}
	return old.v
}

// Reset reverts to the fallback and returns the delegate it removed.
func (p *Proxy[T]) Reset() (prev T) {
	old := p.cur.Swap(nil)
	if old == nil {
		return p.fallback
	}
	p.swaps.Add(1)
	return old.v
}

// Installed reports whether a delegate other than the fallback is set.
func (p *Proxy[T]) Installed() bool { return p.cur.Load() != nil }

// Swaps counts Set calls and effective Resets.
func (p *Proxy[T]) Swaps() uint64 { return p.swaps.Load() }

// Forward calls fn with the current delegate.
func Forward[T any](p *Proxy[T], fn func(T)) { fn(p.Current()) }

// Call is Forward for calls that return a value.
func Call[T, R any](p *Proxy[T], fn func(T) R) R { return fn(p.Current()) }
