package cancellation

import "sync"

// Composite groups handles so they are cancelled together.
type Composite struct {
	mu        sync.Mutex
	cancelled bool
	handles   []Handle
}

// NewComposite returns a composite holding hs.
func NewComposite(hs ...Handle) *Composite {
	c := &Composite{}
	for _, h := range hs {
		if h != nil {
			c.handles = append(c.handles, h)
		}
	}
	return c
}

// Add stores h. If the composite is already cancelled, h is cancelled
// immediately and Add reports false.
func (c *Composite) Add(h Handle) bool {
	if h == nil {
		return !c.IsCancelled()
	}
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		h.Cancel()
		return false
	}
	c.handles = append(c.handles, h)
	c.mu.Unlock()
	return true
}

// Cancel cancels every stored handle once. Handles are cancelled outside the lock.
func (c *Composite) Cancel() {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	hs := c.handles
	c.handles = nil
	c.mu.Unlock()

	for _, h := range hs {
		h.Cancel()
	}
}

func (c *Composite) IsCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Len reports the number of live handles.
func (c *Composite) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}
