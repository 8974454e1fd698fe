package lane

import (
	"context"
	"sync"
)

// Mutex is an unordered lane: each submission runs on its own goroutine and
// waits for the lane mutex. Exclusive, but not FIFO.
type Mutex struct {
	executor

	exec sync.Mutex // held while an activation runs

	mu      sync.Mutex
	closed  bool
	waiting int
	wg      sync.WaitGroup
}

func NewMutex(name string, opts ...Option) *Mutex {
	m := &Mutex{}
	m.setup(KindMutex, name, buildOptions(opts))
	return m
}

func (m *Mutex) Submit(a *Activation) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return m.reject(a)
	}
	m.accepted(a)
	m.waiting++
	n := m.waiting
	m.wg.Add(1)
	m.mu.Unlock()

	m.observeBacklog(n)
	m.o.sup.Go0("lane."+m.name+".activation", func(context.Context) {
		defer m.wg.Done()
		m.run(a)
	})
	return nil
}

func (m *Mutex) run(a *Activation) {
	m.exec.Lock()
	defer m.exec.Unlock()

	m.mu.Lock()
	m.waiting--
	m.mu.Unlock()

	m.dispatch(a)
}

func (m *Mutex) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log.Debug("lane closed", logxStats(m.Stats())...)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mutex) Stats() Stats {
	m.mu.Lock()
	n := m.waiting
	closed := m.closed
	m.mu.Unlock()
	return m.stats(n, closed)
}
