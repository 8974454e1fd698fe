package lane

import (
	"context"
	"sync"

	"github.com/eapache/queue"

	logx "lanesched/pkg/logx"
)

// Serial is a FIFO lane: one worker goroutine drains a ring-buffer backlog.
type Serial struct {
	executor

	mu     sync.Mutex
	q      *queue.Queue // of *Activation; guarded by mu
	closed bool

	wake     chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

// NewSerial starts a serial lane. Its worker runs under the configured
// supervisor and is restarted if it panics.
func NewSerial(name string, opts ...Option) *Serial {
	o := buildOptions(opts)
	s := &Serial{
		q:    queue.New(),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	s.setup(KindSerial, name, o)
	o.sup.GoRestart("lane."+s.name, s.loop)
	return s
}

func (s *Serial) Submit(a *Activation) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.reject(a)
	}
	s.accepted(a)
	s.q.Add(a)
	n := s.q.Length()
	s.mu.Unlock()

	s.observeBacklog(n)
	s.signal()
	return nil
}

func (s *Serial) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next pops the oldest activation. closed is reported under the same lock so
// a submission can never slip between "queue empty" and "lane closed".
func (s *Serial) next() (a *Activation, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q.Length() > 0 {
		a = s.q.Remove().(*Activation)
	}
	return a, s.closed
}

func (s *Serial) loop(ctx context.Context) error {
	for {
		a, closed := s.next()
		if a != nil {
			s.run(ctx, a)
			s.observeBacklog(s.backlog())
			continue
		}
		if closed {
			s.doneOnce.Do(func() { close(s.done) })
			return nil
		}
		select {
		case <-s.wake:
		case <-ctx.Done():
			// Supervisor shutdown: stop accepting, then drain what was accepted.
			s.markClosed()
		}
	}
}

// run dispatches a. A panic escaping dispatch is left to the supervisor
// while it can still restart the worker; once ctx is done it is logged here
// and the worker keeps draining the accepted backlog.
func (s *Serial) run(ctx context.Context, a *Activation) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if ctx.Err() == nil {
			panic(r)
		}
		s.log.Error("lane worker panicked while draining",
			logx.String("id", a.ID),
			logx.Any("panic", r),
			logx.Stack(captureStack()),
			logx.Int("backlog", s.backlog()),
		)
	}()
	s.dispatch(a)
}

func (s *Serial) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *Serial) backlog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.Length()
}

func (s *Serial) Close(ctx context.Context) error {
	s.markClosed()
	select {
	case <-s.done:
		s.log.Debug("lane closed", logxStats(s.Stats())...)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Serial) Stats() Stats {
	s.mu.Lock()
	n := s.q.Length()
	closed := s.closed
	s.mu.Unlock()
	return s.stats(n, closed)
}
