package lane

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"lanesched/internal/eventbus"
	"lanesched/internal/metrics"
	"lanesched/internal/runtime/supervisor"
	logx "lanesched/pkg/logx"

	"golang.org/x/time/rate"
)

var ErrClosed = errors.New("lane closed")

const (
	defaultBacklogWarn = 1024
	backlogWarnEvery   = 5 * time.Second
)

// Kind selects the lane discipline.
type Kind string

const (
	KindSerial Kind = "serial"
	KindMutex  Kind = "mutex"
)

// FIFO reports whether submissions from one goroutine run in submission order.
func (k Kind) FIFO() bool { return k == KindSerial }

// Lane is an exclusive execution context.
type Lane interface {
	Name() string
	Kind() Kind
	// Submit hands a to the lane without blocking. It fails only with ErrClosed.
	Submit(a *Activation) error
	// Close refuses new submissions and waits until every accepted activation
	// has run or been skipped, or ctx is done.
	Close(ctx context.Context) error
	Stats() Stats
}

// Stats is a diagnostic snapshot of a lane.
type Stats struct {
	Name      string `json:"name"`
	Kind      Kind   `json:"kind"`
	Backlog   int    `json:"backlog"`
	Submitted uint64 `json:"submitted"`
	Executed  uint64 `json:"executed"`
	Skipped   uint64 `json:"skipped"`
	Rejected  uint64 `json:"rejected"`
	Panics    uint64 `json:"panics"`
	Closed    bool   `json:"closed"`
}

type Option func(*options)

type options struct {
	log    logx.Logger
	bus    eventbus.Bus
	rec    metrics.Recorder
	sup    *supervisor.Supervisor
	warnAt int
}

func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(o *options) { o.bus = bus } }

func WithMetrics(rec metrics.Recorder) Option { return func(o *options) { o.rec = rec } }

// WithSupervisor runs the lane's worker goroutines under sup.
func WithSupervisor(sup *supervisor.Supervisor) Option { return func(o *options) { o.sup = sup } }

// WithBacklogWarn logs a throttled warning whenever the backlog exceeds n.
// 0 uses the default (1024); a negative n disables the warning.
func WithBacklogWarn(n int) Option { return func(o *options) { o.warnAt = n } }

func buildOptions(opts []Option) options {
	o := options{}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	if o.rec == nil {
		o.rec = metrics.Nop()
	}
	if o.warnAt == 0 {
		o.warnAt = defaultBacklogWarn
	}
	if o.sup == nil {
		o.sup = supervisor.New(context.Background(), supervisor.WithLogger(o.log))
	}
	return o
}

// New builds a lane of the given kind.
func New(kind Kind, name string, opts ...Option) (Lane, error) {
	switch kind {
	case KindSerial, "":
		return NewSerial(name, opts...), nil
	case KindMutex:
		return NewMutex(name, opts...), nil
	default:
		return nil, fmt.Errorf("unknown lane kind %q", kind)
	}
}

// executor holds what both lane kinds share: the exclusivity guard, the
// activation dispatch, and counters.
type executor struct {
	name string
	kind Kind
	o    options
	log  logx.Logger

	// running is the lane's "who is executing" cell. Only dispatch mutates it,
	// through a 0 -> 1 CAS; a failed CAS means exclusivity was broken.
	running atomic.Int32

	backlogWarn rate.Sometimes

	submitted atomic.Uint64
	executed  atomic.Uint64
	skipped   atomic.Uint64
	rejected  atomic.Uint64
	panics    atomic.Uint64
}

func (e *executor) setup(kind Kind, name string, o options) {
	if name == "" {
		name = string(kind)
	}
	e.name = name
	e.kind = kind
	e.o = o
	e.log = o.log.With(logx.String("comp", "lane"), logx.String("lane", name))
	e.backlogWarn = rate.Sometimes{Interval: backlogWarnEvery}
}

// observeBacklog reports the backlog after a submission.
func (e *executor) observeBacklog(n int) {
	e.o.rec.Backlog(e.name, n)
	if e.o.warnAt > 0 && n > e.o.warnAt {
		e.backlogWarn.Do(func() {
			e.log.Warn("lane backlog high", logx.Int("backlog", n), logx.Int("warn_at", e.o.warnAt))
		})
	}
}

func (e *executor) Name() string { return e.name }
func (e *executor) Kind() Kind   { return e.kind }

func (e *executor) event(typ string, a *Activation, fields func(ev *eventbus.ActivationEvent)) {
	if e.o.bus == nil {
		return
	}
	ev := eventbus.ActivationEvent{ID: a.ID, Scheduler: a.Owner, Lane: e.name, Delay: a.Delay}
	if fields != nil {
		fields(&ev)
	}
	e.o.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func (e *executor) accepted(a *Activation) {
	a.markSubmitted(time.Now())
	e.submitted.Add(1)
}

func (e *executor) reject(a *Activation) error {
	e.rejected.Add(1)
	e.o.rec.Activation(e.name, metrics.OutcomeRejected)
	e.log.Warn("activation rejected: lane closed", logx.String("id", a.ID), logx.String("scheduler", a.Owner))
	e.event(eventbus.ActivationRejected, a, nil)
	return ErrClosed
}

// dispatch runs a on the calling goroutine. Callers guarantee exclusivity
// (single worker or lane mutex); the running CAS verifies it.
func (e *executor) dispatch(a *Activation) {
	if !e.running.CompareAndSwap(0, 1) {
		panic(fmt.Sprintf("lane %s: concurrent dispatch of activation %s", e.name, a.ID))
	}
	defer e.running.Store(0)

	start := time.Now()
	qd := a.queueDelay(start)
	e.o.rec.QueueDelay(e.name, qd)

	if !a.begin() {
		e.skipped.Add(1)
		e.o.rec.Activation(e.name, metrics.OutcomeSkipped)
		e.log.Trace("activation skipped: cancelled before dispatch", logx.String("id", a.ID))
		e.event(eventbus.ActivationSkipped, a, func(ev *eventbus.ActivationEvent) { ev.QueueDelay = qd })
		return
	}
	e.event(eventbus.ActivationStarted, a, func(ev *eventbus.ActivationEvent) { ev.QueueDelay = qd })

	pan, stack := e.invoke(a)
	a.finish()
	dur := time.Since(start)
	e.o.rec.ActivationDuration(e.name, dur)

	if pan != nil {
		e.panics.Add(1)
		e.o.rec.Activation(e.name, metrics.OutcomePanicked)
		e.log.Error("activation panicked", logx.String("id", a.ID), logx.String("scheduler", a.Owner), logx.Any("panic", pan), logx.Stack(stack))
		e.event(eventbus.ActivationPanicked, a, func(ev *eventbus.ActivationEvent) {
			ev.QueueDelay = qd
			ev.Duration = dur
			ev.Error = fmt.Sprint(pan)
		})
		return
	}
	e.executed.Add(1)
	e.o.rec.Activation(e.name, metrics.OutcomeExecuted)
	e.event(eventbus.ActivationCompleted, a, func(ev *eventbus.ActivationEvent) {
		ev.QueueDelay = qd
		ev.Duration = dur
	})
}

func (e *executor) invoke(a *Activation) (pan any, stack string) {
	defer func() {
		if r := recover(); r != nil {
			pan = r
			stack = captureStack()
		}
	}()
	if a.fn != nil {
		a.fn()
	}
	return nil, ""
}

func (e *executor) stats(backlog int, closed bool) Stats {
	return Stats{
		Name:      e.name,
		Kind:      e.kind,
		Backlog:   backlog,
		Submitted: e.submitted.Load(),
		Executed:  e.executed.Load(),
		Skipped:   e.skipped.Load(),
		Rejected:  e.rejected.Load(),
		Panics:    e.panics.Load(),
		Closed:    closed,
	}
}

func logxStats(st Stats) []logx.Field {
	return []logx.Field{
		logx.Uint64("submitted", st.Submitted),
		logx.Uint64("executed", st.Executed),
		logx.Uint64("skipped", st.Skipped),
		logx.Uint64("panics", st.Panics),
	}
}
