package scheduler

import (
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"lanesched/internal/cancellation"
	"lanesched/internal/clock"
	"lanesched/internal/eventbus"
	"lanesched/internal/lane"
	"lanesched/internal/metrics"
	logx "lanesched/pkg/logx"
)

var ErrNilLane = errors.New("scheduler: lane is required")

// Never is a delay that never elapses. ScheduleRelative(…, Never, …) returns
// a live token but arms no timer.
const Never time.Duration = math.MaxInt64

const rejectWarnEvery = 5 * time.Second

// Action is the unit of work: it receives the scheduled state and returns a
// handle for any follow-up work it started (cancellation.Nop() if none).
type Action func(state any) cancellation.Handle

// Immediate schedules work on the next lane turn.
type Immediate interface {
	Schedule(state any, action Action) cancellation.Token
}

// Relative adds time-delayed scheduling.
type Relative interface {
	Immediate
	Now() time.Time
	ScheduleRelative(state any, due time.Duration, action Action) cancellation.Token
}

// Scheduler isolates work on one lane.
type Scheduler struct {
	name  string
	lane  lane.Lane
	clock clock.Clock
	log   logx.Logger
	bus   eventbus.Bus
	rec   metrics.Recorder

	scheduled     atomic.Uint64
	rejected      atomic.Uint64
	timersArmed   atomic.Uint64
	timersFired   atomic.Uint64
	timersStopped atomic.Uint64
	timersPending atomic.Int64

	rejectWarn rate.Sometimes
}

var _ Relative = (*Scheduler)(nil)

type Option func(*Scheduler)

// WithName labels the scheduler in logs, events, and metrics. Defaults to the lane name.
func WithName(name string) Option { return func(s *Scheduler) { s.name = name } }

func WithClock(c clock.Clock) Option { return func(s *Scheduler) { s.clock = c } }

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(s *Scheduler) { s.bus = bus } }

func WithMetrics(rec metrics.Recorder) Option { return func(s *Scheduler) { s.rec = rec } }

// New binds a scheduler to l. A nil lane is a configuration error.
func New(l lane.Lane, opts ...Option) (*Scheduler, error) {
	if l == nil {
		return nil, ErrNilLane
	}
	s := &Scheduler{lane: l}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.name == "" {
		s.name = l.Name()
	}
	if s.clock == nil {
		s.clock = clock.System()
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "scheduler"), logx.String("scheduler", s.name))
	if s.rec == nil {
		s.rec = metrics.Nop()
	}
	s.rejectWarn = rate.Sometimes{Interval: rejectWarnEvery}
	return s, nil
}

// NewMain builds a scheduler on the process-wide lane.Main().
func NewMain(opts ...Option) *Scheduler {
	s, _ := New(lane.Main(), opts...)
	return s
}

func (s *Scheduler) Name() string       { return s.name }
func (s *Scheduler) Lane() lane.Lane    { return s.lane }
func (s *Scheduler) Now() time.Time     { return s.clock.Now() }
func (s *Scheduler) Clock() clock.Clock { return s.clock }

// immediateToken couples the lane activation with the single-assignment slot
// that receives the action's handle.
type immediateToken struct {
	act   *lane.Activation
	inner *cancellation.SingleAssignment
}

func (t *immediateToken) Cancel() {
	t.act.Cancel()
	t.inner.Cancel()
}

func (t *immediateToken) IsCancelled() bool { return t.inner.IsCancelled() }

// Schedule runs action(state) on the lane's next turn.
func (s *Scheduler) Schedule(state any, action Action) cancellation.Token {
	inner := cancellation.NewSingleAssignment()
	act := lane.NewActivation(uuid.NewString(), s.name, func() {
		if inner.IsCancelled() {
			return
		}
		inner.Set(action(state))
	})
	tok := &immediateToken{act: act, inner: inner}
	s.submit(act, tok)
	return tok
}

// ScheduleRelative runs action(state) on the lane once due has elapsed on
// the scheduler's clock. due <= 0 is the immediate path.
func (s *Scheduler) ScheduleRelative(state any, due time.Duration, action Action) cancellation.Token {
	if due <= 0 {
		return s.Schedule(state, action)
	}
	tok := cancellation.NewComposite()
	if due == Never {
		s.log.Trace("relative schedule with infinite delay; no timer armed")
		return tok
	}

	pt := &pendingTimer{id: uuid.NewString(), due: due, deadline: clock.Deadline(s.clock, due)}
	s.timersArmed.Add(1)
	s.timersPending.Add(1)
	s.rec.TimersPending(s.name, 1)
	s.publish(eventbus.TimerArmed, pt.id, due)

	pt.timer = s.clock.AfterFunc(clock.Until(s.clock, pt.deadline), func() { s.fire(pt, tok, state, action) })
	tok.Add(cancellation.Func(func() { s.stop(pt) }))
	return tok
}

// fire is the timer callback: hand off to the lane unless cancelled.
func (s *Scheduler) fire(pt *pendingTimer, tok *cancellation.Composite, state any, action Action) {
	if pt.release() {
		s.timersFired.Add(1)
		s.released(pt, eventbus.TimerFired)
	}
	if tok.IsCancelled() {
		return
	}
	act := lane.NewActivation(pt.id, s.name, func() {
		if tok.IsCancelled() {
			return
		}
		tok.Add(action(state))
	})
	act.Delay = pt.due
	if !tok.Add(act) {
		return
	}
	s.submit(act, tok)
}

func (s *Scheduler) stop(pt *pendingTimer) {
	if pt.timer != nil {
		pt.timer.Stop()
	}
	if pt.release() {
		s.timersStopped.Add(1)
		s.released(pt, eventbus.TimerStopped)
	}
}

func (s *Scheduler) released(pt *pendingTimer, typ string) {
	s.timersPending.Add(-1)
	s.rec.TimersPending(s.name, -1)
	s.publish(typ, pt.id, pt.due)
}

// submit hands act to the lane. A closed lane cancels tok so the caller can
// observe that the work will never run.
func (s *Scheduler) submit(act *lane.Activation, tok cancellation.Handle) {
	s.scheduled.Add(1)
	s.publish(eventbus.ActivationScheduled, act.ID, act.Delay)
	if err := s.lane.Submit(act); err != nil {
		s.rejected.Add(1)
		tok.Cancel()
		s.rejectWarn.Do(func() {
			s.log.Warn("schedule rejected", logx.String("lane", s.lane.Name()), logx.Err(err), logx.Uint64("rejected", s.rejected.Load()))
		})
	}
}

func (s *Scheduler) publish(typ, id string, delay time.Duration) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.ActivationEvent{ID: id, Scheduler: s.name, Lane: s.lane.Name(), Delay: delay}})
}

// pendingTimer is an armed relative-delay timer.
type pendingTimer struct {
	id       string
	due      time.Duration
	deadline time.Time
	timer    clock.Timer
	done     atomic.Bool
}

// release reports whether this call is the one that retires the timer.
func (p *pendingTimer) release() bool {
	return p.done.CompareAndSwap(false, true)
}
