package recurring

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"lanesched/internal/eventbus"
	"lanesched/internal/scheduler"
	logx "lanesched/pkg/logx"
)

// Job is the body of a registered recurring job. It runs on the lane of the
// scheduler it was registered with.
type Job func(now time.Time) error

// Info describes a registered job.
type Info struct {
	Name      string        `json:"name"`
	Scheduler string        `json:"scheduler"`
	Spec      string        `json:"spec"`
	Spread    time.Duration `json:"spread,omitempty"`
	Runs      uint64        `json:"runs"`
	Failures  uint64        `json:"failures"`
	Next      time.Time     `json:"next"`
	Prev      time.Time     `json:"prev"`
}

type entry struct {
	name   string
	sched  string
	spec   Spec
	spread time.Duration
	h      *Handle
	fails  uint64
}

type jobState struct {
	runs uint64
}

// Registry keeps named recurring jobs. Registering a name again replaces the
// previous job, so config reloads never duplicate work.
type Registry struct {
	mu   sync.Mutex
	log  logx.Logger
	bus  eventbus.Bus
	loc  *time.Location
	jobs map[string]*entry
}

type RegistryOption func(*Registry)

func WithLogger(log logx.Logger) RegistryOption { return func(r *Registry) { r.log = log } }
func WithBus(bus eventbus.Bus) RegistryOption   { return func(r *Registry) { r.bus = bus } }

// WithLocation sets the zone cron expressions are evaluated in. Defaults to time.Local.
func WithLocation(loc *time.Location) RegistryOption { return func(r *Registry) { r.loc = loc } }

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{jobs: map[string]*entry{}}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	r.log = r.log.With(logx.String("comp", "recurring"))
	if r.loc == nil {
		r.loc = time.Local
	}
	return r
}

// AddOptions tunes a registered job.
type AddOptions struct {
	// Spread delays the first run of an interval job by a random jitter
	// bounded by min(interval, MaxStartupSpread).
	Spread bool
}

// Add parses schedule and registers job under name on s, replacing any job
// with the same name.
func (r *Registry) Add(name, schedule string, s *scheduler.Scheduler, opt AddOptions, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("recurring: name required")
	}
	if s == nil {
		return scheduler.ErrNilLane
	}
	if job == nil {
		return errors.New("recurring: job required")
	}
	spec, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}

	now := s.Now().In(r.loc)
	var (
		sched  cron.Schedule
		spread time.Duration
	)
	switch spec.Kind {
	case KindInterval:
		if opt.Spread {
			sched, spread = withSpread(spec.Every, now, name)
		} else {
			sched = Every(now, spec.Every)
		}
	default:
		cs, err := Parser.Parse(spec.Cron)
		if err != nil {
			return err
		}
		sched = inLocation{base: cs, loc: r.loc}
	}

	e := &entry{name: name, sched: s.Name(), spec: spec, spread: spread, h: &Handle{}}

	r.mu.Lock()
	prev := r.jobs[name]
	r.jobs[name] = e
	r.mu.Unlock()
	if prev != nil {
		prev.h.Cancel()
	}

	start(e.h, s, jobState{}, sched, func(st jobState) jobState {
		st.runs++
		r.run(e, s, st.runs, job)
		return st
	})

	args := []logx.Field{logx.String("name", name), logx.String("scheduler", s.Name()), logx.String("spec", spec.String())}
	if spread > 0 {
		args = append(args, logx.Duration("spread", spread))
	}
	if r.log.Enabled(logx.LevelDebug) {
		if next := previewNext(sched, now, 4); next != "" {
			args = append(args, logx.String("next", next))
		}
	}
	r.log.Debug("job registered", args...)
	return nil
}

func (r *Registry) run(e *entry, s *scheduler.Scheduler, n uint64, job Job) {
	now := s.Now()
	if err := job(now); err != nil {
		r.mu.Lock()
		e.fails++
		r.mu.Unlock()
		r.log.Warn("job failed", logx.String("name", e.name), logx.Uint64("run", n), logx.Err(err))
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.JobFired, Data: eventbus.JobEvent{
			Name: e.name, Scheduler: e.sched, Spec: e.spec.String(), Run: n, Next: e.h.Next(),
		}})
	}
}

// Remove cancels and forgets the job called name.
func (r *Registry) Remove(name string) bool {
	name = strings.TrimSpace(name)
	r.mu.Lock()
	e, ok := r.jobs[name]
	delete(r.jobs, name)
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.h.Cancel()
	r.log.Debug("job removed", logx.String("name", name))
	return true
}

// Names lists registered job names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.jobs))
	for n := range r.jobs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Snapshot describes every registered job, sorted by name.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.jobs))
	for _, e := range r.jobs {
		out = append(out, Info{
			Name:      e.name,
			Scheduler: e.sched,
			Spec:      e.spec.String(),
			Spread:    e.spread,
			Runs:      e.h.Runs(),
			Failures:  e.fails,
			Next:      e.h.Next(),
			Prev:      e.h.Prev(),
		})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close cancels every job.
func (r *Registry) Close() {
	r.mu.Lock()
	jobs := r.jobs
	r.jobs = map[string]*entry{}
	r.mu.Unlock()
	for _, e := range jobs {
		e.h.Cancel()
	}
}

// inLocation evaluates a cron schedule in loc regardless of the caller's zone.
type inLocation struct {
	base cron.Schedule
	loc  *time.Location
}

func (s inLocation) Next(t time.Time) time.Time { return s.base.Next(t.In(s.loc)) }

// previewNext lists the next n run times for debug logs.
func previewNext(sched cron.Schedule, from time.Time, n int) string {
	var b strings.Builder
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
