// Package app wires the daemon: config, logging, lanes with their schedulers,
// recurring jobs, the metrics endpoint and systemd notifications.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"lanesched/internal/clock"
	"lanesched/internal/config"
	"lanesched/internal/eventbus"
	"lanesched/internal/lane"
	"lanesched/internal/metrics"
	"lanesched/internal/observability/httpserver"
	"lanesched/internal/recurring"
	"lanesched/internal/runtime/supervisor"
	"lanesched/internal/scheduler"
	logx "lanesched/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	reg *prometheus.Registry
	rec *metrics.Prometheus

	clock clock.Clock
	sd    *systemd
	http  *httpserver.Service

	mu        sync.Mutex
	lanes     []lane.Lane
	scheds    map[string]*scheduler.Scheduler
	jobs      *recurring.Registry
	applied   map[string]config.JobConfig
	internal  *recurring.Registry
	appliedTZ string
}

type Option func(*options)

type options struct {
	clock    clock.Clock
	alertOut io.Writer
	notify   notifyFunc
	watchdog watchdogFunc
}

// WithClock drives every scheduler from c instead of the system clock.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithAlertWriter redirects the logging alert sink (stderr by default).
func WithAlertWriter(w io.Writer) Option { return func(o *options) { o.alertOut = w } }

// withSystemd replaces the sd_notify calls; used by tests.
func withSystemd(n notifyFunc, w watchdogFunc) Option {
	return func(o *options) {
		o.notify = n
		o.watchdog = w
	}
}

// New loads the config at cfgPath and builds every component that does not
// need a running context. Lanes and jobs start in Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	if o.clock == nil {
		o.clock = clock.System()
	}

	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(validateJobs)
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Logging.Logx(), o.alertOut)
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(logSvc.Logger())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec, err := metrics.NewPrometheus(reg)
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("metrics: %w", err)
	}

	a := &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   eventbus.New(),
		reg:   reg,
		rec:   rec,
		clock: o.clock,
		sd:    newSystemd(logSvc.Logger().With(logx.String("comp", "systemd")), o.notify, o.watchdog),
	}
	a.http = httpserver.New(httpserver.Config{}, httpserver.Sources{
		Gatherer: reg,
		Health:   a.Health,
		Snapshot: func() any { return a.Snapshot() },
	}, logSvc.Logger().With(logx.String("comp", "http")))
	return a, nil
}

// validateJobs rejects configs whose job schedules do not parse.
func validateJobs(_ context.Context, cfg *config.Config) error {
	var errs []error
	for i, j := range cfg.Jobs {
		if _, err := recurring.ParseSchedule(j.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("jobs[%d].schedule: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) Config() *config.Config { return a.cfgm.Get() }

// Scheduler returns the scheduler bound to the named lane.
func (a *App) Scheduler(name string) (*scheduler.Scheduler, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.scheds[name]
	return s, ok
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	if err := a.buildLanes(cfg); err != nil {
		return err
	}
	a.applyJobs(cfg)

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(256)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			a.logEvents(c, events)
		})
	}

	httpCfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return err
	}
	a.http.Reconfigure(a.sup.Context(), httpCfg)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.applySystemd(cfg)
	a.sd.ready(cfg.Systemd)
	a.log.Info("app started", logx.Int("lanes", len(a.lanes)), logx.Int("jobs", len(a.jobs.Names())))
	return nil
}

func (a *App) buildLanes(cfg *config.Config) error {
	specs := cfg.Lanes
	if len(specs) == 0 {
		specs = []config.LaneConfig{{Name: "main", Kind: string(lane.KindSerial)}}
	}
	lanes := make([]lane.Lane, 0, len(specs))
	scheds := make(map[string]*scheduler.Scheduler, len(specs))
	for _, lc := range specs {
		name := strings.TrimSpace(lc.Name)
		l, err := lane.New(lc.LaneKind(), name,
			lane.WithLogger(a.logs.Logger()),
			lane.WithBus(a.bus),
			lane.WithMetrics(a.rec),
			lane.WithSupervisor(a.sup),
			lane.WithBacklogWarn(lc.BacklogWarn),
		)
		if err != nil {
			return fmt.Errorf("lane %q: %w", name, err)
		}
		s, err := scheduler.New(l,
			scheduler.WithClock(a.clock),
			scheduler.WithLogger(a.logs.Logger()),
			scheduler.WithBus(a.bus),
			scheduler.WithMetrics(a.rec),
		)
		if err != nil {
			return err
		}
		lanes = append(lanes, l)
		scheds[name] = s
		a.log.Debug("lane ready", logx.String("lane", name), logx.String("kind", string(l.Kind())))
	}

	a.mu.Lock()
	a.lanes = lanes
	a.scheds = scheds
	a.mu.Unlock()
	return nil
}

// applyJobs reconciles the job registry with cfg. Unchanged jobs keep their
// timers; a timezone change re-registers everything.
func (a *App) applyJobs(cfg *config.Config) {
	loc, err := cfg.Location()
	if err != nil {
		a.log.Warn("invalid timezone; falling back to Local", logx.Err(err))
	}
	tz := strings.TrimSpace(cfg.Timezone)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.jobs == nil || tz != a.appliedTZ {
		if a.jobs != nil {
			a.jobs.Close()
		}
		a.jobs = recurring.NewRegistry(
			recurring.WithLogger(a.logs.Logger()),
			recurring.WithBus(a.bus),
			recurring.WithLocation(loc),
		)
		a.applied = map[string]config.JobConfig{}
		a.appliedTZ = tz
	}

	want := map[string]config.JobConfig{}
	for _, j := range cfg.Jobs {
		if j.IsEnabled() {
			want[strings.TrimSpace(j.Name)] = j
		}
	}
	for name := range a.applied {
		if _, ok := want[name]; !ok {
			a.jobs.Remove(name)
			delete(a.applied, name)
		}
	}

	names := make([]string, 0, len(want))
	for n := range want {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, name := range names {
		j := want[name]
		if prev, ok := a.applied[name]; ok && prev.Equal(j) {
			continue
		}
		s, ok := a.scheds[strings.TrimSpace(j.Lane)]
		if !ok {
			a.log.Warn("job references a lane that is not running; restart required", logx.String("job", name), logx.String("lane", j.Lane))
			continue
		}
		if err := a.jobs.Add(name, j.Schedule, s, recurring.AddOptions{Spread: j.Spread}, a.heartbeat(name, j.Message, s)); err != nil {
			a.log.Warn("job register failed", logx.String("job", name), logx.Err(err))
			continue
		}
		a.applied[name] = j
	}
}

// heartbeat is the body of a configured job: it logs msg with the lane's
// counters, proving the lane still turns.
func (a *App) heartbeat(name, msg string, s *scheduler.Scheduler) recurring.Job {
	if msg == "" {
		msg = "heartbeat"
	}
	log := a.logs.Logger().With(logx.String("comp", "job"), logx.String("job", name))
	return func(now time.Time) error {
		snap := s.Snapshot()
		log.Info(msg,
			logx.String("lane", snap.Lane.Name),
			logx.Uint64("executed", snap.Lane.Executed),
			logx.Int("backlog", snap.Lane.Backlog),
			logx.Int64("timers_pending", snap.TimersPending),
			logx.Time("at", now),
		)
		return nil
	}
}

func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if !a.log.Enabled(logx.LevelTrace) {
				continue
			}
			fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
			switch d := e.Data.(type) {
			case eventbus.ActivationEvent:
				fields = append(fields, logx.String("id", d.ID), logx.String("lane", d.Lane))
			case eventbus.JobEvent:
				fields = append(fields, logx.String("job", d.Name), logx.Uint64("run", d.Run))
			}
			a.log.Trace("event", fields...)
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// keep only the latest of a burst
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}

	if changed["logging"] {
		a.logs.Apply(newCfg.Logging.Logx())
	}
	if changed["lanes"] {
		a.log.Warn("lanes config changed; restart required for changes to take effect")
	}
	if changed["jobs"] || changed["timezone"] {
		a.applyJobs(newCfg)
	}
	if changed["metrics"] {
		if hc, err := mapHTTPConfig(newCfg); err != nil {
			a.log.Warn("invalid metrics config; keeping previous", logx.Err(err))
		} else {
			a.http.Reconfigure(ctx, hc)
		}
	}
	if changed["systemd"] {
		a.applySystemd(newCfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func mapHTTPConfig(cfg *config.Config) (httpserver.Config, error) {
	m := cfg.Metrics
	rt, err := config.ParseDurationOrDefault("metrics.read_timeout", m.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpserver.Config{}, err
	}
	wt, err := config.ParseDurationOrDefault("metrics.write_timeout", m.WriteTimeout, 0)
	if err != nil {
		return httpserver.Config{}, err
	}
	return httpserver.Config{
		Enabled:       m.Enabled,
		Addr:          m.AddrOrDefault(),
		MetricsPath:   m.PathOrDefault(),
		Token:         m.Token,
		AllowInsecure: m.AllowInsecure,
		Pprof:         m.Pprof,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
	}, nil
}

// Health fails when the supervisor recorded a fatal error or a lane closed
// while the app is running.
func (a *App) Health() error {
	if err := a.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, l := range a.lanes {
		if l.Stats().Closed {
			return fmt.Errorf("lane %s closed", l.Name())
		}
	}
	return nil
}

// Snapshot is the /debug/lanes payload.
type Snapshot struct {
	Schedulers    []scheduler.Snapshot `json:"schedulers"`
	Jobs          []recurring.Info     `json:"jobs"`
	System        []recurring.Info     `json:"system_jobs,omitempty"`
	Supervisor    supervisor.Snapshot  `json:"supervisor"`
	AlertsDropped uint64               `json:"alerts_dropped"`
}

func (a *App) Snapshot() Snapshot {
	a.mu.Lock()
	scheds := make([]*scheduler.Scheduler, 0, len(a.scheds))
	for _, s := range a.scheds {
		scheds = append(scheds, s)
	}
	jobs, internal := a.jobs, a.internal
	a.mu.Unlock()

	sort.Slice(scheds, func(i, j int) bool { return scheds[i].Name() < scheds[j].Name() })
	out := Snapshot{AlertsDropped: a.logs.AlertsDropped()}
	for _, s := range scheds {
		out.Schedulers = append(out.Schedulers, s.Snapshot())
	}
	if jobs != nil {
		out.Jobs = jobs.Snapshot()
	}
	if internal != nil {
		out.System = internal.Snapshot()
	}
	if a.sup != nil {
		out.Supervisor = a.sup.Snapshot()
	}
	return out
}

// Stop cancels jobs, drains lanes and waits for supervised goroutines. Each
// step is bounded so one component cannot stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.stopping(reason)

	a.step(ctx, "jobs", time.Second, func(context.Context) error {
		a.mu.Lock()
		jobs, internal := a.jobs, a.internal
		a.mu.Unlock()
		if jobs != nil {
			jobs.Close()
		}
		if internal != nil {
			internal.Close()
		}
		return nil
	})
	a.step(ctx, "http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "lanes", 3*time.Second, a.closeLanes)

	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeLanes(ctx context.Context) error {
	a.mu.Lock()
	lanes := append([]lane.Lane(nil), a.lanes...)
	a.mu.Unlock()
	var errs []error
	for _, l := range lanes {
		if err := l.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("lane %s: %w", l.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
