package app

import (
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"lanesched/internal/config"
	"lanesched/internal/recurring"
	logx "lanesched/pkg/logx"
)

const watchdogJob = "systemd.watchdog"

type (
	notifyFunc   func(state string) (bool, error)
	watchdogFunc func() (time.Duration, error)
)

// systemd sends sd_notify states. Every call is a no-op outside systemd.
type systemd struct {
	log      logx.Logger
	notify   notifyFunc
	watchdog watchdogFunc
}

func newSystemd(log logx.Logger, n notifyFunc, w watchdogFunc) *systemd {
	if n == nil {
		n = func(state string) (bool, error) { return daemon.SdNotify(false, state) }
	}
	if w == nil {
		w = func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) }
	}
	return &systemd{log: log, notify: n, watchdog: w}
}

func (s *systemd) send(state string) bool {
	sent, err := s.notify(state)
	if err != nil {
		s.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return sent
}

func (s *systemd) ready(cfg config.SystemdConfig) {
	if !cfg.Notify {
		return
	}
	if s.send(daemon.SdNotifyReady) {
		s.log.Debug("notified systemd: ready")
	}
}

func (s *systemd) stopping(reason StopReason) {
	s.send(daemon.SdNotifyStopping + "\nSTATUS=stopping: " + string(reason))
}

// interval returns how often to ping the watchdog, or 0 when it is off.
// Without an override the ping runs at half the systemd timeout.
func (s *systemd) interval(cfg config.SystemdConfig) time.Duration {
	if !cfg.Watchdog {
		return 0
	}
	if d, err := config.ParseDurationField("systemd.watchdog_every", cfg.WatchdogEvery); err == nil && d > 0 {
		return d
	}
	timeout, err := s.watchdog()
	if err != nil {
		s.log.Warn("watchdog env invalid", logx.Err(err))
		return 0
	}
	return timeout / 2
}

// applySystemd registers the watchdog ping as a recurring job on the first
// lane, so a stalled lane stops the pings and systemd restarts the unit.
func (a *App) applySystemd(cfg *config.Config) {
	every := a.sd.interval(cfg.Systemd)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.internal == nil {
		a.internal = recurring.NewRegistry(recurring.WithLogger(a.logs.Logger()))
	}
	if every <= 0 || len(a.lanes) == 0 {
		a.internal.Remove(watchdogJob)
		return
	}
	name := strings.TrimSpace(a.lanes[0].Name())
	s := a.scheds[name]
	err := a.internal.Add(watchdogJob, "interval:"+every.String(), s, recurring.AddOptions{}, func(time.Time) error {
		a.sd.send(daemon.SdNotifyWatchdog)
		return nil
	})
	if err != nil {
		a.log.Warn("watchdog register failed", logx.Err(err))
		return
	}
	a.log.Info("systemd watchdog enabled", logx.String("lane", name), logx.Duration("every", every))
}
