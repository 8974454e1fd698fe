// Package config loads and watches the daemon's JSON or YAML configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"lanesched/internal/lane"
	logx "lanesched/pkg/logx"
)

const (
	DefaultMetricsAddr = "127.0.0.1:9464"
	DefaultMetricsPath = "/metrics"
)

// Config is the daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Lanes declares the exclusive execution contexts. Each lane gets one
	// scheduler of the same name.
	Lanes []LaneConfig `json:"lanes"`

	// Jobs are recurring jobs bound to a lane by name.
	Jobs []JobConfig `json:"jobs,omitempty"`

	// Timezone is the IANA zone cron jobs are evaluated in. Empty means Local.
	Timezone string `json:"timezone,omitempty"`

	Metrics MetricsConfig `json:"metrics,omitempty"`
	Systemd SystemdConfig `json:"systemd,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// Logx converts the section into the logging service config.
func (c LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    c.Alert.Enabled,
			MinLevel:   c.Alert.MinLevel,
			RatePerSec: c.Alert.RatePerSec,
		},
	}
}

// LaneConfig declares one lane.
//
// Kind is "serial" (FIFO, default) or "mutex" (exclusive, unordered).
type LaneConfig struct {
	Name        string `json:"name"`
	Kind        string `json:"kind,omitempty"`
	BacklogWarn int    `json:"backlog_warn,omitempty"`
}

func (c LaneConfig) LaneKind() lane.Kind {
	k := strings.ToLower(strings.TrimSpace(c.Kind))
	if k == "" {
		return lane.KindSerial
	}
	return lane.Kind(k)
}

// JobConfig declares a recurring job.
//
// Schedule accepts cron ("*/5 * * * *", "@hourly"), intervals ("45s",
// "interval:2m", "01:30") and the "cron:" prefix.
type JobConfig struct {
	Name     string `json:"name"`
	Lane     string `json:"lane"`
	Schedule string `json:"schedule"`
	// Spread delays the first run of interval jobs by a random jitter.
	Spread bool `json:"spread,omitempty"`
	// Message is logged on each run.
	Message string `json:"message,omitempty"`
	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled,omitempty"`
}

func (c JobConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// Equal compares by value, including the effective Enabled flag.
func (c JobConfig) Equal(o JobConfig) bool {
	return c.Name == o.Name && c.Lane == o.Lane && c.Schedule == o.Schedule &&
		c.Spread == o.Spread && c.Message == o.Message && c.IsEnabled() == o.IsEnabled()
}

// MetricsConfig controls the HTTP endpoint serving /metrics, /healthz and
// /debug/lanes.
//
// Prefer binding to localhost (the default). A non-loopback addr requires a
// token or allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Path          string `json:"path,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	// Pprof also mounts net/http/pprof under /debug/pprof/.
	Pprof bool `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

func (c MetricsConfig) AddrOrDefault() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultMetricsAddr
}

func (c MetricsConfig) PathOrDefault() string {
	if p := strings.TrimSpace(c.Path); p != "" {
		return p
	}
	return DefaultMetricsPath
}

// SystemdConfig controls sd_notify integration. Both flags are no-ops when
// the process is not started by systemd.
type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
	// WatchdogEvery overrides the ping interval derived from WATCHDOG_USEC.
	WatchdogEvery string `json:"watchdog_every,omitempty"`
}

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local, fmt.Errorf("timezone: %w", err)
	}
	return loc, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}

	lanes := map[string]bool{}
	for i, l := range c.Lanes {
		path := fmt.Sprintf("lanes[%d]", i)
		name := strings.TrimSpace(l.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", path))
			continue
		}
		if lanes[name] {
			errs = append(errs, fmt.Errorf("%s.name: duplicate lane %q", path, name))
		}
		lanes[name] = true
		if k := l.LaneKind(); k != lane.KindSerial && k != lane.KindMutex {
			errs = append(errs, fmt.Errorf("%s.kind: unknown kind %q (want serial or mutex)", path, l.Kind))
		}
		if l.BacklogWarn < 0 {
			errs = append(errs, fmt.Errorf("%s.backlog_warn: must be >= 0", path))
		}
	}

	jobs := map[string]bool{}
	for i, j := range c.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", path))
		} else if jobs[name] {
			errs = append(errs, fmt.Errorf("%s.name: duplicate job %q", path, name))
		}
		jobs[name] = true
		if !lanes[strings.TrimSpace(j.Lane)] {
			errs = append(errs, fmt.Errorf("%s.lane: unknown lane %q", path, j.Lane))
		}
		if strings.TrimSpace(j.Schedule) == "" {
			errs = append(errs, fmt.Errorf("%s.schedule: required", path))
		}
	}

	for _, f := range c.durationFields() {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
