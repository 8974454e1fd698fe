package config

import (
	"fmt"
	"strings"
	"time"
)

// DurationError reports a config duration that does not parse or is negative.
type DurationError struct {
	Path string
	Raw  string
	Err  error // nil for a negative value
}

func (e *DurationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: duration %q must be >= 0", e.Path, e.Raw)
	}
	return fmt.Sprintf("%s: invalid duration %q: %v", e.Path, e.Raw, e.Err)
}

func (e *DurationError) Unwrap() error { return e.Err }

// ParseDurationField parses the duration at path. Empty means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, &DurationError{Path: path, Raw: raw, Err: err}
	case d < 0:
		return 0, &DurationError{Path: path, Raw: raw}
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with zero replaced by def.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

type durationField struct{ path, raw string }

// durationFields lists every duration string in c by config path.
func (c *Config) durationFields() []durationField {
	return []durationField{
		{"metrics.read_timeout", c.Metrics.ReadTimeout},
		{"metrics.write_timeout", c.Metrics.WriteTimeout},
		{"systemd.watchdog_every", c.Systemd.WatchdogEvery},
	}
}
