package logx

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const maxAlertLen = 1024

// alertWriter is a zerolog.LevelWriter that condenses JSON lines into one
// operator-readable line and rate-limits them.
type alertWriter struct {
	out io.Writer

	mu       sync.Mutex
	limiter  *rate.Limiter
	minLevel zerolog.Level

	dropped atomic.Uint64
}

func newAlertWriter(out io.Writer) *alertWriter {
	return &alertWriter{out: out, minLevel: zerolog.WarnLevel, limiter: rate.NewLimiter(1, 1)}
}

func (w *alertWriter) configure(cfg AlertConfig) {
	rps := cfg.RatePerSec
	if rps < 1 {
		rps = 1
	}
	w.mu.Lock()
	w.minLevel = ParseLevel(cfg.MinLevel, zerolog.WarnLevel)
	w.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	w.mu.Unlock()
}

func (w *alertWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *alertWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	w.mu.Lock()
	lim := w.limiter
	min := w.minLevel
	w.mu.Unlock()

	if level < min {
		return len(p), nil
	}
	if !lim.Allow() {
		w.dropped.Add(1)
		return len(p), nil
	}
	line := formatAlert(p)
	if line == "" {
		return len(p), nil
	}
	w.mu.Lock()
	_, err := io.WriteString(w.out, line+"\n")
	w.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// formatAlert renders "[LEVEL] message k=v k=v" with keys sorted.
func formatAlert(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), maxAlertLen)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", "stack":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(fmt.Sprint(m[k]), 200))
	}
	return truncate(b.String(), maxAlertLen)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
