package recurring

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// MaxStartupSpread bounds the random first-run delay added to interval jobs.
const MaxStartupSpread = 30 * time.Second

// every fires at anchor + k*period. Unlike cron.Every it keeps sub-second
// periods and does not drift when a tick runs late.
type every struct {
	anchor time.Time
	period time.Duration
}

// Every returns a schedule firing every period, measured from anchor.
func Every(anchor time.Time, period time.Duration) cron.Schedule {
	return every{anchor: anchor, period: period}
}

func (e every) Next(t time.Time) time.Time {
	if e.period <= 0 {
		return time.Time{}
	}
	if t.Before(e.anchor) {
		return e.anchor.Add(e.period)
	}
	k := t.Sub(e.anchor)/e.period + 1
	return e.anchor.Add(k * e.period)
}

// startupSpread overrides the first run time of a base schedule. Later runs
// delegate to the base schedule.
type startupSpread struct {
	base  cron.Schedule
	first time.Time
}

func (s *startupSpread) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

var spreadSeq uint64

// withSpread delays the first run of an interval schedule by a random
// jitter in [0, min(period, MaxStartupSpread)), seeded from tag.
func withSpread(period time.Duration, now time.Time, tag string) (cron.Schedule, time.Duration) {
	spreadMax := period
	if spreadMax > MaxStartupSpread {
		spreadMax = MaxStartupSpread
	}
	if spreadMax <= 0 {
		return Every(now, period), 0
	}

	seed := time.Now().UnixNano() ^ int64(atomic.AddUint64(&spreadSeq, 1)) ^ int64(fnv64a(tag))
	rng := rand.New(rand.NewSource(seed))
	jitter := time.Duration(rng.Int63n(int64(spreadMax)))
	first := now.Add(period + jitter)
	return &startupSpread{base: Every(first, period), first: first}, jitter
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
