package recurring

import (
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     Kind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: KindCron, source: "cron"},
		{name: "cron with seconds", raw: "*/10 * * * * *", kind: KindCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: KindCron, source: "cron"},
		{name: "every descriptor", raw: "@every 10s", kind: KindCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: KindCron, source: "cron"},
		{name: "duration", raw: "10m", kind: KindInterval, source: "duration", duration: 10 * time.Minute},
		{name: "sub-second", raw: "250ms", kind: KindInterval, source: "duration", duration: 250 * time.Millisecond},
		{name: "prefixed interval", raw: "interval:45s", kind: KindInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix", raw: "every: 02:00", kind: KindInterval, source: "hhmm", duration: 2 * time.Hour},
		{name: "hhmm", raw: "01:30", kind: KindInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == KindInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "-5s", "0s", "00:00", "01:75", "cron:", "cron:61 * * * *", "* * *"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q) expected error", raw)
		}
	}
}

func TestSpecString(t *testing.T) {
	t.Parallel()
	p, _ := ParseSchedule("interval:90s")
	if got := p.String(); got != "@every 1m30s" {
		t.Fatalf("String = %q, want %q", got, "@every 1m30s")
	}
	p, _ = ParseSchedule("cron:*/5 * * * *")
	if got := p.String(); got != "*/5 * * * *" {
		t.Fatalf("String = %q, want %q", got, "*/5 * * * *")
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM("23:15")
	if err != nil {
		t.Fatalf("parseHHMM error: %v", err)
	}
	if h != 23 || m != 15 {
		t.Fatalf("unexpected result: %d:%d", h, m)
	}

	if _, _, err := parseHHMM("24:00"); err == nil {
		t.Fatal("expected error for invalid hour")
	}
}

func TestDailyAndWeekly(t *testing.T) {
	t.Parallel()
	d, err := Daily("07:05")
	if err != nil || d != "5 7 * * *" {
		t.Fatalf("Daily = %q, %v; want %q", d, err, "5 7 * * *")
	}
	w, err := Weekly(time.Monday, "18:30")
	if err != nil || w != "30 18 * * 1" {
		t.Fatalf("Weekly = %q, %v; want %q", w, err, "30 18 * * 1")
	}
	if _, err := Daily("7"); err == nil {
		t.Fatal("expected error for malformed time")
	}
}

func TestEveryNext(t *testing.T) {
	t.Parallel()
	anchor := time.Date(2024, 7, 17, 9, 0, 0, 0, time.UTC)
	e := Every(anchor, 1500*time.Millisecond)
	tests := []struct {
		at   time.Time
		want time.Time
	}{
		{at: anchor.Add(-time.Hour), want: anchor.Add(1500 * time.Millisecond)},
		{at: anchor, want: anchor.Add(1500 * time.Millisecond)},
		{at: anchor.Add(1499 * time.Millisecond), want: anchor.Add(1500 * time.Millisecond)},
		{at: anchor.Add(1500 * time.Millisecond), want: anchor.Add(3 * time.Second)},
		{at: anchor.Add(10 * time.Second), want: anchor.Add(10500 * time.Millisecond)},
	}
	for _, tt := range tests {
		if got := e.Next(tt.at); !got.Equal(tt.want) {
			t.Fatalf("Next(%v) = %v, want %v", tt.at, got, tt.want)
		}
	}
	if got := Every(anchor, 0).Next(anchor); !got.IsZero() {
		t.Fatalf("zero period Next = %v, want zero", got)
	}
}

func TestStartupSpreadBounded(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 7, 17, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		period time.Duration
		bound  time.Duration
	}{
		{period: 5 * time.Second, bound: 5 * time.Second},
		{period: time.Hour, bound: MaxStartupSpread},
	}
	for _, tt := range tests {
		for i := 0; i < 50; i++ {
			sched, jitter := withSpread(tt.period, now, "job")
			if jitter < 0 || jitter >= tt.bound {
				t.Fatalf("jitter = %v, want [0, %v)", jitter, tt.bound)
			}
			first := sched.Next(now)
			if want := now.Add(tt.period + jitter); !first.Equal(want) {
				t.Fatalf("first = %v, want %v", first, want)
			}
			if second := sched.Next(first); !second.Equal(first.Add(tt.period)) {
				t.Fatalf("second = %v, want %v", second, first.Add(tt.period))
			}
		}
	}
}
