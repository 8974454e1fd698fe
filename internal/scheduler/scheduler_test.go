package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lanesched/internal/cancellation"
	"lanesched/internal/clock"
	"lanesched/internal/lane"
)

var epoch = time.Date(2024, 7, 17, 9, 0, 0, 0, time.UTC)

func newSerial(t *testing.T, opts ...Option) (*Scheduler, lane.Lane) {
	t.Helper()
	l := lane.NewSerial(t.Name())
	s, err := New(l, opts...)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return s, l
}

func drain(t *testing.T, l lane.Lane) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Close(ctx); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

// block occupies the lane until the returned func is called.
func block(s *Scheduler) (release func()) {
	gate := make(chan struct{})
	started := make(chan struct{})
	Run(s, func() {
		close(started)
		<-gate
	})
	<-started
	return func() { close(gate) }
}

type countingHandle struct{ n atomic.Int32 }

func (c *countingHandle) Cancel() { c.n.Add(1) }

func TestNewRequiresLane(t *testing.T) {
	t.Parallel()
	if _, err := New(nil); !errors.Is(err, ErrNilLane) {
		t.Fatalf("New(nil) error = %v, want ErrNilLane", err)
	}
}

func TestCancelBeforeDispatchNeverRuns(t *testing.T) {
	t.Parallel()
	s, l := newSerial(t)
	release := block(s)

	var count atomic.Int32
	toks := []cancellation.Token{
		Run(s, func() { count.Add(1) }),
		RunAfter(s, 0, func() { count.Add(1) }),
		RunAfter(s, -time.Millisecond, func() { count.Add(1) }),
	}
	for _, tok := range toks {
		tok.Cancel()
	}
	release()
	drain(t, l)

	if got := count.Load(); got != 0 {
		t.Fatalf("count = %d, want 0", got)
	}
	if st := l.Stats(); st.Skipped != 3 {
		t.Fatalf("skipped = %d, want 3", st.Skipped)
	}
}

func TestZeroAndNegativeDelayBehaveLikeImmediate(t *testing.T) {
	t.Parallel()
	c := clock.NewManual(epoch)
	s, l := newSerial(t, WithClock(c))

	var mu sync.Mutex
	var order []string
	rec := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}
	Run(s, rec("a"))
	RunAfter(s, 0, rec("zero"))
	RunAfter(s, -5*time.Millisecond, rec("negative"))
	Run(s, rec("b"))
	drain(t, l)

	want := []string{"a", "zero", "negative", "b"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if c.Pending() != 0 {
		t.Fatalf("timers armed for non-positive delay: %d", c.Pending())
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()
	s, l := newSerial(t)
	inner := &countingHandle{}
	tok := Schedule(s, inner, func(h *countingHandle) cancellation.Handle { return h })
	drain(t, l)

	for i := 0; i < 5; i++ {
		tok.Cancel()
	}
	if !tok.IsCancelled() {
		t.Fatal("token not cancelled")
	}
	if got := inner.n.Load(); got != 1 {
		t.Fatalf("inner cancels = %d, want 1", got)
	}
}

func TestAtMostOnceUnderRacingCancel(t *testing.T) {
	t.Parallel()
	for _, kind := range []lane.Kind{lane.KindSerial, lane.KindMutex} {
		l, _ := lane.New(kind, "race-"+string(kind))
		s, _ := New(l)

		const n = 500
		counts := make([]atomic.Int32, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			i := i
			tok := Run(s, func() { counts[i].Add(1) })
			wg.Add(2)
			go func() { defer wg.Done(); tok.Cancel() }()
			go func() { defer wg.Done(); tok.Cancel() }()
		}
		wg.Wait()
		drain(t, l)

		for i := range counts {
			if c := counts[i].Load(); c > 1 {
				t.Fatalf("%s: action %d ran %d times", kind, i, c)
			}
		}
		st := l.Stats()
		if st.Executed+st.Skipped != n {
			t.Fatalf("%s: executed %d + skipped %d != %d", kind, st.Executed, st.Skipped, n)
		}
	}
}

// Cancels race the timer firing, the hand-off in fire and the lane dispatch
// on the real clock.
func TestRelativeAtMostOnceUnderRacingCancel(t *testing.T) {
	t.Parallel()
	for _, kind := range []lane.Kind{lane.KindSerial, lane.KindMutex} {
		l, _ := lane.New(kind, "timer-race-"+string(kind))
		s, _ := New(l)

		const n = 3000
		counts := make([]atomic.Int32, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			i := i
			tok := RunAfter(s, time.Duration(i%50)*time.Microsecond, func() { counts[i].Add(1) })
			wg.Add(1)
			go func() {
				defer wg.Done()
				time.Sleep(time.Duration(i%40) * time.Microsecond)
				tok.Cancel()
			}()
		}
		wg.Wait()

		// A fire that won tok.Add may still be on its way into the lane.
		deadline := time.Now().Add(5 * time.Second)
		for s.Snapshot().Scheduled != l.Stats().Submitted+l.Stats().Rejected {
			if time.Now().After(deadline) {
				t.Fatalf("%s: hand-offs never settled: %+v", kind, s.Snapshot())
			}
			time.Sleep(time.Millisecond)
		}
		drain(t, l)

		for i := range counts {
			if c := counts[i].Load(); c > 1 {
				t.Fatalf("%s: action %d ran %d times", kind, i, c)
			}
		}
		snap := s.Snapshot()
		st := l.Stats()
		if st.Rejected != 0 {
			t.Fatalf("%s: rejected = %d, want 0", kind, st.Rejected)
		}
		if st.Executed+st.Skipped != snap.Scheduled {
			t.Fatalf("%s: executed %d + skipped %d != scheduled %d", kind, st.Executed, st.Skipped, snap.Scheduled)
		}
		if snap.TimersPending != 0 {
			t.Fatalf("%s: timers pending = %d, want 0", kind, snap.TimersPending)
		}
		if snap.TimersFired+snap.TimersStopped != snap.TimersArmed {
			t.Fatalf("%s: fired %d + stopped %d != armed %d", kind, snap.TimersFired, snap.TimersStopped, snap.TimersArmed)
		}
	}
}

func TestImmediateOrderOnFIFOLane(t *testing.T) {
	t.Parallel()
	s, l := newSerial(t)
	var order []string
	Run(s, func() { order = append(order, "A") })
	Run(s, func() { order = append(order, "B") })
	drain(t, l)
	if len(order) != 2 || order[0] != "A" || order[1] != "B" {
		t.Fatalf("order = %v, want [A B]", order)
	}
}

func TestImmediateOnNonFIFOLaneRunsEach(t *testing.T) {
	t.Parallel()
	l := lane.NewMutex("unordered")
	s, _ := New(l)
	var mu sync.Mutex
	seen := map[string]int{}
	for _, name := range []string{"A", "B"} {
		name := name
		Run(s, func() {
			mu.Lock()
			seen[name]++
			mu.Unlock()
		})
	}
	drain(t, l)
	if seen["A"] != 1 || seen["B"] != 1 {
		t.Fatalf("seen = %v, want each once", seen)
	}
}

func TestCancelledDelayNeverRuns(t *testing.T) {
	t.Parallel()
	s, l := newSerial(t)
	var count atomic.Int32
	tok := RunAfter(s, 100*time.Millisecond, func() { count.Add(1) })

	time.Sleep(10 * time.Millisecond)
	tok.Cancel()
	time.Sleep(140 * time.Millisecond)

	if got := count.Load(); got != 0 {
		t.Fatalf("count = %d, want 0", got)
	}
	snap := s.Snapshot()
	if snap.TimersPending != 0 || snap.TimersStopped != 1 || snap.TimersFired != 0 {
		t.Fatalf("snapshot = %+v, want one stopped timer and none pending", snap)
	}
	drain(t, l)
}

func TestDelayedRunsAfterDeadline(t *testing.T) {
	t.Parallel()
	c := clock.NewManual(epoch)
	s, l := newSerial(t, WithClock(c))
	var count atomic.Int32
	tok := RunAfter(s, time.Second, func() { count.Add(1) })

	c.Advance(999 * time.Millisecond)
	if c.Pending() != 1 {
		t.Fatalf("pending timers = %d, want 1", c.Pending())
	}
	c.Advance(time.Millisecond)
	drain(t, l)

	if got := count.Load(); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
	if tok.IsCancelled() {
		t.Fatal("token cancelled after normal completion")
	}
	if snap := s.Snapshot(); snap.TimersFired != 1 || snap.TimersPending != 0 {
		t.Fatalf("snapshot = %+v, want one fired timer", snap)
	}
}

func TestCancelReleasesTimer(t *testing.T) {
	t.Parallel()
	c := clock.NewManual(epoch)
	s, l := newSerial(t, WithClock(c))
	tok := RunAfter(s, time.Minute, func() { t.Error("cancelled delayed action ran") })
	tok.Cancel()
	tok.Cancel()
	if c.Pending() != 0 {
		t.Fatalf("pending timers after cancel = %d, want 0", c.Pending())
	}
	c.Advance(2 * time.Minute)
	drain(t, l)
	if snap := s.Snapshot(); snap.TimersStopped != 1 || snap.Scheduled != 0 {
		t.Fatalf("snapshot = %+v, want stopped=1 scheduled=0", snap)
	}
}

// steppingClock moves forward by step on every Now call.
type steppingClock struct {
	mu    sync.Mutex
	now   time.Time
	step  time.Duration
	armed []time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func (c *steppingClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	c.armed = append(c.armed, d)
	c.mu.Unlock()
	return clock.NewManual(epoch).AfterFunc(time.Hour, f)
}

func TestDelayMeasuredFromScheduleTime(t *testing.T) {
	t.Parallel()
	c := &steppingClock{now: epoch, step: 30 * time.Millisecond}
	s, l := newSerial(t, WithClock(c))
	tok := RunAfter(s, 100*time.Millisecond, func() {})
	defer tok.Cancel()
	drain(t, l)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.armed) != 1 || c.armed[0] != 70*time.Millisecond {
		t.Fatalf("armed = %v, want [70ms]", c.armed)
	}
}

// Cancelling between the timer firing and the lane dispatching is caught by
// the lane's check.
func TestCancelBetweenFireAndDispatch(t *testing.T) {
	t.Parallel()
	c := clock.NewManual(epoch)
	s, l := newSerial(t, WithClock(c))
	release := block(s)

	var count atomic.Int32
	tok := RunAfter(s, time.Second, func() { count.Add(1) })
	c.Advance(time.Second)
	tok.Cancel()
	release()
	drain(t, l)

	if got := count.Load(); got != 0 {
		t.Fatalf("count = %d, want 0", got)
	}
	if st := l.Stats(); st.Skipped != 1 {
		t.Fatalf("skipped = %d, want 1", st.Skipped)
	}
}

func TestTokenStateAroundDispatch(t *testing.T) {
	t.Parallel()
	s, l := newSerial(t)
	release := block(s)

	var count atomic.Int32
	tok := RunAfter(s, 0, func() { count.Add(1) })
	if tok.IsCancelled() {
		t.Fatal("IsCancelled = true before dispatch")
	}
	if got := count.Load(); got != 0 {
		t.Fatalf("count before dispatch = %d, want 0", got)
	}
	release()
	drain(t, l)
	if got := count.Load(); got != 1 {
		t.Fatalf("count after dispatch = %d, want 1", got)
	}
}

func TestConcurrentSchedulersShareExclusiveLane(t *testing.T) {
	t.Parallel()
	for _, kind := range []lane.Kind{lane.KindSerial, lane.KindMutex} {
		l, _ := lane.New(kind, "shared-"+string(kind))
		a, _ := New(l, WithName("a"))
		b, _ := New(l, WithName("b"))

		var inside, maxInside atomic.Int32
		body := func() {
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(20 * time.Microsecond)
			inside.Add(-1)
		}

		start := make(chan struct{})
		var wg sync.WaitGroup
		for _, s := range []*Scheduler{a, b} {
			wg.Add(1)
			go func(s *Scheduler) {
				defer wg.Done()
				<-start
				for i := 0; i < 100; i++ {
					Run(s, body)
				}
			}(s)
		}
		close(start)
		wg.Wait()
		drain(t, l)

		if got := maxInside.Load(); got != 1 {
			t.Fatalf("%s: max concurrent = %d, want 1", kind, got)
		}
		if st := l.Stats(); st.Executed != 200 {
			t.Fatalf("%s: executed = %d, want 200", kind, st.Executed)
		}
	}
}

func TestInnerHandleCancelledWhenTokenCancelledDuringAction(t *testing.T) {
	t.Parallel()
	s, l := newSerial(t)
	inner := &countingHandle{}
	var tok cancellation.Token
	ready := make(chan struct{})
	tok = s.Schedule(nil, func(any) cancellation.Handle {
		<-ready
		tok.Cancel()
		return inner
	})
	close(ready)
	drain(t, l)
	if got := inner.n.Load(); got != 1 {
		t.Fatalf("inner cancels = %d, want 1", got)
	}
}

func TestRelativeInnerHandleForwarded(t *testing.T) {
	t.Parallel()
	c := clock.NewManual(epoch)
	s, l := newSerial(t, WithClock(c))
	inner := &countingHandle{}
	tok := ScheduleRelative(s, inner, time.Second, func(h *countingHandle) cancellation.Handle { return h })
	c.Advance(time.Second)
	drain(t, l)
	tok.Cancel()
	if got := inner.n.Load(); got != 1 {
		t.Fatalf("inner cancels = %d, want 1", got)
	}
}

func TestNeverDelayArmsNothing(t *testing.T) {
	t.Parallel()
	c := clock.NewManual(epoch)
	s, l := newSerial(t, WithClock(c))
	tok := RunAfter(s, Never, func() { t.Error("never-delay action ran") })
	if c.Pending() != 0 {
		t.Fatalf("pending timers = %d, want 0", c.Pending())
	}
	if tok.IsCancelled() {
		t.Fatal("never token starts cancelled")
	}
	tok.Cancel()
	if !tok.IsCancelled() {
		t.Fatal("never token ignores Cancel")
	}
	drain(t, l)
}

func TestScheduleOnClosedLaneCancelsToken(t *testing.T) {
	t.Parallel()
	s, l := newSerial(t)
	drain(t, l)

	tok := Run(s, func() { t.Error("action ran on closed lane") })
	if !tok.IsCancelled() {
		t.Fatal("token not cancelled after rejection")
	}
	if snap := s.Snapshot(); snap.Rejected != 1 {
		t.Fatalf("rejected = %d, want 1", snap.Rejected)
	}
}

func TestNowUsesClock(t *testing.T) {
	t.Parallel()
	c := clock.NewManual(epoch)
	s, l := newSerial(t, WithClock(c))
	defer drain(t, l)
	if !s.Now().Equal(epoch) {
		t.Fatalf("Now = %v, want %v", s.Now(), epoch)
	}
	c.Advance(time.Hour)
	if !s.Now().Equal(epoch.Add(time.Hour)) {
		t.Fatalf("Now = %v, want %v", s.Now(), epoch.Add(time.Hour))
	}
}

func TestNewMainUsesSharedLane(t *testing.T) {
	t.Parallel()
	s := NewMain(WithName("ui"))
	if s.Lane() != lane.Main() {
		t.Fatal("NewMain not bound to lane.Main()")
	}
	done := make(chan struct{})
	Run(s, func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("main-lane action never ran")
	}
}
