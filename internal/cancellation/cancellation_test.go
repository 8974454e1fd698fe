package cancellation

import (
	"sync"
	"sync/atomic"
	"testing"
)

type countingHandle struct{ n atomic.Int32 }

func (c *countingHandle) Cancel() { c.n.Add(1) }

func TestFuncRunsOnce(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	tok := Func(func() { calls.Add(1) })
	if tok.IsCancelled() {
		t.Fatal("fresh token reports cancelled")
	}
	for i := 0; i < 5; i++ {
		tok.Cancel()
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
	if !tok.IsCancelled() {
		t.Fatal("token not cancelled after Cancel")
	}
}

func TestBoolIdempotent(t *testing.T) {
	t.Parallel()
	b := NewBool()
	b.Cancel()
	b.Cancel()
	if !b.IsCancelled() {
		t.Fatal("Bool not cancelled")
	}
}

func TestSingleAssignmentForwardsCancel(t *testing.T) {
	t.Parallel()
	s := NewSingleAssignment()
	inner := &countingHandle{}
	s.Set(inner)
	if !s.Assigned() {
		t.Fatal("Assigned = false after Set")
	}
	s.Cancel()
	s.Cancel()
	if got := inner.n.Load(); got != 1 {
		t.Fatalf("inner cancels = %d, want 1", got)
	}
	if s.Assigned() {
		t.Fatal("Assigned = true after Cancel")
	}
}

func TestSingleAssignmentSetAfterCancel(t *testing.T) {
	t.Parallel()
	s := NewSingleAssignment()
	s.Cancel()
	inner := &countingHandle{}
	s.Set(inner)
	if got := inner.n.Load(); got != 1 {
		t.Fatalf("late handle cancels = %d, want 1", got)
	}
	if !s.IsCancelled() {
		t.Fatal("slot lost its cancelled state")
	}
}

func TestSingleAssignmentNilSet(t *testing.T) {
	t.Parallel()
	s := NewSingleAssignment()
	s.Set(nil)
	s.Cancel()
	if !s.IsCancelled() {
		t.Fatal("IsCancelled = false")
	}
}

func TestSingleAssignmentDoubleSetPanics(t *testing.T) {
	t.Parallel()
	s := NewSingleAssignment()
	s.Set(Nop())
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on second Set")
		}
	}()
	s.Set(Nop())
}

// A cancel racing with assignment must cancel the inner handle exactly once,
// whichever side wins.
func TestSingleAssignmentRace(t *testing.T) {
	t.Parallel()
	for i := 0; i < 2000; i++ {
		s := NewSingleAssignment()
		inner := &countingHandle{}
		var wg sync.WaitGroup
		wg.Add(3)
		go func() { defer wg.Done(); s.Set(inner) }()
		go func() { defer wg.Done(); s.Cancel() }()
		go func() { defer wg.Done(); s.Cancel() }()
		wg.Wait()
		if got := inner.n.Load(); got != 1 {
			t.Fatalf("iteration %d: inner cancels = %d, want 1", i, got)
		}
	}
}

func TestCompositeAddAfterCancel(t *testing.T) {
	t.Parallel()
	a, b := &countingHandle{}, &countingHandle{}
	c := NewComposite(a, nil)
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
	c.Cancel()
	c.Cancel()
	if ok := c.Add(b); ok {
		t.Fatal("Add after Cancel reported true")
	}
	if a.n.Load() != 1 || b.n.Load() != 1 {
		t.Fatalf("cancels a=%d b=%d, want 1 and 1", a.n.Load(), b.n.Load())
	}
	if c.Len() != 0 {
		t.Fatalf("Len after cancel = %d, want 0", c.Len())
	}
}

func TestCompositeConcurrentCancel(t *testing.T) {
	t.Parallel()
	inner := &countingHandle{}
	c := NewComposite(inner)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Cancel()
		}()
	}
	wg.Wait()
	if got := inner.n.Load(); got != 1 {
		t.Fatalf("inner cancels = %d, want 1", got)
	}
}
