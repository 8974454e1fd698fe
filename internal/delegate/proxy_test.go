package delegate

import (
	"sync"
	"testing"
)

type greeter interface{ Greet() string }

type named string

func (n named) Greet() string { return string(n) }

func TestProxyFallback(t *testing.T) {
	t.Parallel()
	p := New[greeter](named("nobody"))
	if got := Call(p, greeter.Greet); got != "nobody" {
		t.Fatalf("Greet = %q, want %q", got, "nobody")
	}
	if p.Installed() {
		t.Fatal("Installed = true before Set")
	}
}

func TestProxySetAndReset(t *testing.T) {
	t.Parallel()
	p := New[greeter](named("nobody"))

	if prev := p.Set(named("alice")); prev.Greet() != "nobody" {
		t.Fatalf("Set prev = %q, want fallback", prev.Greet())
	}
	if prev := p.Set(named("bob")); prev.Greet() != "alice" {
		t.Fatalf("Set prev = %q, want %q", prev.Greet(), "alice")
	}
	var got string
	Forward(p, func(g greeter) { got = g.Greet() })
	if got != "bob" {
		t.Fatalf("Greet = %q, want %q", got, "bob")
	}

	if prev := p.Reset(); prev.Greet() != "bob" {
		t.Fatalf("Reset prev = %q, want %q", prev.Greet(), "bob")
	}
	if prev := p.Reset(); prev.Greet() != "nobody" {
		t.Fatalf("second Reset prev = %q, want fallback", prev.Greet())
	}
	if got := p.Swaps(); got != 3 {
		t.Fatalf("Swaps = %d, want 3", got)
	}
}

func TestProxyConcurrentSwap(t *testing.T) {
	t.Parallel()
	p := New[greeter](named("nobody"))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				p.Set(named("x"))
				p.Reset()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if g := p.Current(); g == nil {
					t.Error("Current returned nil")
					return
				}
			}
		}()
	}
	wg.Wait()
}
