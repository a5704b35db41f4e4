package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

// fakeClock lets tests advance the breaker cooldown deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := NewBreaker(maxFailures, cooldown)
	b.now = clock.now
	return b, clock
}

func TestClosedPassesThrough(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	called := false
	if err := b.Execute(func() error { called = true; return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !called {
		t.Fatal("expected fn to be called")
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}
}

func TestOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		if err := b.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("expected boom on call %d, got %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %s", b.State())
	}

	if err := b.Execute(func() error {
		t.Fatal("fn must not run while open")
		return nil
	}); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestHalfOpenProbeAfterCooldown(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	_ = b.Execute(func() error { return errBoom })
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	clock.advance(time.Minute)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half_open after cooldown, got %s", b.State())
	}

	// Successful probe closes the circuit.
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %s", b.State())
	}
}

func TestFailedProbeReopens(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	_ = b.Execute(func() error { return errBoom })
	clock.advance(time.Minute)

	if err := b.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open after failed probe, got %s", b.State())
	}

	// Cooldown restarts from the failed probe.
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	_ = b.Execute(func() error { return errBoom })
	_ = b.Execute(func() error { return nil })
	_ = b.Execute(func() error { return errBoom })

	if b.State() != StateClosed {
		t.Fatalf("expected closed with interleaved success, got %s", b.State())
	}
}

func TestReset(t *testing.T) {
	b, _ := newTestBreaker(1, time.Hour)

	_ = b.Execute(func() error { return errBoom })
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("expected closed after reset, got %s", b.State())
	}
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute after reset: %v", err)
	}
}
