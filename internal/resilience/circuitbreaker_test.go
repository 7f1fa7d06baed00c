package resilience

import (
	"errors"
	"log/slog"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func newTestBreaker(cfg BreakerConfig) *Breaker {
	cfg.Logger = slog.New(slog.DiscardHandler)
	return NewBreaker(cfg)
}

func TestBreaker_StaysClosedOnSuccess(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(BreakerConfig{Name: "openai"})
	for range 20 {
		if err := b.Execute(func() error { return nil }); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v; want closed", b.State())
	}
}

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(BreakerConfig{Name: "openai", MaxFailures: 3, ResetTimeout: time.Hour})
	for range 3 {
		if err := b.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("Execute = %v; want boom", err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v; want open", b.State())
	}

	called := false
	err := b.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Execute while open = %v; want ErrOpen", err)
	}
	if called {
		t.Error("fn must not run while the circuit is open")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(BreakerConfig{Name: "gemini", MaxFailures: 3, ResetTimeout: time.Hour})
	for range 2 {
		b.Execute(func() error { return errBoom })
	}
	b.Execute(func() error { return nil })
	for range 2 {
		b.Execute(func() error { return errBoom })
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v; interleaved success must reset the count", b.State())
	}
}

func TestBreaker_HalfOpenProbeClosesCircuit(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(BreakerConfig{
		Name:         "openai",
		MaxFailures:  1,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  2,
	})
	b.Execute(func() error { return errBoom })
	if b.State() != StateOpen {
		t.Fatalf("state = %v; want open", b.State())
	}

	time.Sleep(20 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v; want half-open after reset timeout", b.State())
	}

	for range 2 {
		if err := b.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe: %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v; want closed after successful probes", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(BreakerConfig{
		Name:         "openai",
		MaxFailures:  1,
		ResetTimeout: 10 * time.Millisecond,
	})
	b.Execute(func() error { return errBoom })
	time.Sleep(20 * time.Millisecond)

	b.Execute(func() error { return errBoom })
	if b.State() != StateOpen {
		t.Errorf("state = %v; want open again after failed probe", b.State())
	}
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Errorf("Execute = %v; want ErrOpen", err)
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(BreakerConfig{Name: "openai", MaxFailures: 1, ResetTimeout: time.Hour})
	b.Execute(func() error { return errBoom })
	b.Reset()
	if b.State() != StateClosed {
		t.Errorf("state = %v; want closed after Reset", b.State())
	}
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Errorf("Execute after Reset: %v", err)
	}
}

func TestSet_IsolatesProviders(t *testing.T) {
	t.Parallel()

	s := NewSet(BreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour, Logger: slog.New(slog.DiscardHandler)})
	s.For("openai").Execute(func() error { return errBoom })

	if s.For("openai").State() != StateOpen {
		t.Error("openai breaker should be open")
	}
	if s.For("gemini").State() != StateClosed {
		t.Error("gemini breaker must be unaffected by openai failures")
	}
	if s.For("openai") != s.For("openai") {
		t.Error("For must return the same breaker per provider")
	}
}
