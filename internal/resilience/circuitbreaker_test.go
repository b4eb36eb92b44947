package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Name: "test", MaxFailures: 3})

	for i := 0; i < 3; i++ {
		if err := b.Do(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: got %v, want errBoom", i, err)
		}
	}
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state: got %v, want open", got)
	}
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Errorf("open breaker: got %v, want ErrOpen", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Name: "test", MaxFailures: 2})

	_ = b.Do(func() error { return errBoom })
	_ = b.Do(func() error { return nil })
	_ = b.Do(func() error { return errBoom })

	if got := b.State(); got != BreakerClosed {
		t.Errorf("state: got %v, want closed", got)
	}
}

func TestBreaker_HalfOpenClosesAfterProbes(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{
		Name:         "test",
		MaxFailures:  1,
		ResetTimeout: 10 * time.Millisecond,
		ProbeCount:   2,
	})

	_ = b.Do(func() error { return errBoom })
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state: got %v, want open", got)
	}

	time.Sleep(20 * time.Millisecond)
	if got := b.State(); got != BreakerHalfOpen {
		t.Fatalf("state after timeout: got %v, want half-open", got)
	}

	for i := 0; i < 2; i++ {
		if err := b.Do(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if got := b.State(); got != BreakerClosed {
		t.Errorf("state after probes: got %v, want closed", got)
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{
		Name:         "test",
		MaxFailures:  1,
		ResetTimeout: 10 * time.Millisecond,
		ProbeCount:   3,
	})

	_ = b.Do(func() error { return errBoom })
	time.Sleep(20 * time.Millisecond)

	if err := b.Do(func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("probe: got %v, want errBoom", err)
	}
	if got := b.State(); got != BreakerOpen {
		t.Errorf("state after failed probe: got %v, want open", got)
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Name: "test", MaxFailures: 1})

	_ = b.Do(func() error { return errBoom })
	b.Reset()

	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state: got %v, want closed", got)
	}
	if err := b.Do(func() error { return nil }); err != nil {
		t.Errorf("after reset: %v", err)
	}
}

func TestBreakerState_String(t *testing.T) {
	t.Parallel()

	cases := map[BreakerState]string{
		BreakerClosed:   "closed",
		BreakerOpen:     "open",
		BreakerHalfOpen: "half-open",
		BreakerState(9): "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("%d.String(): got %q, want %q", state, got, want)
		}
	}
}
