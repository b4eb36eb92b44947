package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestOnce_SucceedsFirstTry(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Once(context.Background(), time.Millisecond, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Once: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls: got %d, want 1", calls)
	}
}

func TestOnce_RetriesExactlyOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Once(context.Background(), time.Millisecond, func() error {
		calls++
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("got %v, want errBoom", err)
	}
	if calls != 2 {
		t.Errorf("calls: got %d, want 2", calls)
	}
}

func TestOnce_SecondAttemptSucceeds(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Once(context.Background(), time.Millisecond, func() error {
		calls++
		if calls == 1 {
			return errBoom
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Once: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls: got %d, want 2", calls)
	}
}

func TestOnce_CancelledDuringDelay(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Once(ctx, time.Minute, func() error {
			calls++
			return errBoom
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls: got %d, want 1", calls)
	}
}

func TestOnceValue(t *testing.T) {
	t.Parallel()

	calls := 0
	got, err := OnceValue(context.Background(), time.Millisecond, func() (int, error) {
		calls++
		if calls == 1 {
			return 0, errBoom
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("OnceValue: %v", err)
	}
	if got != 42 {
		t.Errorf("got %d, want 42", got)
	}
}
