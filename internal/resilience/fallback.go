package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrExhausted is returned when every entry in a [Chain] either failed or had
// an open breaker.
var ErrExhausted = errors.New("all providers failed")

// entry is one provider in a chain with its dedicated breaker.
type entry[T any] struct {
	name     string
	provider T
	breaker  *Breaker
}

// Chain composes a primary provider with ordered fallbacks. Each entry gets
// its own [Breaker] so a flapping primary is skipped without probing it on
// every turn. T is the provider interface type (stt.Provider, llm.Provider,
// tts.Provider).
type Chain[T any] struct {
	label string

	mu      sync.RWMutex
	entries []entry[T]
}

// NewChain creates a chain with the given primary. label names the provider
// kind in logs ("stt", "llm", "tts").
func NewChain[T any](label, name string, primary T, cfg BreakerConfig) *Chain[T] {
	c := &Chain[T]{label: label}
	c.Add(name, primary, cfg)
	return c
}

// Add appends a fallback provider to the end of the chain.
func (c *Chain[T]) Add(name string, provider T, cfg BreakerConfig) {
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("%s/%s", c.label, name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry[T]{
		name:     name,
		provider: provider,
		breaker:  NewBreaker(cfg),
	})
}

// Len returns the number of providers in the chain.
func (c *Chain[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Do runs fn against each provider in order until one succeeds. Entries with
// an open breaker are skipped. If every entry fails, the returned error wraps
// [ErrExhausted] and the last provider error. Context cancellation aborts the
// walk immediately.
func (c *Chain[T]) Do(ctx context.Context, fn func(provider T) error) error {
	c.mu.RLock()
	entries := make([]entry[T], len(c.entries))
	copy(entries, c.entries)
	c.mu.RUnlock()

	if len(entries) == 0 {
		return fmt.Errorf("%s: %w: empty chain", c.label, ErrExhausted)
	}

	var lastErr error
	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := e.breaker.Do(func() error { return fn(e.provider) })
		if err == nil {
			if i > 0 {
				slog.Info("fallback provider served request",
					"kind", c.label, "provider", e.name, "position", i)
			}
			return nil
		}
		if errors.Is(err, ErrOpen) {
			slog.Debug("skipping provider with open breaker",
				"kind", c.label, "provider", e.name)
			continue
		}
		lastErr = err
		slog.Warn("provider failed, trying next",
			"kind", c.label, "provider", e.name, "error", err)
	}

	if lastErr != nil {
		return fmt.Errorf("%s: %w: last error: %w", c.label, ErrExhausted, lastErr)
	}
	return fmt.Errorf("%s: %w: all breakers open", c.label, ErrExhausted)
}

// DoValue is like [Chain.Do] for calls that produce a value.
func DoValue[T, R any](ctx context.Context, c *Chain[T], fn func(provider T) (R, error)) (R, error) {
	var result R
	err := c.Do(ctx, func(p T) error {
		r, err := fn(p)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}
