// Package resilience provides retry, circuit breaker, and provider failover
// primitives for the streaming pipeline.
//
// Voice turns cannot wait on a flapping backend: a provider that failed five
// times in a row is bypassed immediately rather than re-dialled on the turn
// critical path. [Breaker] implements the classic three-state pattern
// (closed, open, half-open); [Chain] composes multiple instances of a
// provider type with per-entry breakers so a failing primary is skipped in
// favour of healthy fallbacks; [Once] retries a transient failure a single
// time, which is all the latency budget of a live turn allows.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned when a breaker is open and its reset timeout has not
// yet elapsed.
var ErrOpen = errors.New("breaker is open")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// BreakerClosed forwards all calls.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects calls with [ErrOpen] until the reset timeout
	// elapses.
	BreakerOpen

	// BreakerHalfOpen allows a limited number of probe calls through.
	BreakerHalfOpen
)

// String returns the human-readable name of the state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [Breaker]. Zero-value fields take
// defaults.
type BreakerConfig struct {
	// Name is a label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// ProbeCount is the number of successful half-open probes required to
	// close again; any probe failure re-opens. Default: 3.
	ProbeCount int
}

func (c *BreakerConfig) applyDefaults() {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.ProbeCount <= 0 {
		c.ProbeCount = 3
	}
}

// Breaker is a three-state circuit breaker. Safe for concurrent use.
type Breaker struct {
	cfg BreakerConfig

	mu          sync.Mutex
	state       BreakerState
	failures    int
	openedAt    time.Time
	probes      int
	probeOK     int
	probeFailed bool
}

// NewBreaker creates a [Breaker] with the supplied configuration.
func NewBreaker(cfg BreakerConfig) *Breaker {
	cfg.applyDefaults()
	return &Breaker{cfg: cfg, state: BreakerClosed}
}

// Do runs fn if the breaker allows it, recording the outcome. In the open
// state it returns [ErrOpen] without calling fn.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.allow()
	if err != nil {
		return err
	}
	err = fn()
	b.record(probe, err == nil)
	return err
}

// allow decides whether a call may proceed, handling the open-to-half-open
// transition. The returned flag marks the call as a half-open probe.
func (b *Breaker) allow() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return false, nil

	case BreakerOpen:
		if time.Since(b.openedAt) < b.cfg.ResetTimeout {
			return false, ErrOpen
		}
		b.state = BreakerHalfOpen
		b.probes = 0
		b.probeOK = 0
		b.probeFailed = false
		slog.Info("breaker half-open", "name", b.cfg.Name)
		fallthrough

	case BreakerHalfOpen:
		if b.probes >= b.cfg.ProbeCount || b.probeFailed {
			return false, ErrOpen
		}
		b.probes++
		return true, nil
	}
	return false, nil
}

// record updates failure accounting after a call completes.
func (b *Breaker) record(probe, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		if !ok {
			b.probeFailed = true
			b.state = BreakerOpen
			b.openedAt = time.Now()
			slog.Warn("breaker re-opened after failed probe", "name", b.cfg.Name)
			return
		}
		b.probeOK++
		if b.probeOK >= b.cfg.ProbeCount {
			b.state = BreakerClosed
			b.failures = 0
			slog.Info("breaker closed after successful probes", "name", b.cfg.Name)
		}
		return
	}

	if ok {
		b.failures = 0
		return
	}
	b.failures++
	if b.failures >= b.cfg.MaxFailures && b.state == BreakerClosed {
		b.state = BreakerOpen
		b.openedAt = time.Now()
		slog.Warn("breaker opened", "name", b.cfg.Name, "consecutive_failures", b.failures)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports half-open; the actual transition happens on the next Do.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.cfg.ResetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to closed, clearing all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probes = 0
	b.probeOK = 0
	b.probeFailed = false
}
