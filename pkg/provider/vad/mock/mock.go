// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to hand a scripted Detector to code under test. The Detector
// returns probabilities from its Probs slice in order, repeating the final
// value once the script is exhausted.
package mock

import (
	"sync"

	"github.com/vocalis-ai/vocalis/pkg/provider/vad"
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Detector is returned by NewDetector. If nil, a zero-probability
	// Detector is created.
	Detector vad.Detector

	// NewDetectorErr, if non-nil, is returned as the error from NewDetector.
	NewDetectorErr error

	// NewDetectorCalls records the configs passed to NewDetector.
	NewDetectorCalls []vad.Config
}

// Compile-time assertion that Engine implements vad.Engine.
var _ vad.Engine = (*Engine)(nil)

// NewDetector records the call and returns Detector, NewDetectorErr.
func (e *Engine) NewDetector(cfg vad.Config) (vad.Detector, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewDetectorCalls = append(e.NewDetectorCalls, cfg)
	if e.NewDetectorErr != nil {
		return nil, e.NewDetectorErr
	}
	if e.Detector != nil {
		return e.Detector, nil
	}
	return &Detector{}, nil
}

// Detector is a scripted implementation of vad.Detector.
type Detector struct {
	mu sync.Mutex

	// Probs is the probability script. Each Probability call consumes one
	// entry; when exhausted the last entry repeats (zero if empty).
	Probs []float64

	// Err, if non-nil, is returned by every Probability call.
	Err error

	// Calls counts Probability invocations.
	Calls int

	// ResetCalls counts Reset invocations.
	ResetCalls int

	// Closed reports whether Close has been called.
	Closed bool

	next int
}

// Compile-time assertion that Detector implements vad.Detector.
var _ vad.Detector = (*Detector)(nil)

// Probability returns the next scripted probability or Err.
func (d *Detector) Probability(_ []byte) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls++
	if d.Err != nil {
		return 0, d.Err
	}
	if len(d.Probs) == 0 {
		return 0, nil
	}
	p := d.Probs[min(d.next, len(d.Probs)-1)]
	d.next++
	return p, nil
}

// Reset records the call and rewinds the script.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ResetCalls++
	d.next = 0
}

// Close marks the detector closed.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Closed = true
	return nil
}
