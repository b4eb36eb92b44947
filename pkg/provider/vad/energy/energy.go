// Package energy provides a zero-dependency [vad.Engine] based on RMS frame
// energy. It is the fallback detector when no ONNX runtime is available and
// the deterministic detector used throughout the test suite. Accuracy under
// room noise is well below the Silero model; production deployments should
// prefer the silero engine.
package energy

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/vocalis-ai/vocalis/pkg/provider/vad"
)

// defaultThreshold is the normalised RMS level above which a frame scores as
// speech. Chosen against typical -26 dBFS conversational speech.
const defaultThreshold = 0.015

// Compile-time assertion that Engine satisfies vad.Engine.
var _ vad.Engine = (*Engine)(nil)

// Engine creates energy detectors.
type Engine struct {
	threshold float64
}

// Option configures an [Engine].
type Option func(*Engine)

// WithThreshold overrides the normalised RMS speech threshold (0.0–1.0).
func WithThreshold(t float64) Option {
	return func(e *Engine) { e.threshold = t }
}

// New creates an energy VAD engine.
func New(opts ...Option) *Engine {
	e := &Engine{threshold: defaultThreshold}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewDetector implements [vad.Engine].
func (e *Engine) NewDetector(cfg vad.Config) (vad.Detector, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	return &detector{threshold: e.threshold}, nil
}

type detector struct {
	threshold float64
}

// Probability maps frame RMS to a binary-ish score: frames over the
// threshold return a probability proportional to their level (capped at 1),
// frames under it return the fraction of the threshold reached scaled below
// 0.5 so they never cross the segmenter's default speech threshold.
func (d *detector) Probability(pcm []byte) (float64, error) {
	if len(pcm)%2 != 0 {
		return 0, fmt.Errorf("energy: odd PCM byte count %d", len(pcm))
	}
	n := len(pcm) / 2
	if n == 0 {
		return 0, nil
	}

	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) / 32768.0
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(n))

	if rms >= d.threshold {
		return math.Min(1, 0.5+rms/(2*d.threshold)*0.25), nil
	}
	return 0.49 * rms / d.threshold, nil
}

func (d *detector) Reset() {}

func (d *detector) Close() error { return nil }
