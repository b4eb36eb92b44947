// Package vad defines the Engine interface for Voice Activity Detection
// backends and the Segmenter that turns per-frame speech probabilities into
// speech-start / speech-continue / speech-end events.
//
// A VAD engine wraps a frame-level speech classifier (e.g., the Silero ONNX
// model or a plain energy detector) and produces one [Detector] per audio
// stream. Detectors are stateful — recurrent models carry hidden state across
// frames — so each session gets its own. Detection is synchronous by design:
// Probability returns immediately, making it suitable for the low-latency
// pipeline stage that gates STT input. No network call is ever involved.
//
// Engines must be safe for concurrent use; a single Detector must not be
// shared across goroutines.
package vad

// Config holds the parameters for a new detector.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// PCM frames passed to Probability. The pipeline always supplies 16000.
	SampleRate int
}

// Detector scores audio frames for speech content on behalf of one stream.
type Detector interface {
	// Probability analyses one frame of little-endian int16 mono PCM and
	// returns the speech probability in [0.0, 1.0]. The pipeline calls this
	// once per canonical 20 ms frame; detectors that operate on larger
	// windows buffer internally and return the most recent window score.
	//
	// Must not block. Errors are non-fatal to the stream: the caller
	// classifies the frame as non-speech and counts the failure.
	Probability(pcm []byte) (float64, error)

	// Reset clears accumulated detector state (hidden state, window buffers)
	// without closing the detector. Used when the audio stream restarts.
	Reset()

	// Close releases detector resources. Calling Close more than once is
	// safe and returns nil.
	Close() error
}

// Engine is the factory for detectors. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewDetector simultaneously to create independent detectors.
type Engine interface {
	// NewDetector creates a detector with the given configuration, ready to
	// accept frames. Returns an error if the configuration is unsupported or
	// resources cannot be allocated.
	NewDetector(cfg Config) (Detector, error)
}
