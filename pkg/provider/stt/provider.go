// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram's
// streaming API or OpenAI's transcription endpoint) and exposes a uniform
// streaming interface. The central abstraction is SessionHandle: once opened,
// a session accepts canonical PCM audio and emits two streams of Transcript
// values — low-latency partials for observers and authoritative finals that
// drive the turn loop.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import "context"

// StreamConfig describes the audio format and recognition hints for a new
// STT session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The pipeline always opens
	// sessions at the canonical 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// providers).
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US",
	// "fr-FR"). An empty string lets the provider auto-detect, if supported.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for agent-specific terms (product names, proper nouns).
	Keywords []KeywordBoost
}

// SessionHandle represents an open STT streaming session. It is an interface
// so test code can provide mock implementations without a live provider
// connection.
//
// Callers must call Close when the session is no longer needed; failing to
// do so may leak goroutines and network connections inside the provider.
// All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes for transcription.
	// The chunk must match the format agreed in StreamConfig. SendAudio is
	// non-blocking apart from channel backpressure; calling it after
	// CloseSend or Close returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel that emits interim Transcript
	// values as the provider makes preliminary guesses. Suitable for
	// observer streams; never drives the language model.
	// The channel is closed when the session ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel that emits authoritative Transcript
	// values once the provider has committed to a result. These drive the
	// turn loop. The channel is closed when the session ends.
	Finals() <-chan Transcript

	// CloseSend signals end-of-audio. The provider flushes buffered audio
	// and emits any remaining finals before closing the transcript channels.
	// Audio sent after CloseSend is rejected.
	CloseSend() error

	// Close terminates the session and releases all resources. Any
	// transcripts not yet emitted are discarded. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use; multiple sessions may be
// open simultaneously, one per active voice session.
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle
	// is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session. The
	// caller owns the SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
