// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or the
// OpenAI speech API) and presents a uniform streaming interface. The primary
// entry point is SynthesizeStream, which accepts a channel of text fragments
// and returns a channel of raw PCM audio bytes as they become available,
// enabling low-latency pipelining between LLM output and audio playback.
//
// Providers emit PCM in their native format; OutputFormat tells the caller
// what that is so audio can be converted to the canonical frame format
// downstream.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/vocalis-ai/vocalis/pkg/audio"
)

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use; multiple synthesis
// requests may run in parallel, one per speaking session.
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel that emits raw PCM audio byte slices as they are
	// synthesised. This lets the caller pipe sentence-accumulated LLM output
	// directly into synthesis without waiting for the full reply.
	//
	// The returned audio channel is closed by the implementation when all
	// text has been synthesised or when ctx is cancelled. Cancelling ctx
	// must stop synthesis promptly; barge-in handling depends on this. The
	// caller must drain the audio channel to avoid blocking the provider's
	// internal goroutines.
	//
	// voice specifies the voice profile to use. Providers should return an
	// error if the requested voice is not available.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// during synthesis are signalled by closing the audio channel early;
	// callers should check ctx.Err() to distinguish cancellation from
	// provider failure.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)

	// OutputFormat reports the PCM format of the bytes emitted by
	// SynthesizeStream. Constant for the lifetime of the Provider.
	OutputFormat() audio.Format

	// ListVoices returns all voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
