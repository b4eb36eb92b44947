// Package audio defines the canonical audio frame representation and the
// conversion primitives used by every stage of the Vocalis pipeline.
//
// All audio between components travels as [Frame] values. The internal
// currency is the canonical frame: 20 ms of signed 16-bit little-endian PCM,
// monaural, at 16 kHz — 320 samples, 640 bytes. Transports and TTS providers
// operate at whatever rate their codec or model dictates; the [Rechunker]
// (input path) and [Emitter] (output path) adapt between the two worlds.
package audio

import "time"

const (
	// CanonicalRate is the internal sample rate in Hz.
	CanonicalRate = 16000

	// CanonicalChannels is the internal channel count (mono).
	CanonicalChannels = 1

	// FrameDuration is the length of one canonical frame.
	FrameDuration = 20 * time.Millisecond

	// FrameSamples is the number of samples in one canonical frame.
	FrameSamples = CanonicalRate / 1000 * 20

	// FrameBytes is the byte length of one canonical frame (int16 PCM).
	FrameBytes = FrameSamples * 2
)

// Frame represents a block of PCM audio flowing through the pipeline.
// Frames are the atomic unit of audio transport — received from the media
// handler, classified by VAD, streamed to STT, and played back to the peer.
type Frame struct {
	// Data is little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz (CanonicalRate for internal frames; transports and
	// TTS adapters may produce other rates).
	SampleRate int

	// Channels is 1 for mono or 2 for interleaved stereo.
	Channels int

	// Timestamp marks the frame's position relative to stream start.
	Timestamp time.Duration
}

// IsCanonical reports whether f has the canonical rate, channel count, and
// exact frame length.
func (f Frame) IsCanonical() bool {
	return f.SampleRate == CanonicalRate &&
		f.Channels == CanonicalChannels &&
		len(f.Data) == FrameBytes
}

// Duration returns the play time of the frame's PCM payload.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// SilentFrame returns a canonical frame of zeroed PCM at the given timestamp.
func SilentFrame(ts time.Duration) Frame {
	return Frame{
		Data:       make([]byte, FrameBytes),
		SampleRate: CanonicalRate,
		Channels:   CanonicalChannels,
		Timestamp:  ts,
	}
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Canonical is the internal pipeline format.
var Canonical = Format{SampleRate: CanonicalRate, Channels: CanonicalChannels}
