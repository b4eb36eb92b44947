package audio_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/vocalis-ai/vocalis/pkg/audio"
)

// samplesToBytes converts int16 samples to little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// rampFrame returns a canonical-rate mono frame of n samples counting up from start.
func rampFrame(start int16, n int, ts time.Duration) audio.Frame {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = start + int16(i)
	}
	return audio.Frame{
		Data:       samplesToBytes(samples),
		SampleRate: audio.CanonicalRate,
		Channels:   1,
		Timestamp:  ts,
	}
}

func TestRechunker_ExactFrames(t *testing.T) {
	t.Parallel()

	r := audio.NewRechunker()
	out := r.Ingest(rampFrame(0, audio.FrameSamples, 0))
	if len(out) != 1 {
		t.Fatalf("frames: got %d, want 1", len(out))
	}
	if !out[0].IsCanonical() {
		t.Errorf("frame is not canonical: %d bytes at %dHz", len(out[0].Data), out[0].SampleRate)
	}
	if out[0].Timestamp != 0 {
		t.Errorf("timestamp: got %v, want 0", out[0].Timestamp)
	}
}

func TestRechunker_RechunksOddSizes(t *testing.T) {
	t.Parallel()

	r := audio.NewRechunker()

	// 3 chunks of 150 samples = 450 samples → one 320-sample frame + 130 pending.
	var got []audio.Frame
	for i := range 3 {
		got = append(got, r.Ingest(rampFrame(int16(i*150), 150, 0))...)
	}
	if len(got) != 1 {
		t.Fatalf("frames after 450 samples: got %d, want 1", len(got))
	}

	// No samples lost: the whole ramp 0..449 must appear in order across
	// emitted frames plus the pending tail.
	if want := 130 * time.Second / audio.CanonicalRate; r.Pending() != want {
		t.Errorf("pending: got %v, want %v", r.Pending(), want)
	}
	for i := 0; i < audio.FrameSamples; i++ {
		s := int16(binary.LittleEndian.Uint16(got[0].Data[i*2:]))
		if s != int16(i) {
			t.Fatalf("sample %d: got %d, want %d", i, s, i)
		}
	}
}

func TestRechunker_MonotonicTimestamps(t *testing.T) {
	t.Parallel()

	r := audio.NewRechunker()
	var frames []audio.Frame
	for range 10 {
		frames = append(frames, r.Ingest(rampFrame(0, audio.FrameSamples, 0))...)
	}
	frames = append(frames, r.InsertSilence(100*time.Millisecond)...)

	prev := time.Duration(-1)
	for i, f := range frames {
		if f.Timestamp <= prev {
			t.Fatalf("frame %d: timestamp %v not after %v", i, f.Timestamp, prev)
		}
		if want := time.Duration(i) * audio.FrameDuration; f.Timestamp != want {
			t.Errorf("frame %d: timestamp %v, want %v", i, f.Timestamp, want)
		}
		prev = f.Timestamp
	}
}

func TestRechunker_ResamplesTransportRate(t *testing.T) {
	t.Parallel()

	r := audio.NewRechunker()

	// 48 kHz stereo input: 960 samples/channel = 20 ms → one canonical frame.
	stereo := make([]int16, 960*2)
	frame := audio.Frame{
		Data:       samplesToBytes(stereo),
		SampleRate: 48000,
		Channels:   2,
	}
	out := r.Ingest(frame)
	if len(out) != 1 {
		t.Fatalf("frames: got %d, want 1", len(out))
	}
	if !out[0].IsCanonical() {
		t.Errorf("frame not canonical after 48kHz stereo ingest")
	}
}

func TestRechunker_InsertSilence(t *testing.T) {
	t.Parallel()

	r := audio.NewRechunker()
	out := r.InsertSilence(100 * time.Millisecond)
	if len(out) != 5 {
		t.Fatalf("silence frames: got %d, want 5", len(out))
	}
	for _, f := range out {
		for _, b := range f.Data {
			if b != 0 {
				t.Fatal("silence frame contains non-zero PCM")
			}
		}
	}
}

// TestRoundTrip_IdentityAtCanonicalRate checks that ingest→emit at identical
// source and canonical rates reproduces the input modulo rechunk delay.
func TestRoundTrip_IdentityAtCanonicalRate(t *testing.T) {
	t.Parallel()

	r := audio.NewRechunker()
	e := audio.NewEmitter(audio.Canonical)

	in := rampFrame(1, audio.FrameSamples*3, 0)
	var out []byte
	for _, f := range r.Ingest(in) {
		out = append(out, e.Emit(f).Data...)
	}
	if len(out) != len(in.Data) {
		t.Fatalf("round-trip length: got %d, want %d", len(out), len(in.Data))
	}
	for i := range out {
		if out[i] != in.Data[i] {
			t.Fatalf("round-trip byte %d differs", i)
		}
	}
}

func TestEmitter_ChunkwiseResample(t *testing.T) {
	t.Parallel()

	e := audio.NewEmitter(audio.Format{SampleRate: 48000, Channels: 1})

	// Each 20 ms canonical frame must emit exactly 20 ms at 48 kHz with
	// contiguous timestamps: no drift across chunks.
	var total time.Duration
	for i := range 50 {
		out := e.Emit(audio.SilentFrame(time.Duration(i) * audio.FrameDuration))
		if out.SampleRate != 48000 {
			t.Fatalf("sample rate: got %d, want 48000", out.SampleRate)
		}
		if out.Timestamp != total {
			t.Fatalf("chunk %d: timestamp %v, want %v", i, out.Timestamp, total)
		}
		total += out.Duration()
	}
	if total != 1*time.Second {
		t.Errorf("50 canonical frames emitted %v of 48kHz audio, want 1s", total)
	}
}
