package audio_test

import (
	"testing"
	"time"

	"github.com/vocalis-ai/vocalis/pkg/audio"
)

func TestPreSpeechBuffer_DrainsInOrder(t *testing.T) {
	t.Parallel()

	b := audio.NewPreSpeechBuffer(100 * time.Millisecond) // 5 frames
	for i := range 3 {
		b.Push(audio.SilentFrame(time.Duration(i) * audio.FrameDuration))
	}
	got := b.Drain()
	if len(got) != 3 {
		t.Fatalf("drained: got %d, want 3", len(got))
	}
	for i, f := range got {
		if f.Timestamp != time.Duration(i)*audio.FrameDuration {
			t.Errorf("frame %d: timestamp %v", i, f.Timestamp)
		}
	}
	if b.Len() != 0 {
		t.Errorf("buffer not empty after drain: %d", b.Len())
	}
}

func TestPreSpeechBuffer_EvictsOldest(t *testing.T) {
	t.Parallel()

	b := audio.NewPreSpeechBuffer(100 * time.Millisecond) // 5 frames
	for i := range 8 {
		b.Push(audio.SilentFrame(time.Duration(i) * audio.FrameDuration))
	}
	got := b.Drain()
	if len(got) != 5 {
		t.Fatalf("drained: got %d, want 5", len(got))
	}
	// Oldest surviving frame is #3 (frames 0–2 were evicted).
	if got[0].Timestamp != 3*audio.FrameDuration {
		t.Errorf("first frame timestamp: got %v, want %v", got[0].Timestamp, 3*audio.FrameDuration)
	}
	if got[4].Timestamp != 7*audio.FrameDuration {
		t.Errorf("last frame timestamp: got %v, want %v", got[4].Timestamp, 7*audio.FrameDuration)
	}
}

func TestPreSpeechBuffer_DefaultCapacity(t *testing.T) {
	t.Parallel()

	b := audio.NewPreSpeechBuffer(0)
	for i := range 100 {
		b.Push(audio.SilentFrame(time.Duration(i) * audio.FrameDuration))
	}
	// 500 ms at 20 ms per frame.
	if b.Len() != 25 {
		t.Errorf("capacity: got %d frames, want 25", b.Len())
	}
}
