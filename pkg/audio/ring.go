package audio

import "time"

// PreSpeechDuration is the default amount of audio retained before a VAD
// speech-start event. Replaying it into STT recovers leading phonemes that
// only triggered the detector mid-utterance.
const PreSpeechDuration = 500 * time.Millisecond

// PreSpeechBuffer is a fixed-capacity ring of canonical frames holding the
// most recent audio preceding a speech-start event. The frame pipeline is
// the only writer; the turn scheduler drains it exactly once per turn, so no
// locking is required.
type PreSpeechBuffer struct {
	frames []Frame
	head   int // index of the oldest entry
	size   int
}

// NewPreSpeechBuffer creates a ring holding d worth of canonical frames
// (rounded up to whole frames). A non-positive d uses PreSpeechDuration.
func NewPreSpeechBuffer(d time.Duration) *PreSpeechBuffer {
	if d <= 0 {
		d = PreSpeechDuration
	}
	n := int((d + FrameDuration - 1) / FrameDuration)
	return &PreSpeechBuffer{frames: make([]Frame, n)}
}

// Push appends a frame, evicting the oldest when the ring is full.
func (b *PreSpeechBuffer) Push(frame Frame) {
	if b.size < len(b.frames) {
		b.frames[(b.head+b.size)%len(b.frames)] = frame
		b.size++
		return
	}
	b.frames[b.head] = frame
	b.head = (b.head + 1) % len(b.frames)
}

// Drain returns the buffered frames in arrival order and empties the ring.
func (b *PreSpeechBuffer) Drain() []Frame {
	out := make([]Frame, 0, b.size)
	for i := range b.size {
		out = append(out, b.frames[(b.head+i)%len(b.frames)])
	}
	b.head = 0
	b.size = 0
	return out
}

// Len returns the number of buffered frames.
func (b *PreSpeechBuffer) Len() int { return b.size }
