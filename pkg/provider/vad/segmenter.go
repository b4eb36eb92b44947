package vad

import (
	"errors"
	"time"

	"github.com/vocalis-ai/vocalis/pkg/audio"
)

// ErrSaturated is returned by [Segmenter.Process] when the underlying
// detector has failed on too many consecutive frames. The session should
// treat this as fatal.
var ErrSaturated = errors.New("vad: detector error counter saturated")

// EventType enumerates segmentation results.
type EventType int

const (
	// EventNone means no state change for this frame.
	EventNone EventType = iota

	// EventStart marks the beginning of a speech segment.
	EventStart

	// EventContinue is a heartbeat emitted periodically during speech.
	EventContinue

	// EventEnd marks the end of a speech segment.
	EventEnd
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventNone:
		return "none"
	case EventStart:
		return "speech_start"
	case EventContinue:
		return "speech_continue"
	case EventEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}

// Event is the segmentation result for one frame.
type Event struct {
	Type EventType

	// Probability is the detector's speech score for the frame.
	Probability float64

	// Timestamp is the frame timestamp that produced the event.
	Timestamp time.Duration
}

// SegmenterConfig tunes the run-length smoothing applied on top of raw
// per-frame probabilities.
type SegmenterConfig struct {
	// SpeechThreshold is the probability at or above which a frame counts as
	// speech. Default 0.5.
	SpeechThreshold float64

	// StartFrames is the run of consecutive speech frames required to emit
	// EventStart after silence. Default 5 (≈ 100 ms).
	StartFrames int

	// EndFrames is the run of consecutive silence frames required to emit
	// EventEnd after speech. Default 25 (≈ 500 ms).
	EndFrames int

	// Heartbeat is the interval between EventContinue emissions during
	// sustained speech. Default 200 ms.
	Heartbeat time.Duration

	// MaxConsecutiveErrors is the detector failure run that saturates the
	// error counter. Default 50.
	MaxConsecutiveErrors int
}

func (c *SegmenterConfig) applyDefaults() {
	if c.SpeechThreshold == 0 {
		c.SpeechThreshold = 0.5
	}
	if c.StartFrames == 0 {
		c.StartFrames = 5
	}
	if c.EndFrames == 0 {
		c.EndFrames = 25
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = 200 * time.Millisecond
	}
	if c.MaxConsecutiveErrors == 0 {
		c.MaxConsecutiveErrors = 50
	}
}

// Segmenter converts a stream of per-frame speech probabilities into
// discrete speech events. It owns the run-length counters and the detector
// error budget; detector failures classify the frame as non-speech until the
// counter saturates.
//
// A Segmenter is single-owner; it is not safe for concurrent use.
type Segmenter struct {
	det Detector
	cfg SegmenterConfig

	speaking      bool
	speechRun     int
	silenceRun    int
	lastHeartbeat time.Duration
	errRun        int
}

// NewSegmenter wraps det with run-length smoothing. Zero-value config fields
// take their documented defaults.
func NewSegmenter(det Detector, cfg SegmenterConfig) *Segmenter {
	cfg.applyDefaults()
	return &Segmenter{det: det, cfg: cfg}
}

// Process classifies one canonical frame and returns the resulting event.
// The only error it returns is [ErrSaturated]; individual detector failures
// are absorbed as non-speech classifications.
func (s *Segmenter) Process(frame audio.Frame) (Event, error) {
	prob, err := s.det.Probability(frame.Data)
	if err != nil {
		s.errRun++
		if s.errRun > s.cfg.MaxConsecutiveErrors {
			return Event{Type: EventNone, Timestamp: frame.Timestamp}, ErrSaturated
		}
		prob = 0
	} else {
		s.errRun = 0
	}

	isSpeech := prob >= s.cfg.SpeechThreshold
	if isSpeech {
		s.speechRun++
		s.silenceRun = 0
	} else {
		s.silenceRun++
		s.speechRun = 0
	}

	ev := Event{Type: EventNone, Probability: prob, Timestamp: frame.Timestamp}

	switch {
	case !s.speaking && s.speechRun >= s.cfg.StartFrames:
		s.speaking = true
		s.lastHeartbeat = frame.Timestamp
		ev.Type = EventStart

	case s.speaking && s.silenceRun >= s.cfg.EndFrames:
		s.speaking = false
		ev.Type = EventEnd

	case s.speaking && frame.Timestamp-s.lastHeartbeat >= s.cfg.Heartbeat:
		s.lastHeartbeat = frame.Timestamp
		ev.Type = EventContinue
	}

	return ev, nil
}

// Speaking reports whether the segmenter is currently inside a speech segment.
func (s *Segmenter) Speaking() bool { return s.speaking }

// Reset clears all smoothing state and the underlying detector state.
func (s *Segmenter) Reset() {
	s.speaking = false
	s.speechRun = 0
	s.silenceRun = 0
	s.lastHeartbeat = 0
	s.errRun = 0
	s.det.Reset()
}
