package turn

import (
	"sync"
	"time"

	"github.com/vocalis-ai/vocalis/pkg/audio"
	"github.com/vocalis-ai/vocalis/pkg/provider/llm"
	"github.com/vocalis-ai/vocalis/pkg/provider/stt"
)

// ─── Inbound scheduler events ─────────────────────────────────────────────────
//
// Everything the scheduler reacts to arrives as one of these on a single
// queue. Provider pump goroutines tag events with the turn generation they
// belong to; the scheduler drops events whose generation is stale, which is
// how cancelled turns are fenced off without locks.

type frameEvent struct {
	frame audio.Frame
}

type transportClosedEvent struct{}

type discontinuityEvent struct {
	gap time.Duration
}

type userTextEvent struct {
	text string
}

type cancelEvent struct{}

type sttPartialEvent struct {
	gen int
	t   stt.Transcript
}

type sttFinalEvent struct {
	gen int
	t   stt.Transcript
}

// sttClosedEvent marks the provider-side end of the transcript streams.
type sttClosedEvent struct {
	gen int
}

type sttTimeoutEvent struct {
	gen int
}

type llmChunkEvent struct {
	gen   int
	chunk llm.Chunk
}

type llmDoneEvent struct {
	gen int
}

type llmTimeoutEvent struct {
	gen int
}

type ttsChunkEvent struct {
	gen  int
	data []byte
}

type ttsDoneEvent struct {
	gen int
}

type ttsTimeoutEvent struct {
	gen int
}

// ─── Observer notices ─────────────────────────────────────────────────────────

// NoticeType classifies entries on the observer stream.
type NoticeType string

const (
	// NoticeState reports a state transition.
	NoticeState NoticeType = "state"

	// NoticeUserPartial carries an interim transcript.
	NoticeUserPartial NoticeType = "user_partial"

	// NoticeUserFinal carries the corrected final transcript of a user turn.
	NoticeUserFinal NoticeType = "user_final"

	// NoticeAgentDelta carries an incremental piece of the agent's reply.
	NoticeAgentDelta NoticeType = "agent_delta"

	// NoticeTurn reports a completed (or interrupted) turn appended to
	// history.
	NoticeTurn NoticeType = "turn"

	// NoticeError reports a recoverable or fatal session error.
	NoticeError NoticeType = "error"
)

// Notice is one entry on the observer stream consumed by the SSE endpoint.
type Notice struct {
	Type  NoticeType `json:"type"`
	State string     `json:"state,omitempty"`
	Text  string     `json:"text,omitempty"`
	Turn  *Turn      `json:"turn,omitempty"`
	Err   string     `json:"error,omitempty"`
	Time  time.Time  `json:"time"`
}

// Bus fans Notices out to observer subscribers. Slow subscribers lose
// notices rather than stalling the scheduler.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Notice
	nextID int
	closed bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Notice)}
}

// Subscribe registers an observer. The returned cancel function removes the
// subscription and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Notice, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Notice, 64)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Publish delivers n to every subscriber, dropping it for subscribers whose
// buffer is full.
func (b *Bus) Publish(n Notice) {
	if n.Time.IsZero() {
		n.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
