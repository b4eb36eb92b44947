// Package mock provides test doubles for the stt package interfaces.
//
// Provider hands out a scripted Session. Tests push transcripts with
// EmitPartial and EmitFinal and inspect recorded audio with SentAudio.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/vocalis-ai/vocalis/pkg/provider/stt"
)

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by StartStream. If nil, a new Session is created
	// per call and appended to Sessions.
	Session *Session

	// StartErr, if non-nil, is returned as the error from StartStream.
	StartErr error

	// StartCalls records the configs passed to StartStream.
	StartCalls []stt.StreamConfig

	// Sessions holds every auto-created Session, in StartStream order.
	Sessions []*Session
}

var _ stt.Provider = (*Provider)(nil)

// StartStream records the call and returns the scripted session.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartCalls = append(p.StartCalls, cfg)
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	s := NewSession()
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// SessionCount returns the number of auto-created sessions so far.
func (p *Provider) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Sessions)
}

// SessionAt returns the i'th auto-created session, or nil.
func (p *Provider) SessionAt(i int) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.Sessions) {
		return nil
	}
	return p.Sessions[i]
}

// Session is a scriptable implementation of stt.SessionHandle.
type Session struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by every SendAudio call.
	SendErr error

	audio     [][]byte
	partials  chan stt.Transcript
	finals    chan stt.Transcript
	sendDone  bool
	closed    bool
	closeOnce sync.Once
}

var _ stt.SessionHandle = (*Session)(nil)

// NewSession creates a ready-to-use mock session.
func NewSession() *Session {
	return &Session{
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
	}
}

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return s.SendErr
	}
	if s.closed {
		return errors.New("mock stt: session is closed")
	}
	if s.sendDone {
		return errors.New("mock stt: audio input is closed")
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.audio = append(s.audio, cp)
	return nil
}

// SentAudio returns a copy of every chunk received so far.
func (s *Session) SentAudio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}

// SentBytes returns the total number of audio bytes received.
func (s *Session) SentBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.audio {
		n += len(c)
	}
	return n
}

func (s *Session) Partials() <-chan stt.Transcript { return s.partials }
func (s *Session) Finals() <-chan stt.Transcript   { return s.finals }

// CloseSend marks the audio input closed. Transcript channels stay open so
// the test can still emit late finals; EndStream closes them.
func (s *Session) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendDone = true
	return nil
}

// SendClosed reports whether CloseSend has been called.
func (s *Session) SendClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendDone
}

// Close tears down the session and closes the transcript channels.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.closeOnce.Do(func() {
		close(s.partials)
		close(s.finals)
	})
	return nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// EmitPartial pushes an interim transcript to the Partials channel.
func (s *Session) EmitPartial(text string) {
	s.partials <- stt.Transcript{Text: text, IsFinal: false}
}

// EmitFinal pushes a final transcript to the Finals channel.
func (s *Session) EmitFinal(text string) {
	s.finals <- stt.Transcript{Text: text, IsFinal: true, Confidence: 1}
}

// EndStream closes the transcript channels without marking the session
// closed, mimicking a provider-side end of stream.
func (s *Session) EndStream() {
	s.closeOnce.Do(func() {
		close(s.partials)
		close(s.finals)
	})
}
