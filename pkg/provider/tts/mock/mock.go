// Package mock provides a test double for the tts.Provider interface.
//
// The mock echoes each text fragment it receives as one audio chunk, so
// tests can correlate synthesised audio with the sentences that produced it
// and exercise streaming pipelines without a live TTS backend.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/vocalis-ai/vocalis/pkg/audio"
	"github.com/vocalis-ai/vocalis/pkg/provider/tts"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	// Ctx is the context passed to SynthesizeStream.
	Ctx context.Context
	// Voice is the VoiceProfile passed to SynthesizeStream.
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
//
// For every text fragment read from the input channel it emits one audio
// chunk: BytesPerText zero bytes when BytesPerText is set, otherwise the
// UTF-8 bytes of the fragment itself.
type Provider struct {
	mu sync.Mutex

	// ─── Configurable behaviour ───

	// Format is reported by OutputFormat. Zero value means audio.Canonical.
	Format audio.Format

	// SynthesizeErr, if non-nil, is returned as the error from
	// SynthesizeStream instead of starting a channel.
	SynthesizeErr error

	// ChunkDelay, if non-zero, is the pause before each audio chunk is
	// emitted. Useful for exercising first-output timeouts and barge-in.
	ChunkDelay time.Duration

	// BytesPerText, if non-zero, replaces the echoed text with that many
	// zero bytes per fragment.
	BytesPerText int

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// ─── Call records ───

	// SynthesizeStreamCalls records every call to SynthesizeStream in order.
	SynthesizeStreamCalls []SynthesizeStreamCall

	// texts accumulates every fragment read from the input channels.
	texts []string
}

var _ tts.Provider = (*Provider)(nil)

// SynthesizeStream records the call and returns a channel that emits one
// chunk per received text fragment, closing when the text channel closes.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, SynthesizeStreamCall{Ctx: ctx, Voice: voice})
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	delay := p.ChunkDelay
	perText := p.BytesPerText
	p.mu.Unlock()

	ch := make(chan []byte, 64)
	go func() {
		defer close(ch)
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					return
				}
				p.mu.Lock()
				p.texts = append(p.texts, fragment)
				p.mu.Unlock()

				var chunk []byte
				if perText > 0 {
					chunk = make([]byte, perText)
				} else {
					chunk = []byte(fragment)
				}
				if delay > 0 {
					select {
					case <-time.After(delay):
					case <-ctx.Done():
						return
					}
				}
				select {
				case ch <- chunk:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// OutputFormat returns Format, or audio.Canonical when unset.
func (p *Provider) OutputFormat() audio.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Format == (audio.Format{}) {
		return audio.Canonical
	}
	return p.Format
}

// ListVoices records nothing and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ListVoicesResult, p.ListVoicesErr
}

// Texts returns every text fragment received across all synthesis calls.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.texts))
	copy(out, p.texts)
	return out
}

// Reset clears all recorded calls and texts.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeStreamCalls = nil
	p.texts = nil
}
