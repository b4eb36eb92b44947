// Package openai provides a buffered STT provider backed by the OpenAI
// transcription API.
//
// OpenAI's transcription endpoint is request/response rather than streaming:
// the adapter buffers all audio sent during the session and submits a single
// WAV-wrapped request when CloseSend is called, emitting one final transcript.
// No partials are ever produced. The turn loop treats it like any other
// provider since finals arrive on the same channel contract.
package openai

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/vocalis-ai/vocalis/pkg/provider/stt"
)

// DefaultModel is the default OpenAI transcription model.
const DefaultModel = "gpt-4o-transcribe"

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	model   string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithModel sets the transcription model (e.g., "whisper-1").
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// Provider implements stt.Provider using the OpenAI transcription API.
type Provider struct {
	client oai.Client
	model  string
}

var _ stt.Provider = (*Provider)(nil)

// New constructs a new OpenAI transcription Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai stt: apiKey must not be empty")
	}

	cfg := &config{model: DefaultModel}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: cfg.model}, nil
}

// StartStream implements stt.Provider. The returned handle buffers audio
// until CloseSend.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	s := &session{
		provider: p,
		ctx:      ctx,
		cfg:      cfg,
		partials: make(chan stt.Transcript),
		finals:   make(chan stt.Transcript, 1),
		done:     make(chan struct{}),
	}
	// Partials channel never carries data; close immediately so observers
	// ranging over it do not hang.
	close(s.partials)
	return s, nil
}

type session struct {
	provider *Provider
	ctx      context.Context
	cfg      stt.StreamConfig

	mu       sync.Mutex
	buf      bytes.Buffer
	sent     bool
	partials chan stt.Transcript
	finals   chan stt.Transcript

	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent {
		return errors.New("openai stt: audio input is closed")
	}
	select {
	case <-s.done:
		return errors.New("openai stt: session is closed")
	default:
	}
	s.buf.Write(chunk)
	return nil
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }
func (s *session) Finals() <-chan stt.Transcript   { return s.finals }

// CloseSend submits the buffered audio for transcription. The single final
// transcript is delivered asynchronously on Finals.
func (s *session) CloseSend() error {
	s.mu.Lock()
	if s.sent {
		s.mu.Unlock()
		return nil
	}
	s.sent = true
	pcm := make([]byte, s.buf.Len())
	copy(pcm, s.buf.Bytes())
	s.mu.Unlock()

	go s.transcribe(pcm)
	return nil
}

func (s *session) transcribe(pcm []byte) {
	defer close(s.finals)

	if len(pcm) == 0 {
		return
	}

	wav := wrapWAV(pcm, s.cfg.SampleRate, s.cfg.Channels)
	params := oai.AudioTranscriptionNewParams{
		Model: s.provider.model,
		File:  oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
	}
	if s.cfg.Language != "" {
		params.Language = param.NewOpt(s.cfg.Language)
	}
	if hint := keywordPrompt(s.cfg.Keywords); hint != "" {
		params.Prompt = param.NewOpt(hint)
	}

	resp, err := s.provider.client.Audio.Transcriptions.New(s.ctx, params)
	if err != nil {
		return
	}

	t := stt.Transcript{
		Text:    resp.Text,
		IsFinal: true,
	}
	select {
	case s.finals <- t:
	case <-s.done:
	}
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		// A turn torn down mid-utterance never calls CloseSend, so no
		// transcribe goroutine exists to close finals. Closing it here
		// unblocks anyone still ranging over Finals.
		s.mu.Lock()
		if !s.sent {
			s.sent = true
			close(s.finals)
		}
		s.mu.Unlock()
	})
	return nil
}

// keywordPrompt turns keyword boosts into a transcription prompt hint. The
// OpenAI API has no boost parameter; listing the vocabulary in the prompt is
// the documented equivalent.
func keywordPrompt(kws []stt.KeywordBoost) string {
	if len(kws) == 0 {
		return ""
	}
	var b bytes.Buffer
	for i, kw := range kws {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(kw.Keyword)
	}
	return b.String()
}

// wrapWAV prefixes raw 16-bit little-endian PCM with a RIFF/WAVE header.
func wrapWAV(pcm []byte, sampleRate, channels int) []byte {
	const bitsPerSample = 16
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	var b bytes.Buffer
	b.Grow(44 + len(pcm))
	b.WriteString("RIFF")
	binary.Write(&b, binary.LittleEndian, uint32(36+len(pcm)))
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	binary.Write(&b, binary.LittleEndian, uint32(16))
	binary.Write(&b, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&b, binary.LittleEndian, uint16(channels))
	binary.Write(&b, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&b, binary.LittleEndian, uint32(byteRate))
	binary.Write(&b, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&b, binary.LittleEndian, uint16(bitsPerSample))
	b.WriteString("data")
	binary.Write(&b, binary.LittleEndian, uint32(len(pcm)))
	b.Write(pcm)
	return b.Bytes()
}
