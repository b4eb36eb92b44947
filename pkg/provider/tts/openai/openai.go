// Package openai provides a TTS provider backed by the OpenAI speech API.
//
// The OpenAI speech endpoint synthesises one request per text fragment rather
// than holding a streaming connection. The adapter issues a request per
// sentence arriving on the text channel and streams each response body out as
// PCM chunks, so the first sentence starts playing while later ones are still
// being synthesised.
//
// PCM output from the API is fixed at 24 kHz mono 16-bit.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/vocalis-ai/vocalis/pkg/audio"
	"github.com/vocalis-ai/vocalis/pkg/provider/tts"
)

// DefaultModel is the default OpenAI speech model.
const DefaultModel = "gpt-4o-mini-tts"

// outputRate is the fixed sample rate of the API's PCM response format.
const outputRate = 24000

// readChunkBytes is the size of PCM slices read from the response body.
const readChunkBytes = 4096

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

// WithModel sets the speech model (e.g., "tts-1").
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

// Provider implements tts.Provider using the OpenAI speech API.
type Provider struct {
	client oai.Client
	model  string
}

var _ tts.Provider = (*Provider)(nil)

// New constructs a new OpenAI speech Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai tts: apiKey must not be empty")
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

// OutputFormat implements tts.Provider.
func (p *Provider) OutputFormat() audio.Format {
	return audio.Format{SampleRate: outputRate, Channels: 1}
}

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("openai tts: voice.ID must not be empty")
	}

	audioCh := make(chan []byte, 256)

	go func() {
		defer close(audioCh)
		for {
			select {
			case sentence, ok := <-text:
				if !ok {
					return
				}
				if sentence == "" {
					continue
				}
				if err := p.synthesizeOne(ctx, sentence, voice, audioCh); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}

// synthesizeOne issues a single speech request and streams the PCM response
// body onto out.
func (p *Provider) synthesizeOne(ctx context.Context, text string, voice tts.VoiceProfile, out chan<- []byte) error {
	params := oai.AudioSpeechNewParams{
		Model:          p.model,
		Input:          text,
		Voice:          oai.AudioSpeechNewParamsVoice(voice.ID),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if voice.SpeedFactor > 0 && voice.SpeedFactor != 1.0 {
		params.Speed = param.NewOpt(voice.SpeedFactor)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return fmt.Errorf("openai tts: speech: %w", err)
	}
	defer resp.Body.Close()

	for {
		buf := make([]byte, readChunkBytes)
		n, err := resp.Body.Read(buf)
		if n > 0 {
			select {
			case out <- buf[:n]:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// ListVoices returns the fixed OpenAI voice catalogue. The API has no listing
// endpoint; the set is documented and stable per model family.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	names := []string{"alloy", "ash", "coral", "echo", "fable", "onyx", "nova", "sage", "shimmer"}
	profiles := make([]tts.VoiceProfile, 0, len(names))
	for _, n := range names {
		profiles = append(profiles, tts.VoiceProfile{
			ID:       n,
			Name:     n,
			Provider: "openai",
		})
	}
	return profiles, nil
}
