// Package turn implements the per-session orchestration core: a single
// scheduler goroutine that owns all session state and drives the
// VAD → STT → retrieval → LLM → TTS pipeline through a turn-taking state
// machine with full-duplex barge-in.
//
// All component I/O runs in sibling goroutines that communicate with the
// scheduler exclusively by posting events onto one inbound queue; the
// scheduler never blocks on provider I/O except at its documented suspension
// points (retrieval, cancellation confirmation).
package turn

import (
	"errors"
	"time"

	"github.com/vocalis-ai/vocalis/internal/retrieval"
	"github.com/vocalis-ai/vocalis/internal/tools"
	"github.com/vocalis-ai/vocalis/pkg/provider/llm"
	"github.com/vocalis-ai/vocalis/pkg/provider/stt"
	"github.com/vocalis-ai/vocalis/pkg/provider/tts"
	"github.com/vocalis-ai/vocalis/pkg/provider/vad"
)

// ErrUnknownEvent is the fatal error raised in strict mode when the
// scheduler receives an event type it does not recognise.
var ErrUnknownEvent = errors.New("turn: unknown scheduler event")

// Turn is one completed exchange appended to the session history. The
// history is append-only; a turn is recorded either when the agent finishes
// speaking or when it is interrupted.
type Turn struct {
	// User is the final transcript that started the turn. Empty only when
	// Interrupted is true.
	User string `json:"user"`

	// Assistant is the agent's reply text. For interrupted turns it holds
	// the prefix that had been flushed to TTS.
	Assistant string `json:"assistant"`

	// Interrupted marks a turn cut short by barge-in or a downstream fault.
	Interrupted bool `json:"interrupted"`

	// StartedAt and EndedAt bracket the turn.
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Providers bundles the per-session provider set. VAD, STT, LLM and TTS are
// required; Retriever and Tools are optional.
type Providers struct {
	VAD       vad.Engine
	STT       stt.Provider
	LLM       llm.Provider
	TTS       tts.Provider
	Retriever retrieval.Retriever
	Tools     tools.Executor
}

// Config tunes one scheduler. Zero-value fields take the documented
// defaults; the session manager fills it from the agent snapshot.
type Config struct {
	// SystemPrompt is the agent's system message.
	SystemPrompt string

	// Language is the BCP-47 recognition language handed to STT.
	Language string

	// Voice is the TTS voice profile.
	Voice tts.VoiceProfile

	// Keywords are recognition hints passed to STT.
	Keywords []stt.KeywordBoost

	// Vocabulary seeds the phonetic transcript corrector. When empty, the
	// keyword texts are used.
	Vocabulary []string

	// ToolNames selects which of the executor's tools the model may call.
	ToolNames []string

	// RetrievalTopK is the number of grounding passages requested per turn.
	// Default 4.
	RetrievalTopK int

	// Temperature and MaxReplyTokens are forwarded to the LLM.
	Temperature    float64
	MaxReplyTokens int

	// PromptTokenBudget caps the prompt size; oldest history turns are
	// elided first. Zero disables trimming.
	PromptTokenBudget int

	// SoftFlushTokens is the sentence accumulator's soft-flush threshold.
	// Default 40.
	SoftFlushTokens int

	// PreSpeechWindow is the amount of audio replayed into STT at
	// speech-start. Default 500ms.
	PreSpeechWindow time.Duration

	// Segmenter tunes VAD run-length smoothing.
	Segmenter vad.SegmenterConfig

	// STTFinalTimeout bounds the wait for a final transcript after
	// speech-end. Default 2s.
	STTFinalTimeout time.Duration

	// RetrievalBudget bounds the grounding lookup. Default 300ms.
	RetrievalBudget time.Duration

	// FirstOutputTimeout bounds the wait for the first LLM token and the
	// first TTS audio chunk. Default 5s.
	FirstOutputTimeout time.Duration

	// BargeInDeadline bounds the wait for cancellation confirmations during
	// barge-in. Default 300ms.
	BargeInDeadline time.Duration

	// IdleTimeout tears the session down after this long without speech
	// activity. Default 10min.
	IdleTimeout time.Duration

	// FallbackUtterance is spoken when STT or the LLM fails fatally.
	FallbackUtterance string

	// MaxToolRounds caps consecutive tool-call loops within one turn.
	// Default 4.
	MaxToolRounds int

	// StrictEvents makes unknown scheduler events fatal instead of logged.
	StrictEvents bool
}

func (c *Config) applyDefaults() {
	if c.RetrievalTopK <= 0 {
		c.RetrievalTopK = retrieval.DefaultTopK
	}
	if c.SoftFlushTokens <= 0 {
		c.SoftFlushTokens = defaultSoftFlushTokens
	}
	if c.PreSpeechWindow <= 0 {
		c.PreSpeechWindow = 500 * time.Millisecond
	}
	if c.STTFinalTimeout <= 0 {
		c.STTFinalTimeout = 2 * time.Second
	}
	if c.RetrievalBudget <= 0 {
		c.RetrievalBudget = 300 * time.Millisecond
	}
	if c.FirstOutputTimeout <= 0 {
		c.FirstOutputTimeout = 5 * time.Second
	}
	if c.BargeInDeadline <= 0 {
		c.BargeInDeadline = 300 * time.Millisecond
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.FallbackUtterance == "" {
		c.FallbackUtterance = "Désolé, je n'ai pas entendu."
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = 4
	}
	if len(c.Vocabulary) == 0 {
		for _, kw := range c.Keywords {
			c.Vocabulary = append(c.Vocabulary, kw.Keyword)
		}
	}
}
