// Package agentstore resolves agent identifiers to immutable configuration
// snapshots.
//
// A session binds to one agent at creation time: the snapshot taken then is
// used for the whole session lifetime, so concurrent edits to an agent never
// affect live conversations.
package agentstore

import (
	"context"
	"errors"

	"github.com/vocalis-ai/vocalis/pkg/provider/stt"
	"github.com/vocalis-ai/vocalis/pkg/provider/tts"
)

// ErrNotFound is returned by Snapshot when no agent has the requested ID.
var ErrNotFound = errors.New("agentstore: agent not found")

// ProviderRef names a provider backend and model for one capability.
type ProviderRef struct {
	// Kind selects the adapter ("deepgram", "openai", "elevenlabs",
	// "anyllm:anthropic", "silero", ...).
	Kind string `json:"kind"`

	// Model is the backend-specific model identifier.
	Model string `json:"model,omitempty"`

	// Options carries adapter-specific settings.
	Options map[string]string `json:"options,omitempty"`
}

// Snapshot is the immutable configuration a session runs with.
type Snapshot struct {
	// ID is the agent identifier the snapshot was resolved from.
	ID string `json:"id"`

	// Name is the human-readable agent name.
	Name string `json:"name"`

	// SystemPrompt is the instruction block prepended to every LLM request.
	SystemPrompt string `json:"system_prompt"`

	// Language is the BCP-47 tag used for STT recognition and announced to
	// the TTS voice.
	Language string `json:"language,omitempty"`

	// Voice is the TTS voice profile.
	Voice tts.VoiceProfile `json:"voice"`

	// STT, LLM, TTS and VAD select the provider backend per capability.
	STT ProviderRef `json:"stt"`
	LLM ProviderRef `json:"llm"`
	TTS ProviderRef `json:"tts"`
	VAD ProviderRef `json:"vad"`

	// KnowledgeBaseID scopes retrieval; empty disables grounding.
	KnowledgeBaseID string `json:"knowledge_base_id,omitempty"`

	// RetrievalTopK is the passage count per turn. Zero means the retrieval
	// default.
	RetrievalTopK int `json:"retrieval_top_k,omitempty"`

	// Tools lists the tool names exposed to the LLM.
	Tools []string `json:"tools,omitempty"`

	// Keywords boost recognition of agent-specific vocabulary in STT.
	Keywords []stt.KeywordBoost `json:"keywords,omitempty"`

	// Temperature is passed to LLM completion requests.
	Temperature float64 `json:"temperature,omitempty"`

	// MaxReplyTokens caps completion length. Zero means provider default.
	MaxReplyTokens int `json:"max_reply_tokens,omitempty"`

	// PromptTokenBudget caps the assembled prompt size; history is trimmed
	// oldest-first to fit. Zero means no explicit budget.
	PromptTokenBudget int `json:"prompt_token_budget,omitempty"`
}

// Store resolves agent IDs to snapshots.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Snapshot returns the current configuration for the given agent ID.
	// Returns ErrNotFound (possibly wrapped) when the agent does not exist.
	Snapshot(ctx context.Context, agentID string) (Snapshot, error)
}
