package session

import (
	"fmt"
	"sync"

	"github.com/vocalis-ai/vocalis/internal/agentstore"
	"github.com/vocalis-ai/vocalis/internal/config"
	"github.com/vocalis-ai/vocalis/pkg/provider/llm"
	"github.com/vocalis-ai/vocalis/pkg/provider/stt"
	"github.com/vocalis-ai/vocalis/pkg/provider/tts"
	"github.com/vocalis-ai/vocalis/pkg/provider/vad"
)

// Resolver turns a snapshot's provider references into provider instances.
// An empty reference resolves to the configured default for that capability.
//
// Implementations must be safe for concurrent use.
type Resolver interface {
	STT(ref agentstore.ProviderRef) (stt.Provider, error)
	LLM(ref agentstore.ProviderRef) (llm.Provider, error)
	TTS(ref agentstore.ProviderRef) (tts.Provider, error)
	VAD(ref agentstore.ProviderRef) (vad.Engine, error)
}

// StaticResolver ignores provider references and always hands out the same
// provider set. Used in tests and single-provider deployments.
type StaticResolver struct {
	STTProvider stt.Provider
	LLMProvider llm.Provider
	TTSProvider tts.Provider
	VADEngine   vad.Engine
}

var _ Resolver = (*StaticResolver)(nil)

func (r *StaticResolver) STT(agentstore.ProviderRef) (stt.Provider, error) { return r.STTProvider, nil }
func (r *StaticResolver) LLM(agentstore.ProviderRef) (llm.Provider, error) { return r.LLMProvider, nil }
func (r *StaticResolver) TTS(agentstore.ProviderRef) (tts.Provider, error) { return r.TTSProvider, nil }
func (r *StaticResolver) VAD(agentstore.ProviderRef) (vad.Engine, error)   { return r.VADEngine, nil }

// RegistryResolver resolves references through the config provider registry.
// Instances are cached per (kind, model) pair so every session sharing a
// backend shares one provider, and with it connection pools and breakers.
type RegistryResolver struct {
	reg      *config.Registry
	defaults config.ProvidersConfig

	mu  sync.Mutex
	stt map[string]stt.Provider
	llm map[string]llm.Provider
	tts map[string]tts.Provider
	vad map[string]vad.Engine
}

var _ Resolver = (*RegistryResolver)(nil)

// NewRegistryResolver creates a resolver over reg with the given per-stage
// defaults.
func NewRegistryResolver(reg *config.Registry, defaults config.ProvidersConfig) *RegistryResolver {
	return &RegistryResolver{
		reg:      reg,
		defaults: defaults,
		stt:      make(map[string]stt.Provider),
		llm:      make(map[string]llm.Provider),
		tts:      make(map[string]tts.Provider),
		vad:      make(map[string]vad.Engine),
	}
}

// entryFor merges a snapshot reference with the configured default for one
// capability. A reference naming the default backend inherits its credentials;
// a reference naming a different backend starts from a bare entry.
func entryFor(def config.ProviderEntry, ref agentstore.ProviderRef) config.ProviderEntry {
	entry := def
	if ref.Kind != "" && ref.Kind != def.Name {
		entry = config.ProviderEntry{Name: ref.Kind}
	}
	if ref.Model != "" {
		entry.Model = ref.Model
	}
	if len(ref.Options) > 0 {
		merged := make(map[string]any, len(entry.Options)+len(ref.Options))
		for k, v := range entry.Options {
			merged[k] = v
		}
		for k, v := range ref.Options {
			merged[k] = v
		}
		entry.Options = merged
	}
	return entry
}

func cacheKey(e config.ProviderEntry) string { return e.Name + "/" + e.Model }

// STT resolves an STT provider reference.
func (r *RegistryResolver) STT(ref agentstore.ProviderRef) (stt.Provider, error) {
	entry := entryFor(r.defaults.STT, ref)
	if entry.Name == "" {
		return nil, fmt.Errorf("session: no stt provider configured")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.stt[cacheKey(entry)]; ok {
		return p, nil
	}
	p, err := r.reg.CreateSTT(entry)
	if err != nil {
		return nil, fmt.Errorf("session: resolve stt %q: %w", entry.Name, err)
	}
	r.stt[cacheKey(entry)] = p
	return p, nil
}

// LLM resolves an LLM provider reference.
func (r *RegistryResolver) LLM(ref agentstore.ProviderRef) (llm.Provider, error) {
	entry := entryFor(r.defaults.LLM, ref)
	if entry.Name == "" {
		return nil, fmt.Errorf("session: no llm provider configured")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.llm[cacheKey(entry)]; ok {
		return p, nil
	}
	p, err := r.reg.CreateLLM(entry)
	if err != nil {
		return nil, fmt.Errorf("session: resolve llm %q: %w", entry.Name, err)
	}
	r.llm[cacheKey(entry)] = p
	return p, nil
}

// TTS resolves a TTS provider reference.
func (r *RegistryResolver) TTS(ref agentstore.ProviderRef) (tts.Provider, error) {
	entry := entryFor(r.defaults.TTS, ref)
	if entry.Name == "" {
		return nil, fmt.Errorf("session: no tts provider configured")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.tts[cacheKey(entry)]; ok {
		return p, nil
	}
	p, err := r.reg.CreateTTS(entry)
	if err != nil {
		return nil, fmt.Errorf("session: resolve tts %q: %w", entry.Name, err)
	}
	r.tts[cacheKey(entry)] = p
	return p, nil
}

// VAD resolves a VAD engine reference.
func (r *RegistryResolver) VAD(ref agentstore.ProviderRef) (vad.Engine, error) {
	entry := entryFor(r.defaults.VAD, ref)
	if entry.Name == "" {
		return nil, fmt.Errorf("session: no vad engine configured")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.vad[cacheKey(entry)]; ok {
		return p, nil
	}
	p, err := r.reg.CreateVAD(entry)
	if err != nil {
		return nil, fmt.Errorf("session: resolve vad %q: %w", entry.Name, err)
	}
	r.vad[cacheKey(entry)] = p
	return p, nil
}
