package session_test

import (
	"testing"

	"github.com/vocalis-ai/vocalis/internal/agentstore"
	"github.com/vocalis-ai/vocalis/internal/config"
	"github.com/vocalis-ai/vocalis/internal/session"
	"github.com/vocalis-ai/vocalis/pkg/provider/stt"
	sttmock "github.com/vocalis-ai/vocalis/pkg/provider/stt/mock"
)

func TestRegistryResolver_DefaultsAndCaching(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	var created []config.ProviderEntry
	reg.RegisterSTT("deepgram", func(e config.ProviderEntry) (stt.Provider, error) {
		created = append(created, e)
		return &sttmock.Provider{}, nil
	})

	r := session.NewRegistryResolver(reg, config.ProvidersConfig{
		STT: config.ProviderEntry{Name: "deepgram", APIKey: "dg-key", Model: "nova-2"},
	})

	a, err := r.STT(agentstore.ProviderRef{})
	if err != nil {
		t.Fatalf("STT default: %v", err)
	}
	b, err := r.STT(agentstore.ProviderRef{})
	if err != nil {
		t.Fatalf("STT default again: %v", err)
	}
	if a != b {
		t.Error("default ref resolved to two instances, want one shared")
	}
	if len(created) != 1 {
		t.Fatalf("factory calls: got %d, want 1", len(created))
	}
	if created[0].APIKey != "dg-key" || created[0].Model != "nova-2" {
		t.Errorf("default entry not passed through: %+v", created[0])
	}
}

func TestRegistryResolver_ModelOverrideInheritsCredentials(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	var created []config.ProviderEntry
	reg.RegisterSTT("deepgram", func(e config.ProviderEntry) (stt.Provider, error) {
		created = append(created, e)
		return &sttmock.Provider{}, nil
	})

	r := session.NewRegistryResolver(reg, config.ProvidersConfig{
		STT: config.ProviderEntry{Name: "deepgram", APIKey: "dg-key", Model: "nova-2"},
	})

	if _, err := r.STT(agentstore.ProviderRef{Kind: "deepgram", Model: "nova-3"}); err != nil {
		t.Fatalf("STT override: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("factory calls: got %d, want 1", len(created))
	}
	if created[0].APIKey != "dg-key" || created[0].Model != "nova-3" {
		t.Errorf("override entry: %+v", created[0])
	}

	// The override is a distinct cache slot from the default.
	if _, err := r.STT(agentstore.ProviderRef{}); err != nil {
		t.Fatalf("STT default: %v", err)
	}
	if len(created) != 2 {
		t.Errorf("factory calls after default resolve: got %d, want 2", len(created))
	}
}

func TestRegistryResolver_ForeignKindStartsBare(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	var created []config.ProviderEntry
	reg.RegisterSTT("openai", func(e config.ProviderEntry) (stt.Provider, error) {
		created = append(created, e)
		return &sttmock.Provider{}, nil
	})

	r := session.NewRegistryResolver(reg, config.ProvidersConfig{
		STT: config.ProviderEntry{Name: "deepgram", APIKey: "dg-key"},
	})

	if _, err := r.STT(agentstore.ProviderRef{Kind: "openai", Model: "whisper-1"}); err != nil {
		t.Fatalf("STT foreign kind: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("factory calls: got %d, want 1", len(created))
	}
	if created[0].APIKey != "" {
		t.Error("foreign backend must not inherit the default backend's credentials")
	}
	if created[0].Model != "whisper-1" {
		t.Errorf("model: got %q", created[0].Model)
	}
}

func TestRegistryResolver_MissingStage(t *testing.T) {
	t.Parallel()

	r := session.NewRegistryResolver(config.NewRegistry(), config.ProvidersConfig{})
	if _, err := r.LLM(agentstore.ProviderRef{}); err == nil {
		t.Fatal("expected error when no llm provider is configured")
	}
}
