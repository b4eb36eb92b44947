package memstore

import (
	"errors"
	"testing"

	"github.com/vocalis-ai/vocalis/internal/agentstore"
)

func TestSnapshot_ReturnsStoredAgent(t *testing.T) {
	t.Parallel()

	s := New(agentstore.Snapshot{
		ID:           "support-fr",
		SystemPrompt: "Tu es un agent de support.",
		Language:     "fr",
	})

	snap, err := s.Snapshot(t.Context(), "support-fr")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.SystemPrompt != "Tu es un agent de support." {
		t.Errorf("SystemPrompt: got %q", snap.SystemPrompt)
	}
}

func TestSnapshot_UnknownAgent(t *testing.T) {
	t.Parallel()

	s := New()
	_, err := s.Snapshot(t.Context(), "missing")
	if !errors.Is(err, agentstore.ErrNotFound) {
		t.Fatalf("err: got %v, want ErrNotFound", err)
	}
}

func TestPut_ReplacesAgent(t *testing.T) {
	t.Parallel()

	s := New(agentstore.Snapshot{ID: "a", Name: "old"})
	s.Put(agentstore.Snapshot{ID: "a", Name: "new"})

	snap, err := s.Snapshot(t.Context(), "a")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Name != "new" {
		t.Errorf("Name: got %q, want new", snap.Name)
	}
}
