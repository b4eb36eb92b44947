// Package memstore provides an in-memory agentstore.Store for tests and
// single-agent deployments configured from a file.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/vocalis-ai/vocalis/internal/agentstore"
)

// Store implements agentstore.Store with an in-memory map.
type Store struct {
	mu     sync.RWMutex
	agents map[string]agentstore.Snapshot
}

var _ agentstore.Store = (*Store)(nil)

// New creates a Store pre-populated with the given snapshots, keyed by ID.
func New(snaps ...agentstore.Snapshot) *Store {
	s := &Store{agents: make(map[string]agentstore.Snapshot, len(snaps))}
	for _, snap := range snaps {
		s.agents[snap.ID] = snap
	}
	return s
}

// Snapshot implements agentstore.Store.
func (s *Store) Snapshot(_ context.Context, agentID string) (agentstore.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.agents[agentID]
	if !ok {
		return agentstore.Snapshot{}, fmt.Errorf("%w: %q", agentstore.ErrNotFound, agentID)
	}
	return snap, nil
}

// Put writes or replaces a snapshot.
func (s *Store) Put(snap agentstore.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[snap.ID] = snap
}

// Delete removes a snapshot. Live sessions keep the copy they resolved.
func (s *Store) Delete(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, agentID)
}
