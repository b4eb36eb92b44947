// Package postgres provides a PostgreSQL-backed agentstore.Store.
//
// Agent records live in a single agents table with the full configuration in
// a JSONB column, so agent edits are one-row upserts and the read path is a
// single primary-key lookup.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vocalis-ai/vocalis/internal/agentstore"
)

const ddlAgents = `
CREATE TABLE IF NOT EXISTS agents (
    id          TEXT         PRIMARY KEY,
    config      JSONB        NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Store implements agentstore.Store backed by PostgreSQL.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

var _ agentstore.Store = (*Store)(nil)

// NewStore connects to the database at dsn and ensures the agents table
// exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("agentstore postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("agentstore postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlAgents); err != nil {
		pool.Close()
		return nil, fmt.Errorf("agentstore postgres: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewStoreWithPool wraps an existing pool without running migrations. Useful
// when the pool is shared with the retrieval store.
func NewStoreWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Snapshot implements agentstore.Store.
func (s *Store) Snapshot(ctx context.Context, agentID string) (agentstore.Snapshot, error) {
	const q = `SELECT config FROM agents WHERE id = $1`

	var raw []byte
	if err := s.pool.QueryRow(ctx, q, agentID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return agentstore.Snapshot{}, fmt.Errorf("%w: %q", agentstore.ErrNotFound, agentID)
		}
		return agentstore.Snapshot{}, fmt.Errorf("agentstore postgres: snapshot %q: %w", agentID, err)
	}

	var snap agentstore.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return agentstore.Snapshot{}, fmt.Errorf("agentstore postgres: decode %q: %w", agentID, err)
	}
	snap.ID = agentID
	return snap, nil
}

// Upsert writes or replaces the configuration for snap.ID. Used by seeding
// and admin tooling; the session hot path only reads.
func (s *Store) Upsert(ctx context.Context, snap agentstore.Snapshot) error {
	if snap.ID == "" {
		return errors.New("agentstore postgres: snapshot ID must not be empty")
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("agentstore postgres: encode %q: %w", snap.ID, err)
	}

	const q = `
		INSERT INTO agents (id, config)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET
		    config     = EXCLUDED.config,
		    updated_at = now()`
	if _, err := s.pool.Exec(ctx, q, snap.ID, raw); err != nil {
		return fmt.Errorf("agentstore postgres: upsert %q: %w", snap.ID, err)
	}
	return nil
}
