// Package pgvector provides a PostgreSQL-backed retrieval store using the
// pgvector extension for approximate nearest-neighbour search over embedded
// knowledge-base passages.
//
// A single [Store] holds the connection pool for all knowledge bases; a
// per-agent [Retriever] view is obtained with [Store.Retriever].
//
// Usage:
//
//	store, err := pgvector.NewStore(ctx, dsn, embedder)
//	if err != nil { … }
//	r := store.Retriever("kb-support-fr")
//	passages, err := r.Retrieve(ctx, "comment réinitialiser mon mot de passe", 4)
package pgvector

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgv "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/vocalis-ai/vocalis/internal/retrieval"
	"github.com/vocalis-ai/vocalis/pkg/provider/embeddings"
)

// ddlPassages returns the passages DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlPassages(dims int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS kb_passages (
    id          TEXT         PRIMARY KEY,
    kb_id       TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    source      TEXT         NOT NULL DEFAULT '',
    embedding   vector(%d),
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_kb_passages_kb_id
    ON kb_passages (kb_id);

CREATE INDEX IF NOT EXISTS idx_kb_passages_embedding
    ON kb_passages USING hnsw (embedding vector_cosine_ops);
`, dims)
}

// Migrate creates or ensures the passages table and pgvector extension exist.
// Idempotent and safe to call on every application start. The embedding
// dimension must match the configured embedding model; changing it after the
// first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dims int) error {
	if _, err := pool.Exec(ctx, ddlPassages(dims)); err != nil {
		return fmt.Errorf("pgvector migrate: %w", err)
	}
	return nil
}

// Store is the PostgreSQL-backed passage store shared by all knowledge bases.
// All methods are safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
}

// NewStore connects to the database at dsn, registers pgvector types on
// every connection, and runs [Migrate] using the embedder's dimensionality.
func NewStore(ctx context.Context, dsn string, embedder embeddings.Provider) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgvector store: parse dsn: %w", err)
	}

	// Register pgvector types so vector columns scan into pgv.Vector.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgvector store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embedder.Dimensions()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector store: migrate: %w", err)
	}

	return &Store{pool: pool, embedder: embedder}, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Document is a passage to be indexed into a knowledge base.
type Document struct {
	// ID is the unique passage identifier. Re-indexing an existing ID
	// replaces the stored passage.
	ID string

	// KnowledgeBaseID scopes the passage to one agent knowledge base.
	KnowledgeBaseID string

	// Content is the passage text.
	Content string

	// Source identifies the origin document.
	Source string
}

// Index embeds and upserts the given documents in one batch. Embedding all
// contents goes through EmbedBatch; the inserts run in a single transaction.
func (s *Store) Index(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("pgvector store: embed batch: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgvector store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `
		INSERT INTO kb_passages (id, kb_id, content, source, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
		    kb_id     = EXCLUDED.kb_id,
		    content   = EXCLUDED.content,
		    source    = EXCLUDED.source,
		    embedding = EXCLUDED.embedding`

	for i, d := range docs {
		if _, err := tx.Exec(ctx, q, d.ID, d.KnowledgeBaseID, d.Content, d.Source, pgv.NewVector(vecs[i])); err != nil {
			return fmt.Errorf("pgvector store: index %q: %w", d.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pgvector store: commit: %w", err)
	}
	return nil
}

// Retriever returns a retrieval.Retriever view scoped to one knowledge base.
func (s *Store) Retriever(kbID string) retrieval.Retriever {
	return &kbRetriever{store: s, kbID: kbID}
}

// kbRetriever is a knowledge-base-scoped view over a shared Store.
type kbRetriever struct {
	store *Store
	kbID  string
}

var _ retrieval.Retriever = (*kbRetriever)(nil)

// Retrieve embeds query and returns the topK closest passages by cosine
// distance. Both the embedding call and the search run under the caller's
// deadline.
func (r *kbRetriever) Retrieve(ctx context.Context, query string, topK int) ([]retrieval.Passage, error) {
	if topK <= 0 {
		topK = retrieval.DefaultTopK
	}

	vec, err := r.store.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("pgvector retrieve: embed query: %w", err)
	}

	const q = `
		SELECT content, source, 1 - (embedding <=> $1) AS score
		FROM   kb_passages
		WHERE  kb_id = $2
		ORDER  BY embedding <=> $1
		LIMIT  $3`

	rows, err := r.store.pool.Query(ctx, q, pgv.NewVector(vec), r.kbID, topK)
	if err != nil {
		return nil, fmt.Errorf("pgvector retrieve: search: %w", err)
	}

	passages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (retrieval.Passage, error) {
		var p retrieval.Passage
		if err := row.Scan(&p.Content, &p.Source, &p.Score); err != nil {
			return retrieval.Passage{}, err
		}
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pgvector retrieve: scan rows: %w", err)
	}
	return passages, nil
}
