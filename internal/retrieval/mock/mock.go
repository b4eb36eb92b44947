// Package mock provides a test double for the retrieval.Retriever interface.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/vocalis-ai/vocalis/internal/retrieval"
)

// RetrieveCall records a single invocation of Retrieve.
type RetrieveCall struct {
	// Query is the query string passed to Retrieve.
	Query string
	// TopK is the passage count passed to Retrieve.
	TopK int
}

// Retriever is a scripted implementation of retrieval.Retriever.
type Retriever struct {
	mu sync.Mutex

	// Passages is returned by Retrieve (truncated to topK).
	Passages []retrieval.Passage

	// Err, if non-nil, is returned as the error from Retrieve.
	Err error

	// Delay, if non-zero, is how long Retrieve blocks before returning.
	// If the context expires first, ctx.Err() is returned. Useful for
	// exercising the retrieval budget.
	Delay time.Duration

	// Calls records every invocation of Retrieve in order.
	Calls []RetrieveCall
}

var _ retrieval.Retriever = (*Retriever)(nil)

// Retrieve records the call and returns the scripted passages.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]retrieval.Passage, error) {
	r.mu.Lock()
	r.Calls = append(r.Calls, RetrieveCall{Query: query, TopK: topK})
	delay := r.Delay
	r.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	out := r.Passages
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	cp := make([]retrieval.Passage, len(out))
	copy(cp, out)
	return cp, nil
}
