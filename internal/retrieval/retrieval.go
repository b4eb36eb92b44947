// Package retrieval defines the Retriever interface for grounding agent
// replies in an external knowledge base.
//
// Retrieval runs on the turn critical path between speech end and the LLM
// request, under a hard latency budget. Callers enforce the budget with a
// context deadline; a retriever that misses it loses its slot and the turn
// proceeds ungrounded. Retrieval failure therefore degrades answer quality
// but never blocks a reply.
package retrieval

import "context"

// DefaultTopK is the number of passages requested per turn when the agent
// configuration does not override it.
const DefaultTopK = 4

// Passage is a single retrieved knowledge fragment with ranking metadata.
type Passage struct {
	// Content is the passage text injected into the prompt.
	Content string

	// Source identifies where the passage came from (document name, URL).
	Source string

	// Score is the similarity score; higher is more relevant.
	Score float64
}

// Retriever finds the passages most relevant to a user utterance.
//
// Implementations must honour ctx cancellation promptly: the turn loop
// applies the retrieval budget as a context deadline and treats any error,
// including context.DeadlineExceeded, as "no grounding available".
type Retriever interface {
	// Retrieve returns up to topK passages relevant to query, ordered most
	// relevant first. An empty result with nil error is valid and means the
	// knowledge base holds nothing relevant.
	Retrieve(ctx context.Context, query string, topK int) ([]Passage, error)
}
