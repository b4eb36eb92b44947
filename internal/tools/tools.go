// Package tools defines the Executor interface for function tools offered to
// the language model during a turn.
//
// The turn loop offers an agent's configured tools to the LLM; when the model
// requests a call, the executor runs it and the textual result is fed back as
// a tool message before the reply continues. Executors run on the turn
// critical path, so implementations must honour ctx cancellation (barge-in
// cancels in-flight tool calls along with the completion).
package tools

import (
	"context"
	"time"

	"github.com/vocalis-ai/vocalis/pkg/provider/llm"
)

// Result is the outcome of one tool invocation.
type Result struct {
	// Content is the textual tool output fed back to the model.
	Content string

	// IsError marks an application-level failure. The content still goes to
	// the model so it can react (transport failures return a Go error
	// instead).
	IsError bool

	// Duration is how long the invocation took.
	Duration time.Duration
}

// Executor resolves and runs named tools.
//
// Implementations must be safe for concurrent use; sessions share one
// executor.
type Executor interface {
	// Definitions returns the ToolDefinitions for the requested names, in
	// input order. Unknown names are skipped, so an agent configured with a
	// tool that is currently unavailable degrades to not offering it.
	Definitions(names []string) []llm.ToolDefinition

	// Execute runs the named tool with JSON-encoded args and returns its
	// result. A non-nil Result with IsError set reports a tool-level error;
	// a Go error reports transport or protocol failure, including ctx
	// cancellation.
	Execute(ctx context.Context, name string, args string) (*Result, error)

	// Close releases any held connections.
	Close() error
}
