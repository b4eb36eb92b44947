// Package static implements tools.Executor with in-process Go functions.
// Used for built-in tools and as the test double for the turn loop.
package static

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vocalis-ai/vocalis/internal/tools"
	"github.com/vocalis-ai/vocalis/pkg/provider/llm"
)

// Handler is an in-process tool implementation. args is the JSON-encoded
// argument object from the model.
type Handler func(ctx context.Context, args string) (string, error)

// Tool pairs a definition with its handler.
type Tool struct {
	Definition llm.ToolDefinition
	Handler    Handler
}

// ExecuteCall records a single invocation of Execute.
type ExecuteCall struct {
	Name string
	Args string
}

// Registry implements tools.Executor over a fixed set of in-process tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool

	// Calls records every Execute invocation in order.
	Calls []ExecuteCall
}

var _ tools.Executor = (*Registry)(nil)

// New creates a Registry holding the given tools, keyed by definition name.
func New(ts ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(ts))}
	for _, t := range ts {
		r.tools[t.Definition.Name] = t
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Definition.Name] = t
}

// Definitions implements tools.Executor.
func (r *Registry) Definitions(names []string) []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			defs = append(defs, t.Definition)
		}
	}
	return defs
}

// Execute implements tools.Executor.
func (r *Registry) Execute(ctx context.Context, name string, args string) (*tools.Result, error) {
	r.mu.Lock()
	r.Calls = append(r.Calls, ExecuteCall{Name: name, Args: args})
	t, ok := r.tools[name]
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("static: tool %q not found", name)
	}

	start := time.Now()
	out, err := t.Handler(ctx, args)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &tools.Result{
			Content:  err.Error(),
			IsError:  true,
			Duration: time.Since(start),
		}, nil
	}
	return &tools.Result{Content: out, Duration: time.Since(start)}, nil
}

// Close implements tools.Executor. No resources to release.
func (r *Registry) Close() error { return nil }
