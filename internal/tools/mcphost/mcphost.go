// Package mcphost implements tools.Executor on top of the official MCP Go
// SDK (github.com/modelcontextprotocol/go-sdk).
//
// It connects to MCP servers via stdio or streamable-HTTP transports,
// imports their tool catalogues into a concurrent-safe registry, and routes
// tool calls to the owning server session.
//
// Typical usage:
//
//	h := mcphost.New()
//	err := h.RegisterServer(ctx, mcphost.ServerConfig{
//	    Name:      "crm",
//	    Transport: mcphost.TransportStdio,
//	    Command:   "/usr/local/bin/mcp-crm-server",
//	})
//	defs := h.Definitions([]string{"lookup_customer"})
//	result, err := h.Execute(ctx, "lookup_customer", `{"id":"42"}`)
//	h.Close()
package mcphost

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vocalis-ai/vocalis/internal/tools"
	"github.com/vocalis-ai/vocalis/pkg/provider/llm"
)

// Transport selects how the host reaches an MCP server.
type Transport string

const (
	// TransportStdio launches the server as a subprocess speaking MCP over
	// stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP connects to a server over streamable HTTP.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a known transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes one MCP server to register.
type ServerConfig struct {
	// Name uniquely identifies the server within the host.
	Name string

	// Transport selects stdio or streamable-http.
	Transport Transport

	// Command is the stdio launch command, split on spaces into
	// executable + args.
	Command string

	// Env holds additional environment variables for stdio servers.
	Env map[string]string

	// URL is the endpoint for streamable-http servers.
	URL string
}

// toolEntry holds metadata for one registered tool.
type toolEntry struct {
	def        llm.ToolDefinition
	serverName string
}

// serverConn holds a live connection to an external MCP server.
type serverConn struct {
	session *mcpsdk.ClientSession
}

// Host implements tools.Executor backed by MCP server sessions.
//
// The zero value is not usable; create instances with [New].
type Host struct {
	mu      sync.RWMutex
	tools   map[string]toolEntry
	servers map[string]serverConn

	// client is reused across all server connections. The official SDK
	// allows a single Client to manage multiple sessions concurrently.
	client *mcpsdk.Client
}

var _ tools.Executor = (*Host)(nil)

// New creates and returns a ready-to-use Host.
func New() *Host {
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "vocalis-mcphost", Version: "1.0.0"},
		nil,
	)
	return &Host{
		tools:   make(map[string]toolEntry),
		servers: make(map[string]serverConn),
		client:  client,
	}
}

// RegisterServer connects to the MCP server described by cfg and imports its
// tool catalogue. If a server with the same Name is already registered, the
// old connection is closed and replaced.
func (h *Host) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcphost: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("mcphost: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport

	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("mcphost: stdio server %q requires a non-empty Command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcphost: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcphost: failed to connect to server %q: %w", cfg.Name, err)
	}

	// Discover tools using the iterator.
	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcphost: failed to list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.servers[cfg.Name]; ok {
		_ = old.session.Close()
		for name, t := range h.tools {
			if t.serverName == cfg.Name {
				delete(h.tools, name)
			}
		}
	}

	h.servers[cfg.Name] = serverConn{session: session}

	for _, mcpTool := range discovered {
		h.tools[mcpTool.Name] = toolEntry{
			def: llm.ToolDefinition{
				Name:        mcpTool.Name,
				Description: mcpTool.Description,
				Parameters:  schemaToMap(mcpTool.InputSchema),
			},
			serverName: cfg.Name,
		}
	}

	return nil
}

// Definitions implements tools.Executor.
func (h *Host) Definitions(names []string) []llm.ToolDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()

	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		if entry, ok := h.tools[name]; ok {
			defs = append(defs, entry.def)
		}
	}
	return defs
}

// Execute implements tools.Executor. A non-nil Result with IsError set
// reports an application-level tool error; a Go error is returned only on
// transport or protocol failure.
func (h *Host) Execute(ctx context.Context, name string, args string) (*tools.Result, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mcphost: tool %q not found", name)
	}

	h.mu.RLock()
	conn, ok := h.servers[entry.serverName]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mcphost: server %q not found for tool %q", entry.serverName, name)
	}

	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return nil, fmt.Errorf("mcphost: invalid args JSON for tool %q: %w", name, err)
		}
	}

	start := time.Now()
	callResult, err := conn.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: argsMap,
	})
	if err != nil {
		return nil, fmt.Errorf("mcphost: call to tool %q failed: %w", name, err)
	}

	// Concatenate all text content from the result.
	var sb strings.Builder
	for _, c := range callResult.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}

	return &tools.Result{
		Content:  sb.String(),
		IsError:  callResult.IsError,
		Duration: time.Since(start),
	}, nil
}

// Close shuts down all server connections. After Close returns the Host must
// not be used again.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, conn := range h.servers {
		if err := conn.session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcphost: error closing server %q: %w", name, err)
		}
		delete(h.servers, name)
	}
	h.tools = make(map[string]toolEntry)
	return firstErr
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
