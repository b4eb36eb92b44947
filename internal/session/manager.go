// Package session manages the lifecycle of voice sessions: agent snapshot
// resolution, provider wiring, scheduler startup, transport routing, and
// teardown.
//
// One Manager serves the whole process. Each session runs its own scheduler
// goroutine; providers are resolved through a shared [Resolver] so sessions
// with the same backend share connections. A session ends when its transport
// closes, a client deletes it, the idle timeout fires, or the manager shuts
// down.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vocalis-ai/vocalis/internal/agentstore"
	"github.com/vocalis-ai/vocalis/internal/observe"
	"github.com/vocalis-ai/vocalis/internal/retrieval"
	"github.com/vocalis-ai/vocalis/internal/tools"
	"github.com/vocalis-ai/vocalis/internal/turn"
)

// ErrClosed is returned by Create after the manager has been shut down.
var ErrClosed = errors.New("session: manager closed")

// ErrNotFound is returned when no session has the requested ID.
var ErrNotFound = errors.New("session: not found")

// RetrieverSource hands out knowledge-base-scoped retrievers. The pgvector
// store implements it; nil disables grounding.
type RetrieverSource interface {
	Retriever(kbID string) retrieval.Retriever
}

// ManagerConfig holds all dependencies for a [Manager].
type ManagerConfig struct {
	// Agents resolves agent IDs to snapshots. Required.
	Agents agentstore.Store

	// Resolver turns snapshot provider references into providers. Required.
	Resolver Resolver

	// Retrievers supplies knowledge-base-scoped retrievers. Optional.
	Retrievers RetrieverSource

	// Tools is the shared tool executor. Optional.
	Tools tools.Executor

	// Turn carries the process-wide turn-loop defaults (timings, fallback
	// utterance). Per-agent fields are filled from the snapshot per session.
	Turn turn.Config

	// Metrics records session and turn telemetry. Optional.
	Metrics *observe.Metrics
}

// Session is one live conversation: an agent snapshot bound to a running
// scheduler.
type Session struct {
	id        string
	agentID   string
	agentName string
	startedAt time.Time

	sched  *turn.Scheduler
	cancel context.CancelFunc
	done   chan struct{}
}

// ID returns the opaque session identifier.
func (s *Session) ID() string { return s.id }

// AgentID returns the agent the session was created for.
func (s *Session) AgentID() string { return s.agentID }

// AgentName returns the agent's display name from the snapshot.
func (s *Session) AgentName() string { return s.agentName }

// StartedAt returns the session creation time.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Scheduler returns the session's turn scheduler. Transports feed frames and
// text through it and consume its output and notices.
func (s *Session) Scheduler() *turn.Scheduler { return s.sched }

// Done is closed when the scheduler loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Manager owns every live session in the process.
// All exported methods are safe for concurrent use.
type Manager struct {
	cfg ManagerConfig

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates a Manager with the given dependencies.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Agents == nil {
		return nil, fmt.Errorf("session: agent store is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("session: provider resolver is required")
	}
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}, nil
}

// Create resolves the agent, wires its provider set, and starts a scheduler.
// The returned session is live: its transport endpoints accept traffic
// immediately. Snapshot resolution errors pass through, so callers can map
// [agentstore.ErrNotFound] to a client error.
func (m *Manager) Create(ctx context.Context, agentID string) (*Session, error) {
	snap, err := m.cfg.Agents.Snapshot(ctx, agentID)
	if err != nil {
		return nil, err
	}

	sttP, err := m.cfg.Resolver.STT(snap.STT)
	if err != nil {
		return nil, err
	}
	llmP, err := m.cfg.Resolver.LLM(snap.LLM)
	if err != nil {
		return nil, err
	}
	ttsP, err := m.cfg.Resolver.TTS(snap.TTS)
	if err != nil {
		return nil, err
	}
	vadE, err := m.cfg.Resolver.VAD(snap.VAD)
	if err != nil {
		return nil, err
	}

	var retr retrieval.Retriever
	if m.cfg.Retrievers != nil && snap.KnowledgeBaseID != "" {
		retr = m.cfg.Retrievers.Retriever(snap.KnowledgeBaseID)
	}

	sched, err := turn.New(m.turnConfig(snap), turn.Providers{
		VAD:       vadE,
		STT:       sttP,
		LLM:       llmP,
		TTS:       ttsP,
		Retriever: retr,
		Tools:     m.cfg.Tools,
	})
	if err != nil {
		return nil, fmt.Errorf("session: create scheduler for agent %q: %w", agentID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		id:        uuid.NewString(),
		agentID:   snap.ID,
		agentName: snap.Name,
		startedAt: time.Now().UTC(),
		sched:     sched,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	m.sessions[sess.id] = sess
	m.mu.Unlock()

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.SessionStarted(runCtx)
		go m.watchNotices(sess)
	}
	go m.run(runCtx, sess)

	slog.Info("session created",
		"session_id", sess.id,
		"agent_id", snap.ID,
		"agent", snap.Name,
	)
	return sess, nil
}

// Get returns the live session with the given ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close tears down one session and waits for its scheduler to exit or ctx to
// expire. Returns [ErrNotFound] for unknown IDs.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	sess.cancel()
	select {
	case <-sess.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every live session and waits for all schedulers to exit
// or ctx to expire. The manager accepts no new sessions afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	for _, s := range all {
		s.cancel()
	}
	for _, s := range all {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	slog.Info("session manager stopped", "sessions_closed", len(all))
	return nil
}

// run drives one scheduler to completion and cleans up after it.
func (m *Manager) run(ctx context.Context, sess *Session) {
	err := sess.sched.Run(ctx)

	m.mu.Lock()
	delete(m.sessions, sess.id)
	m.mu.Unlock()

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.SessionEnded(context.Background())
	}
	close(sess.done)

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("session ended with error", "session_id", sess.id, "agent_id", sess.agentID, "err", err)
		return
	}
	slog.Info("session ended", "session_id", sess.id, "agent_id", sess.agentID)
}

// watchNotices consumes the session's observer stream and records turn
// telemetry. A Speaking to Listening edge is a barge-in.
func (m *Manager) watchNotices(sess *Session) {
	ch, stop := sess.sched.Subscribe()
	defer stop()

	ctx := context.Background()
	prev := turn.StateIdle.String()
	for n := range ch {
		switch n.Type {
		case turn.NoticeState:
			if prev == turn.StateSpeaking.String() && n.State == turn.StateListening.String() {
				m.cfg.Metrics.RecordBargeIn(ctx, sess.agentID)
			}
			prev = n.State
		case turn.NoticeTurn:
			if n.Turn != nil {
				m.cfg.Metrics.RecordTurn(ctx, sess.agentID, n.Turn.Interrupted)
			}
		}
	}
}

// turnConfig merges the process-wide defaults with one agent snapshot.
func (m *Manager) turnConfig(snap agentstore.Snapshot) turn.Config {
	tc := m.cfg.Turn
	tc.SystemPrompt = snap.SystemPrompt
	tc.Language = snap.Language
	tc.Voice = snap.Voice
	tc.Keywords = snap.Keywords
	tc.ToolNames = snap.Tools
	tc.RetrievalTopK = snap.RetrievalTopK
	tc.Temperature = snap.Temperature
	tc.MaxReplyTokens = snap.MaxReplyTokens
	tc.PromptTokenBudget = snap.PromptTokenBudget
	return tc
}
