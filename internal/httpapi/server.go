// Package httpapi is the HTTP control surface of the Vocalis server.
//
// It exposes session lifecycle operations, the text turn endpoint, the SSE
// observer stream, the WebSocket audio binding, WebRTC signaling, health
// probes, and the Prometheus metrics endpoint. All JSON errors use the shape
// {"error": "..."}.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vocalis-ai/vocalis/internal/agentstore"
	"github.com/vocalis-ai/vocalis/internal/observe"
	"github.com/vocalis-ai/vocalis/internal/session"
	"github.com/vocalis-ai/vocalis/pkg/audio/webrtc"
)

// Config holds the server's dependencies.
type Config struct {
	// Manager owns the sessions behind every endpoint. Required.
	Manager *session.Manager

	// PublicBaseURL is the externally reachable base URL used to build
	// transport descriptors, e.g. "https://voice.example.com". Defaults to
	// relative URLs when empty.
	PublicBaseURL string

	// Metrics instruments every request. Optional.
	Metrics *observe.Metrics

	// Checks are the readiness probes evaluated by /readyz.
	Checks []Check

	// ICEServers are the STUN/TURN URLs for WebRTC peers. Optional.
	ICEServers []string
}

// Server routes the control surface onto a [session.Manager].
type Server struct {
	cfg Config

	mu    sync.Mutex
	peers map[string]*webrtc.Peer
}

// New validates cfg and creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Manager == nil {
		return nil, errors.New("httpapi: session manager is required")
	}
	return &Server{
		cfg:   cfg,
		peers: make(map[string]*webrtc.Peer),
	}, nil
}

// Handler builds the full route set wrapped in the observability middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /sessions", s.createSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.deleteSession)
	mux.HandleFunc("POST /sessions/{id}/text", s.postText)
	mux.HandleFunc("GET /sessions/{id}/events", s.events)
	mux.HandleFunc("GET /sessions/{id}/audio", s.audioChannel)
	mux.HandleFunc("POST /sessions/{id}/webrtc/join", s.webrtcJoin)
	mux.HandleFunc("POST /sessions/{id}/webrtc/ice", s.webrtcICE)
	mux.HandleFunc("POST /sessions/{id}/webrtc/leave", s.webrtcLeave)

	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("GET /readyz", s.readyz)
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(s.cfg.Metrics)(mux)
}

// lookup resolves the {id} path value to a live session or writes a 404.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := r.PathValue("id")
	sess, ok := s.cfg.Manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown session %q", id))
		return nil, false
	}
	return sess, true
}

// ─── JSON helpers ────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody strictly decodes the request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// mapCreateError converts manager errors to HTTP status codes.
func mapCreateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agentstore.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
