package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	pion "github.com/pion/webrtc/v3"

	"github.com/vocalis-ai/vocalis/pkg/audio/webrtc"
	"github.com/vocalis-ai/vocalis/pkg/audio/wschan"
)

// closeWait bounds how long DELETE waits for a scheduler to drain.
const closeWait = 10 * time.Second

type createRequest struct {
	AgentID string `json:"agent_id"`
}

// transportDescriptor tells the client where to attach media and observers.
type transportDescriptor struct {
	WebSocketURL string         `json:"websocket_url"`
	EventsURL    string         `json:"events_url"`
	WebRTC       webrtcEndpoint `json:"webrtc"`
}

type webrtcEndpoint struct {
	JoinURL  string `json:"join_url"`
	ICEURL   string `json:"ice_url"`
	LeaveURL string `json:"leave_url"`
}

type createResponse struct {
	SessionID string              `json:"session_id"`
	AgentID   string              `json:"agent_id"`
	Transport transportDescriptor `json:"transport"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	sess, err := s.cfg.Manager.Create(r.Context(), req.AgentID)
	if err != nil {
		mapCreateError(w, err)
		return
	}

	base := strings.TrimSuffix(s.cfg.PublicBaseURL, "/")
	prefix := base + "/sessions/" + sess.ID()
	writeJSON(w, http.StatusCreated, createResponse{
		SessionID: sess.ID(),
		AgentID:   sess.AgentID(),
		Transport: transportDescriptor{
			WebSocketURL: prefix + "/audio",
			EventsURL:    prefix + "/events",
			WebRTC: webrtcEndpoint{
				JoinURL:  prefix + "/webrtc/join",
				ICEURL:   prefix + "/webrtc/ice",
				LeaveURL: prefix + "/webrtc/leave",
			},
		},
	})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.dropPeer(id)

	ctx, cancel := context.WithTimeout(r.Context(), closeWait)
	defer cancel()
	if err := s.cfg.Manager.Close(ctx, id); err != nil {
		if ctx.Err() != nil {
			writeError(w, http.StatusGatewayTimeout, "session did not stop in time")
			return
		}
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type textRequest struct {
	Text string `json:"text"`
}

func (s *Server) postText(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req textRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	sess.Scheduler().HandleText(req.Text)
	w.WriteHeader(http.StatusAccepted)
}

// ─── WebSocket audio ─────────────────────────────────────────────────────────

func (s *Server) audioChannel(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}

	// Serve hijacks the connection; errors after the upgrade can only be
	// logged.
	if err := wschan.Serve(r.Context(), w, r, sess.Scheduler()); err != nil {
		slog.Warn("audio channel ended with error", "session_id", sess.ID(), "err", err)
	}
}

// ─── WebRTC signaling ────────────────────────────────────────────────────────

type joinRequest struct {
	SDP string `json:"sdp"`
}

type joinResponse struct {
	SDP string `json:"sdp"`
}

func (s *Server) webrtcJoin(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req joinRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SDP == "" {
		writeError(w, http.StatusBadRequest, "sdp offer is required")
		return
	}

	var opts []webrtc.Option
	if len(s.cfg.ICEServers) > 0 {
		opts = append(opts, webrtc.WithICEServers(s.cfg.ICEServers...))
	}
	peer, err := webrtc.NewPeer(sess.Scheduler(), opts...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	answer, err := peer.Answer(r.Context(), req.SDP)
	if err != nil {
		peer.Close()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	if old := s.peers[sess.ID()]; old != nil {
		old.Close()
	}
	s.peers[sess.ID()] = peer
	s.mu.Unlock()

	// Reap the peer when the session ends so a dangling browser tab cannot
	// hold the connection open.
	go func() {
		<-sess.Done()
		s.dropPeer(sess.ID())
	}()

	writeJSON(w, http.StatusOK, joinResponse{SDP: answer})
}

func (s *Server) webrtcICE(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var cand pion.ICECandidateInit
	if !decodeBody(w, r, &cand) {
		return
	}

	s.mu.Lock()
	peer := s.peers[sess.ID()]
	s.mu.Unlock()
	if peer == nil {
		writeError(w, http.StatusConflict, "no active peer; join first")
		return
	}
	if err := peer.AddICECandidate(cand); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) webrtcLeave(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if !s.dropPeer(sess.ID()) {
		writeError(w, http.StatusConflict, "no active peer")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// dropPeer closes and forgets the session's peer, reporting whether one
// existed.
func (s *Server) dropPeer(sessionID string) bool {
	s.mu.Lock()
	peer := s.peers[sessionID]
	delete(s.peers, sessionID)
	s.mu.Unlock()

	if peer == nil {
		return false
	}
	peer.Close()
	return true
}
