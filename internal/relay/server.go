// internal/relay/server.go
package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/duelink/duelink/internal/identity"
	"github.com/duelink/duelink/internal/session"
)

// codeRetries bounds the game-code allocation loop. With a 31-character
// alphabet and 6 positions, collisions are rare enough that hitting the bound
// means the store is misbehaving, not that we are unlucky.
const codeRetries = 5

// Server implements the Session Store HTTP contract the signaling client
// depends on. It holds no per-connection state: every request is a discrete
// read or writer-partitioned mutation against the store, which is what lets
// the handshake ride on plain polling.
type Server struct {
	log   *logrus.Logger
	store session.Store
	ttl   time.Duration
	now   func() time.Time
}

// NewServer wires a relay over the given store. ttl <= 0 selects the default.
func NewServer(log *logrus.Logger, store session.Store, ttl time.Duration) *Server {
	if log == nil {
		log = logrus.New()
	}
	if ttl <= 0 {
		ttl = session.DefaultTTL
	}
	return &Server{log: log, store: store, ttl: ttl, now: time.Now}
}

// Handler returns the mux with all contract routes mounted.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/session/create", s.handleCreate)
	mux.HandleFunc("/session/join", s.handleJoin)
	mux.HandleFunc("/session/offer", s.handleOffer)
	mux.HandleFunc("/session/answer", s.handleAnswer)
	mux.HandleFunc("/session/candidate", s.handleCandidate)
	mux.HandleFunc("/session", s.handleSession)
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, session.ErrorResponse{Error: msg})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req session.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.HostID == "" || req.HostName == "" {
		writeError(w, http.StatusBadRequest, "hostId and hostName are required")
		return
	}

	now := s.now()
	rec := &session.Session{
		ID:        identity.NewSessionID(),
		HostID:    req.HostID,
		HostName:  req.HostName,
		Offer:     req.Offer,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	var err error
	for i := 0; i < codeRetries; i++ {
		rec.GameCode = identity.GenerateGameCode()
		err = s.store.Create(r.Context(), rec)
		if !errors.Is(err, session.ErrCodeTaken) {
			break
		}
	}
	if err != nil {
		s.log.WithError(err).Warn("session create failed")
		writeError(w, http.StatusInternalServerError, "could not allocate session")
		return
	}

	sessionsCreated.Inc()
	activeSessions.Inc()
	s.log.WithFields(logrus.Fields{
		"session_id": rec.ID,
		"game_code":  rec.GameCode,
		"host":       req.HostName,
	}).Info("session created")

	writeJSON(w, http.StatusOK, session.CreateResponse{
		SessionID: rec.ID,
		GameCode:  rec.GameCode,
		ExpiresAt: rec.ExpiresAt.UnixMilli(),
	})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req session.JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.GameCode == "" || req.ClientID == "" || req.ClientName == "" {
		writeError(w, http.StatusBadRequest, "gameCode, clientId and clientName are required")
		return
	}

	code := identity.NormalizeGameCode(req.GameCode)
	rec, err := s.store.GetByCode(r.Context(), code)
	if errors.Is(err, session.ErrNotFound) {
		sessionNotFound.Inc()
		writeError(w, http.StatusNotFound, "unknown or expired game code")
		return
	}
	if err != nil {
		s.log.WithError(err).Warn("join lookup failed")
		writeError(w, http.StatusInternalServerError, "store error")
		return
	}

	rec, err = s.store.SetClient(r.Context(), rec.ID, req.ClientID, req.ClientName)
	if errors.Is(err, session.ErrFull) {
		writeError(w, http.StatusConflict, "session already has a client")
		return
	}
	if errors.Is(err, session.ErrNotFound) {
		sessionNotFound.Inc()
		writeError(w, http.StatusNotFound, "unknown or expired game code")
		return
	}
	if err != nil {
		s.log.WithError(err).Warn("join failed")
		writeError(w, http.StatusInternalServerError, "store error")
		return
	}

	sessionsJoined.Inc()
	s.log.WithFields(logrus.Fields{
		"session_id": rec.ID,
		"game_code":  rec.GameCode,
		"client":     req.ClientName,
	}).Info("client joined session")

	writeJSON(w, http.StatusOK, session.JoinResponse{
		SessionID:      rec.ID,
		HostID:         rec.HostID,
		HostName:       rec.HostName,
		Offer:          rec.Offer,
		HostCandidates: rec.HostCandidates,
		CreatedAt:      rec.CreatedAt.UnixMilli(),
		ExpiresAt:      rec.ExpiresAt.UnixMilli(),
	})
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req session.OfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" || req.Offer == "" {
		writeError(w, http.StatusBadRequest, "sessionId and offer are required")
		return
	}
	s.writeResult(w, s.store.SetOffer(r.Context(), req.SessionID, req.Offer))
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req session.AnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" || req.Answer == "" {
		writeError(w, http.StatusBadRequest, "sessionId and answer are required")
		return
	}
	s.writeResult(w, s.store.SetAnswer(r.Context(), req.SessionID, req.Answer))
}

func (s *Server) handleCandidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req session.CandidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" || req.Candidate == "" {
		writeError(w, http.StatusBadRequest, "sessionId and candidate are required")
		return
	}
	if req.Role != session.RoleHost && req.Role != session.RoleClient {
		writeError(w, http.StatusBadRequest, "role must be host or client")
		return
	}
	s.writeResult(w, s.store.AppendCandidate(r.Context(), req.SessionID, req.Role, req.Candidate))
}

// handleSession serves GET (role-filtered poll) and DELETE (best-effort
// teardown) on /session?sessionId=...&role=...
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		role := session.Role(r.URL.Query().Get("role"))
		if role != session.RoleHost && role != session.RoleClient {
			writeError(w, http.StatusBadRequest, "role must be host or client")
			return
		}
		rec, err := s.store.GetByID(r.Context(), id)
		if errors.Is(err, session.ErrNotFound) {
			sessionNotFound.Inc()
			writeError(w, http.StatusNotFound, "unknown or expired session")
			return
		}
		if err != nil {
			s.log.WithError(err).Warn("session read failed")
			writeError(w, http.StatusInternalServerError, "store error")
			return
		}
		writeJSON(w, http.StatusOK, rec.View(role))

	case http.MethodDelete:
		if err := s.store.Delete(r.Context(), id); err != nil {
			s.log.WithError(err).Warn("session delete failed")
			writeError(w, http.StatusInternalServerError, "store error")
			return
		}
		sessionsDeleted.Inc()
		activeSessions.Dec()
		s.log.WithField("session_id", id).Info("session deleted")
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or DELETE required")
	}
}

// writeResult maps store errors for the partial-update endpoints.
func (s *Server) writeResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case errors.Is(err, session.ErrNotFound):
		sessionNotFound.Inc()
		writeError(w, http.StatusNotFound, "unknown or expired session")
	default:
		s.log.WithError(err).Warn("session update failed")
		writeError(w, http.StatusInternalServerError, "store error")
	}
}
