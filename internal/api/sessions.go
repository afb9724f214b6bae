package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mics-lab/orchestrator/internal/backend"
)

// SessionHandler proxies the backend's session lifecycle endpoints, part
// of SPEC_FULL.md's Control API supplement.
type SessionHandler struct {
	sessions SessionService
	logger   *zap.Logger
}

func NewSessionHandler(sessions SessionService, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, logger: logger.Named("session_handler")}
}

func parseSessionID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil
}

func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessions.ListSessions(r.Context())
	if err != nil {
		h.logger.Error("list sessions failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, sessions)
}

func (h *SessionHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseSessionID(r)
	if !ok {
		ErrBadRequest(w, "invalid session id")
		return
	}
	session, err := h.sessions.GetSessionDetail(r.Context(), id)
	if err != nil {
		if backend.IsNotFound(err) {
			ErrNotFound(w, "session not found")
			return
		}
		h.logger.Error("get session failed", zap.Int64("id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, session)
}

func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.StartSession(r.Context())
	if err != nil {
		h.logger.Error("start session failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, session)
}

func (h *SessionHandler) Launch(w http.ResponseWriter, r *http.Request) {
	id, ok := parseSessionID(r)
	if !ok {
		ErrBadRequest(w, "invalid session id")
		return
	}
	session, err := h.sessions.LaunchSession(r.Context(), id)
	if err != nil {
		h.logger.Error("launch session failed", zap.Int64("id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, session)
}

func (h *SessionHandler) ActiveRun(w http.ResponseWriter, r *http.Request) {
	id, ok := parseSessionID(r)
	if !ok {
		ErrBadRequest(w, "invalid session id")
		return
	}
	run, err := h.sessions.GetActiveRun(r.Context(), id)
	if err != nil {
		h.logger.Error("get active run failed", zap.Int64("session_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, run)
}
