package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// SubjectHandler proxies the backend's subject directory, part of
// SPEC_FULL.md's Control API supplement.
type SubjectHandler struct {
	subjects SubjectService
	logger   *zap.Logger
}

func NewSubjectHandler(subjects SubjectService, logger *zap.Logger) *SubjectHandler {
	return &SubjectHandler{subjects: subjects, logger: logger.Named("subject_handler")}
}

func (h *SubjectHandler) List(w http.ResponseWriter, r *http.Request) {
	subjects, err := h.subjects.ListSubjects(r.Context())
	if err != nil {
		h.logger.Error("list subjects failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, subjects)
}

type createSubjectRequest struct {
	Name string `json:"name"`
}

func (h *SubjectHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSubjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	subject, err := h.subjects.CreateSubject(r.Context(), req.Name)
	if err != nil {
		h.logger.Error("create subject failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, subject)
}

type assignProtocolRequest struct {
	ProtocolID int64 `json:"protocol_id"`
}

func (h *SubjectHandler) AssignProtocol(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req assignProtocolRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.subjects.AssignProtocol(r.Context(), name, req.ProtocolID); err != nil {
		h.logger.Error("assign protocol failed", zap.String("subject", name), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, envelope{"subject": name, "protocol_id": req.ProtocolID})
}
