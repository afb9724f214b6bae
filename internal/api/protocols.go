package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mics-lab/orchestrator/internal/backend"
)

// ProtocolHandler proxies the backend's protocol directory, part of
// SPEC_FULL.md's Control API supplement.
type ProtocolHandler struct {
	protocols ProtocolService
	logger    *zap.Logger
}

func NewProtocolHandler(protocols ProtocolService, logger *zap.Logger) *ProtocolHandler {
	return &ProtocolHandler{protocols: protocols, logger: logger.Named("protocol_handler")}
}

func (h *ProtocolHandler) List(w http.ResponseWriter, r *http.Request) {
	protocols, err := h.protocols.ListProtocols(r.Context())
	if err != nil {
		h.logger.Error("list protocols failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, protocols)
}

func (h *ProtocolHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		ErrBadRequest(w, "invalid protocol id")
		return
	}
	protocol, err := h.protocols.GetProtocol(r.Context(), id)
	if err != nil {
		if backend.IsNotFound(err) {
			ErrNotFound(w, "protocol not found")
			return
		}
		h.logger.Error("get protocol failed", zap.Int64("id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, protocol)
}

type createProtocolRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Steps       []backend.Step  `json:"steps"`
}

func (h *ProtocolHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createProtocolRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	protocol, err := h.protocols.CreateProtocol(r.Context(), req.Name, req.Description, req.Steps)
	if err != nil {
		h.logger.Error("create protocol failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, protocol)
}
