package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mics-lab/orchestrator/internal/backend"
	"github.com/mics-lab/orchestrator/internal/registry"
)

// RunHandler exposes the Run Controller's operator-facing surface:
// POST /runs/{id}/start and POST /runs/{id}/stop, two of the three core
// routes named explicitly in §4.H. A run missing from the backend or a pilot
// the registry cannot resolve is reported as 404; other failures as 500.
type RunHandler struct {
	runs   RunService
	logger *zap.Logger
}

func NewRunHandler(runs RunService, logger *zap.Logger) *RunHandler {
	return &RunHandler{runs: runs, logger: logger.Named("run_handler")}
}

func parseRunID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil
}

func isNotFound(err error) bool {
	return backend.IsNotFound(err) || errors.Is(err, registry.ErrNotFound)
}

func (h *RunHandler) Start(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRunID(r)
	if !ok {
		ErrBadRequest(w, "invalid run id")
		return
	}
	if err := h.runs.StartRun(r.Context(), id); err != nil {
		if isNotFound(err) {
			ErrNotFound(w, "run or pilot not found")
			return
		}
		h.logger.Error("start run failed", zap.Int64("run_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, envelope{"run_id": id, "status": "started"})
}

func (h *RunHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRunID(r)
	if !ok {
		ErrBadRequest(w, "invalid run id")
		return
	}
	if err := h.runs.StopRun(r.Context(), id); err != nil {
		if isNotFound(err) {
			ErrNotFound(w, "run or pilot not found")
			return
		}
		h.logger.Error("stop run failed", zap.Int64("run_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, envelope{"run_id": id, "status": "stopped"})
}
