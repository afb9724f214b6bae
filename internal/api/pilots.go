package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// liveTimeout is how stale a pilot's last-seen time can be before it is
// reported disconnected, per §4.C.
const liveTimeout = 30 * time.Second

// PilotHandler exposes GET /pilots/live, §4.H's third named route.
type PilotHandler struct {
	pilots PilotService
	logger *zap.Logger
}

func NewPilotHandler(pilots PilotService, logger *zap.Logger) *PilotHandler {
	return &PilotHandler{pilots: pilots, logger: logger.Named("pilot_handler")}
}

func (h *PilotHandler) Live(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.pilots.SnapshotAll(liveTimeout))
}
