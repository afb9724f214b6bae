package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterConfig holds the dependencies NewRouter wires into handlers, kept
// as a struct rather than positional arguments so NewRouter's own
// signature stays stable as dependencies grow.
type RouterConfig struct {
	Runs      RunService
	Pilots    PilotService
	Protocols ProtocolService
	Subjects  SubjectService
	Sessions  SessionService
	Logger    *zap.Logger
}

// NewRouter builds the Control API's chi router; every route is a bare
// path per §4.H, with no version prefix.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", healthzHandler)
	r.Handle("/metrics", promhttp.Handler())

	runHandler := NewRunHandler(cfg.Runs, cfg.Logger)
	pilotHandler := NewPilotHandler(cfg.Pilots, cfg.Logger)
	protocolHandler := NewProtocolHandler(cfg.Protocols, cfg.Logger)
	subjectHandler := NewSubjectHandler(cfg.Subjects, cfg.Logger)
	sessionHandler := NewSessionHandler(cfg.Sessions, cfg.Logger)

	r.Post("/runs/{id}/start", runHandler.Start)
	r.Post("/runs/{id}/stop", runHandler.Stop)

	r.Get("/pilots/live", pilotHandler.Live)

	r.Get("/protocols", protocolHandler.List)
	r.Get("/protocols/{id}", protocolHandler.GetByID)
	r.Post("/protocols", protocolHandler.Create)

	r.Get("/subjects", subjectHandler.List)
	r.Post("/subjects", subjectHandler.Create)
	r.Post("/subjects/{name}/assign-protocol", subjectHandler.AssignProtocol)

	r.Get("/sessions", sessionHandler.List)
	r.Get("/sessions/{id}", sessionHandler.GetByID)
	r.Post("/sessions/start", sessionHandler.Start)
	r.Post("/sessions/{id}/launch", sessionHandler.Launch)
	r.Get("/sessions/{id}/active-run", sessionHandler.ActiveRun)

	return r
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	Ok(w, envelope{"status": "ok"})
}
