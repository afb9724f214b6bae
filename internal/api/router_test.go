package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mics-lab/orchestrator/internal/backend"
	"github.com/mics-lab/orchestrator/internal/metrics"
	"github.com/mics-lab/orchestrator/internal/registry"
)

type fakeRuns struct {
	started, stopped []int64
	err              error
}

func (f *fakeRuns) StartRun(ctx context.Context, runID int64) error {
	f.started = append(f.started, runID)
	return f.err
}
func (f *fakeRuns) StopRun(ctx context.Context, runID int64) error {
	f.stopped = append(f.stopped, runID)
	return f.err
}

type fakePilots struct{ snap map[string]registry.Snapshot }

func (f *fakePilots) SnapshotAll(time.Duration) map[string]registry.Snapshot { return f.snap }

type fakeBackendServices struct{}

func (fakeBackendServices) ListProtocols(context.Context) ([]backend.Protocol, error) { return nil, nil }
func (fakeBackendServices) GetProtocol(context.Context, int64) (backend.Protocol, error) {
	return backend.Protocol{}, nil
}
func (fakeBackendServices) CreateProtocol(context.Context, string, string, []backend.Step) (backend.Protocol, error) {
	return backend.Protocol{}, nil
}
func (fakeBackendServices) ListSubjects(context.Context) ([]backend.Subject, error) { return nil, nil }
func (fakeBackendServices) CreateSubject(context.Context, string) (backend.Subject, error) {
	return backend.Subject{}, nil
}
func (fakeBackendServices) AssignProtocol(context.Context, string, int64) error { return nil }
func (fakeBackendServices) ListSessions(context.Context) ([]backend.SessionDetail, error) { return nil, nil }
func (fakeBackendServices) GetSessionDetail(context.Context, int64) (backend.SessionDetail, error) {
	return backend.SessionDetail{}, nil
}
func (fakeBackendServices) StartSession(context.Context) (backend.SessionDetail, error) {
	return backend.SessionDetail{}, nil
}
func (fakeBackendServices) LaunchSession(context.Context, int64) (backend.SessionDetail, error) {
	return backend.SessionDetail{}, nil
}
func (fakeBackendServices) GetActiveRun(context.Context, int64) (backend.Run, error) {
	return backend.Run{}, nil
}

func newTestRouter(runs *fakeRuns, pilots *fakePilots) http.Handler {
	svc := fakeBackendServices{}
	return NewRouter(RouterConfig{
		Runs: runs, Pilots: pilots,
		Protocols: svc, Subjects: svc, Sessions: svc,
		Logger: zap.NewNop(),
	})
}

func TestHealthz(t *testing.T) {
	r := newTestRouter(&fakeRuns{}, &fakePilots{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestStartRunRoute(t *testing.T) {
	runs := &fakeRuns{}
	r := newTestRouter(runs, &fakePilots{})
	req := httptest.NewRequest(http.MethodPost, "/runs/42/start", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, []int64{42}, runs.started)
}

func TestPilotsLiveRoute(t *testing.T) {
	pilots := &fakePilots{snap: map[string]registry.Snapshot{"pilot_x": {State: "IDLE"}}}
	r := newTestRouter(&fakeRuns{}, pilots)
	req := httptest.NewRequest(http.MethodGet, "/pilots/live", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "pilot_x")
}

// TestMetricsRouteServesRegisteredGauges guards against /metrics and
// metrics.New disagreeing about which registry to use: metrics.New
// registers against prometheus.DefaultRegisterer, and the bare
// promhttp.Handler() mounted here serves prometheus.DefaultGatherer —
// the same underlying registry — so a gauge set here must show up in
// the handler's exposition.
func TestMetricsRouteServesRegisteredGauges(t *testing.T) {
	m := metrics.New(prometheus.DefaultRegisterer)
	m.ConnectedPilots.Set(3)

	r := newTestRouter(&fakeRuns{}, &fakePilots{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "orchestrator_connected_pilots 3")
}

func TestStartRunRouteBadID(t *testing.T) {
	r := newTestRouter(&fakeRuns{}, &fakePilots{})
	req := httptest.NewRequest(http.MethodPost, "/runs/not-a-number/start", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
