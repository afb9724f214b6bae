package control

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mics-lab/orchestrator/internal/backend"
	"github.com/mics-lab/orchestrator/internal/envelope"
	"github.com/mics-lab/orchestrator/internal/gateway"
	"github.com/mics-lab/orchestrator/internal/mirror"
	"github.com/mics-lab/orchestrator/internal/pipeline"
	"github.com/mics-lab/orchestrator/internal/registry"
)

func pilotTrialEvent(subject string) pipeline.TrialEvent {
	return pipeline.TrialEvent{Subject: subject}
}

func taskErrorEnvelope(pilot, subject, message string) envelope.Envelope {
	return envelope.Envelope{
		Sender: pilot, To: "orch", Key: envelope.KeyTaskError, ID: pilot + "_err_1",
		Value: map[string]any{"pilot": pilot, "subject": subject, "error_message": message},
	}
}

// fakeBackend is a minimal stand-in for the real backend REST surface,
// just enough of it to drive the Run Controller's algorithms end to end.
type fakeBackend struct {
	mu sync.Mutex

	run       backend.Run
	progress  backend.Progress
	pilot     backend.Pilot
	protocol  backend.Protocol
	sessions  backend.SessionDetail
	markedRunning bool
	markedStopped bool
	markedErrors  []string
	incrementResp backend.IncrementResult
	advanceResp   backend.AdvanceResult
}

func (b *fakeBackend) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("/session-runs/1", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, b.run)
	})
	mux.HandleFunc("/session-runs/1/with-progress", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, backend.RunWithProgress{Run: b.run, Progress: b.progress})
	})
	mux.HandleFunc("/session-runs/1/mark-running", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.markedRunning = true
		b.mu.Unlock()
		writeJSON(w, struct{}{})
	})
	mux.HandleFunc("/session-runs/1/stop", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.markedStopped = true
		b.mu.Unlock()
		writeJSON(w, struct{}{})
	})
	mux.HandleFunc("/session-runs/1/error", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.markedErrors = append(b.markedErrors, r.URL.Query().Get("error_type"))
		b.mu.Unlock()
		writeJSON(w, struct{}{})
	})
	mux.HandleFunc("/pilots/7", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, b.pilot)
	})
	mux.HandleFunc("/sessions/5", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, b.sessions)
	})
	mux.HandleFunc("/protocols/9", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, b.protocol)
	})
	mux.HandleFunc("/session-runs/by-subject-key/subj-1", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, b.run)
	})
	mux.HandleFunc("/runs/1/progress/increment", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, b.incrementResp)
	})
	mux.HandleFunc("/runs/1/progress/advance_step", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, b.advanceResp)
	})
	mux.HandleFunc("/session-runs/1/complete", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, struct{}{})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestController(t *testing.T, b *fakeBackend) (*Controller, *registry.Registry) {
	t.Helper()

	srv := b.server(t)
	client := backend.New(srv.URL, "test-token", zap.NewNop())
	reg := registry.New()
	gw := gateway.New(gateway.Config{Identity: "orch"}, zap.NewNop())
	m := mirror.New(nil, zap.NewNop())

	reg.UpdateHandshake("pilot_fido", "10.0.0.5", nil, nil)

	c := New(Config{IdleWaitTimeout: 50 * time.Millisecond, IdlePollInterval: 5 * time.Millisecond, StepReleaseDelay: time.Millisecond},
		client, reg, gw, m, zap.NewNop())
	return c, reg
}

func baseFakeBackend() *fakeBackend {
	return &fakeBackend{
		run: backend.Run{ID: 1, SessionID: 5, PilotID: 7, SubjectKey: "subj-1", Status: "pending"},
		pilot: backend.Pilot{ID: 7, Name: "fido", IP: "10.0.0.5"},
		sessions: backend.SessionDetail{SessionID: 5, Runs: []backend.SubjectProtocolRun{
			{ProtocolID: 9, SubjectName: "subj-1"},
		}},
		protocol: backend.Protocol{ID: 9, Name: "demo", Steps: []backend.Step{
			{OrderIndex: 0, StepName: "warmup", TaskType: "reach", Params: map[string]any{"duration": float64(10)}},
			{OrderIndex: 1, StepName: "main", TaskType: "reach", Params: map[string]any{"duration": float64(30)}},
		}},
	}
}

func TestStartRunFreshSendsStartAndMarksRunning(t *testing.T) {
	b := baseFakeBackend()
	c, reg := newTestController(t, b)

	err := c.StartRun(t.Context(), 1)
	require.NoError(t, err)

	b.mu.Lock()
	require.True(t, b.markedRunning)
	b.mu.Unlock()

	p, err := reg.GetPilot("pilot_fido")
	require.NoError(t, err)
	require.NotNil(t, p.ActiveRun)
	require.Equal(t, int64(1), p.ActiveRun.ID)
}

func TestStartRunResumesAtCurrentStep(t *testing.T) {
	b := baseFakeBackend()
	step := 1
	b.progress = backend.Progress{CurrentStep: &step, CurrentTrial: 3}
	c, _ := newTestController(t, b)

	require.NoError(t, c.StartRun(t.Context(), 1))

	b.mu.Lock()
	defer b.mu.Unlock()
	require.True(t, b.markedRunning)
}

func TestStopRunMarksStoppedAndClearsState(t *testing.T) {
	b := baseFakeBackend()
	c, reg := newTestController(t, b)
	reg.SetActiveRun("pilot_fido", &registry.ActiveRun{ID: 1})

	require.NoError(t, c.StopRun(t.Context(), 1))

	b.mu.Lock()
	require.True(t, b.markedStopped)
	b.mu.Unlock()

	p, err := reg.GetPilot("pilot_fido")
	require.NoError(t, err)
	require.Nil(t, p.ActiveRun)
}

func TestOnIncTrialAdvancesOnGraduation(t *testing.T) {
	b := baseFakeBackend()
	b.run.Status = "running"
	b.incrementResp = backend.IncrementResult{ShouldGraduate: true}
	b.advanceResp = backend.AdvanceResult{Finished: true}
	c, reg := newTestController(t, b)
	reg.SetActiveRun("pilot_fido", &registry.ActiveRun{ID: 1})
	reg.SetState("pilot_fido", "IDLE")

	c.OnIncTrial(pilotTrialEvent("subj-1"))

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.markedErrors) == 0
	}, time.Second, 10*time.Millisecond)

	p, err := reg.GetPilot("pilot_fido")
	require.NoError(t, err)
	require.Nil(t, p.ActiveRun)
}

// TestStartRunOnGatewaySendFailureMarksErrorAndLeavesRunEmpty covers
// scenario 4: a gateway with no identity stamps outbound envelopes with an
// empty sender, which envelope validation rejects, so Send fails before
// anything is transmitted. StartRun must report the error to the backend
// and leave active_run empty rather than marking the run RUNNING.
func TestStartRunOnGatewaySendFailureMarksErrorAndLeavesRunEmpty(t *testing.T) {
	b := baseFakeBackend()
	c, reg := newTestController(t, b)
	c.gw = gateway.New(gateway.Config{}, zap.NewNop())

	err := c.StartRun(t.Context(), 1)
	require.Error(t, err)

	b.mu.Lock()
	require.False(t, b.markedRunning)
	require.Equal(t, []string{"OrchGatewayError"}, b.markedErrors)
	b.mu.Unlock()

	p, err := reg.GetPilot("pilot_fido")
	require.NoError(t, err)
	require.Nil(t, p.ActiveRun)
}

func TestOnTaskErrorMarksErrorAndClearsState(t *testing.T) {
	b := baseFakeBackend()
	c, reg := newTestController(t, b)
	reg.SetActiveRun("pilot_fido", &registry.ActiveRun{ID: 1})

	c.OnTaskError(taskErrorEnvelope("pilot_fido", "subj-1", "boom"))

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.markedErrors) == 1 && b.markedErrors[0] == "TaskError"
	}, time.Second, 10*time.Millisecond)

	p, err := reg.GetPilot("pilot_fido")
	require.NoError(t, err)
	require.Nil(t, p.ActiveRun)
}
