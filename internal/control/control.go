// Package control implements the Run Controller (§4.F): the state
// machine that starts, advances, and stops a pilot's run against the
// backend and gateway, folding protocol-step params with run overrides and
// attaching session context for the pilot.
//
// Grounded directly on orchestrator_station.py's start_run/stop_run/
// on_task_error/_advance_run_step/_build_first_step_task/_build_step_task/
// _apply_overrides/_attach_session_context — the single most load-bearing
// file in original_source/ for this package.
package control

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mics-lab/orchestrator/internal/backend"
	"github.com/mics-lab/orchestrator/internal/envelope"
	"github.com/mics-lab/orchestrator/internal/gateway"
	"github.com/mics-lab/orchestrator/internal/mirror"
	"github.com/mics-lab/orchestrator/internal/pipeline"
	"github.com/mics-lab/orchestrator/internal/registry"
)

// Task is the dynamically-shaped START payload sent to a pilot: a
// protocol step's params plus the routing/meta fields the pilot expects,
// re-asserted after overrides per §4.F's "reserved keys" rule.
type Task map[string]any

// Config tunes the controller's internal timeouts, all overridable for
// tests; see §6.
type Config struct {
	// IdleWaitTimeout bounds how long advanceRunStep waits for a pilot to
	// report IDLE after STOP before advancing anyway.
	IdleWaitTimeout time.Duration
	// IdlePollInterval is the polling granularity of the idle wait.
	IdlePollInterval time.Duration
	// StepReleaseDelay is the pause between stopping the current step and
	// starting the next, giving hardware time to release, per the
	// original's "Waiting for hardware release (10s)" comment.
	StepReleaseDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdleWaitTimeout <= 0 {
		c.IdleWaitTimeout = 15 * time.Second
	}
	if c.IdlePollInterval <= 0 {
		c.IdlePollInterval = 100 * time.Millisecond
	}
	if c.StepReleaseDelay <= 0 {
		c.StepReleaseDelay = 10 * time.Second
	}
	return c
}

// Controller is the Run Controller.
type Controller struct {
	cfg      Config
	api      *backend.Client
	registry *registry.Registry
	gw       *gateway.Gateway
	mirror   *mirror.Mirror
	logger   *zap.Logger
}

// New constructs a Controller wired to its collaborators.
func New(cfg Config, api *backend.Client, reg *registry.Registry, gw *gateway.Gateway, m *mirror.Mirror, logger *zap.Logger) *Controller {
	return &Controller{
		cfg:      cfg.withDefaults(),
		api:      api,
		registry: reg,
		gw:       gw,
		mirror:   m,
		logger:   logger.Named("control"),
	}
}

func (c *Controller) resolvePilotKey(ctx context.Context, pilotID int64) (backend.Pilot, string, error) {
	pilot, err := c.api.GetPilot(ctx, pilotID)
	if err != nil {
		return backend.Pilot{}, "", fmt.Errorf("control: get pilot %d: %w", pilotID, err)
	}
	key, err := c.registry.ResolvePilotKey(pilot.Name, pilot.IP)
	if err != nil {
		return backend.Pilot{}, "", fmt.Errorf("control: resolve pilot key for %s: %w", pilot.Name, err)
	}
	return pilot, key, nil
}

// clearActiveRun clears both the in-memory registry and the Redis mirror
// for pilotKey — the two always change together, per §4.F/§4.G.
func (c *Controller) clearActiveRun(ctx context.Context, pilotKey string) {
	c.registry.SetActiveRun(pilotKey, nil)
	c.mirror.SetActiveRun(ctx, pilotKey, nil)
}

// StartRun loads run_id's metadata and progress, builds a fresh or resumed
// step task, sends START to the resolved pilot, and marks the run RUNNING
// in the backend — §4.F's StartRun algorithm and test scenario 1/2.
func (c *Controller) StartRun(ctx context.Context, runID int64) error {
	c.logger.Info("starting run", zap.Int64("run_id", runID))

	run, err := c.api.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("control: get run %d: %w", runID, err)
	}

	pilot, pilotKey, err := c.resolvePilotKey(ctx, run.PilotID)
	if err != nil {
		return err
	}
	c.logger.Info("resolved pilot key", zap.String("pilot_key", pilotKey))

	protoRuns, err := c.api.GetSubjectRunsForSession(ctx, run.SessionID)
	if err != nil || len(protoRuns) == 0 {
		return fmt.Errorf("control: session %d has no subject/protocol runs", run.SessionID)
	}
	protocolID := protoRuns[0].ProtocolID

	var progress backend.Progress
	runWithProg, err := c.api.GetRunWithProgress(ctx, runID)
	if err != nil {
		c.logger.Warn("failed to fetch run progress, falling back to step 0", zap.Int64("run_id", runID), zap.Error(err))
	} else {
		progress = runWithProg.Progress
	}

	var task Task
	if progress.CurrentStep != nil {
		task, err = c.buildStepTask(ctx, run, protocolID, *progress.CurrentStep)
		if err != nil {
			return err
		}
		task["current_trial"] = progress.CurrentTrial
		c.logger.Info("resuming run", zap.Int64("run_id", runID), zap.Int("step", *progress.CurrentStep), zap.Int("trial", progress.CurrentTrial))
	} else {
		task, err = c.buildFirstStepTask(ctx, run, protocolID)
		if err != nil {
			return err
		}
		task["current_trial"] = 0
		c.logger.Info("starting run from step 0", zap.Int64("run_id", runID))
	}

	task["run_id"] = run.ID
	task["pilot"] = pilot.Name
	task["subject"] = run.SubjectKey

	c.attachSessionContext(task, run, protoRuns, progress)

	if err := c.gw.Send(pilotKey, envelope.KeyStart, task, gateway.SendOpts{Repeat: true}); err != nil {
		c.logger.Error("failed to send START", zap.String("pilot_key", pilotKey), zap.Int64("run_id", runID), zap.Error(err))
		_ = c.api.MarkRunError(ctx, runID, "OrchGatewayError", err.Error())
		c.clearActiveRun(ctx, pilotKey)
		return err
	}
	c.logger.Info("START sent", zap.String("pilot_key", pilotKey), zap.Int64("run_id", runID))

	if err := c.api.MarkRunRunning(ctx, runID); err != nil {
		c.logger.Error("failed to mark run RUNNING in backend", zap.Int64("run_id", runID), zap.Error(err))
	}

	active := &registry.ActiveRun{
		ID:         run.ID,
		SessionID:  run.SessionID,
		SubjectKey: run.SubjectKey,
		StartedAt:  time.Now().UTC(),
		Status:     "running",
	}
	c.registry.SetActiveRun(pilotKey, active)
	c.mirror.SetActiveRun(ctx, pilotKey, active)

	c.logger.Info("active run set", zap.String("pilot_key", pilotKey), zap.Int64("run_id", run.ID))
	return nil
}

// StopRun sends STOP to the run's pilot, marks the run STOPPED in the
// backend, and clears local/mirrored state — §4.F's StopRun algorithm.
func (c *Controller) StopRun(ctx context.Context, runID int64) error {
	run, err := c.api.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("control: get run %d: %w", runID, err)
	}

	_, pilotKey, err := c.resolvePilotKey(ctx, run.PilotID)
	if err != nil {
		return err
	}

	c.logger.Info("stopping run", zap.Int64("run_id", runID), zap.String("pilot_key", pilotKey))

	if err := c.gw.Send(pilotKey, envelope.KeyStop, nil, gateway.SendOpts{Repeat: true}); err != nil {
		c.logger.Error("failed to send STOP", zap.String("pilot_key", pilotKey), zap.Int64("run_id", runID), zap.Error(err))
		_ = c.api.MarkRunError(ctx, runID, "OrchGatewayError", err.Error())
		c.clearActiveRun(ctx, pilotKey)
		return err
	}

	if err := c.api.StopSessionRun(ctx, runID); err != nil {
		c.logger.Error("failed to mark run STOPPED in backend", zap.Int64("run_id", runID), zap.Error(err))
	}

	c.clearActiveRun(ctx, pilotKey)
	c.logger.Info("active run cleared", zap.String("pilot_key", pilotKey), zap.Int64("run_id", runID))
	return nil
}

// OnTaskError handles a TASK_ERROR envelope from a pilot: hard-stops the
// pilot, resolves and marks the associated run as errored, and clears
// local state — §4.F / test scenario 3.
func (c *Controller) OnTaskError(e envelope.Envelope) {
	ctx := context.Background()

	payload, _ := e.Value.(map[string]any)
	pilotKey, _ := payload["pilot"].(string)
	if pilotKey == "" {
		pilotKey = e.Sender
	}
	subjectKey, _ := payload["subject"].(string)
	errMsg, _ := payload["error_message"].(string)

	c.logger.Error("TASK_ERROR from pilot", zap.String("pilot_key", pilotKey), zap.String("subject", subjectKey), zap.String("error", errMsg))

	if err := c.gw.Send(pilotKey, envelope.KeyStop, nil, gateway.SendOpts{Repeat: true}); err != nil {
		c.logger.Warn("failed to send hard-stop STOP after task error", zap.String("pilot_key", pilotKey), zap.Error(err))
	}

	var run backend.Run
	var found bool
	if subjectKey != "" {
		r, err := c.api.GetRunBySubjectKey(ctx, subjectKey)
		if err != nil {
			c.logger.Warn("failed to resolve run for crashed task", zap.String("subject", subjectKey), zap.Error(err))
		} else {
			run, found = r, true
		}
	}

	if !found {
		c.clearActiveRun(ctx, pilotKey)
		return
	}

	if err := c.api.MarkRunError(ctx, run.ID, "TaskError", errMsg); err != nil {
		c.logger.Warn("failed to mark run error after task error", zap.Int64("run_id", run.ID), zap.Error(err))
	}

	c.clearActiveRun(ctx, pilotKey)
}

// OnIncTrial handles an INC_TRIAL_COUNTER event from the pipeline's trial
// worker: increments the backend trial counter and, if the backend
// indicates graduation, advances to the next protocol step — §4.F's
// _handle_inc_trial / _advance_run_step.
func (c *Controller) OnIncTrial(event pipeline.TrialEvent) {
	ctx := context.Background()

	if event.Subject == "" {
		return
	}

	run, err := c.api.GetRunBySubjectKey(ctx, event.Subject)
	if err != nil {
		c.logger.Debug("no run for subject on trial increment", zap.String("subject", event.Subject), zap.Error(err))
		return
	}
	if run.Status != "running" {
		return
	}

	resp, err := c.api.IncrementTrial(ctx, run.ID)
	if err != nil {
		c.logger.Warn("increment_trial failed", zap.Int64("run_id", run.ID), zap.Error(err))
		return
	}

	if resp.ShouldGraduate {
		if err := c.advanceRunStep(ctx, run); err != nil {
			c.logger.Error("advance run step failed", zap.Int64("run_id", run.ID), zap.Error(err))
		}
	}
}

// advanceRunStep stops the pilot's current task, waits for it to go idle,
// advances the backend's step counter, and either completes the run or
// starts the next step — §4.F's _advance_run_step.
func (c *Controller) advanceRunStep(ctx context.Context, run backend.Run) error {
	pilot, pilotKey, err := c.resolvePilotKey(ctx, run.PilotID)
	if err != nil {
		return err
	}

	c.logger.Info("advancing run", zap.Int64("run_id", run.ID), zap.String("pilot", pilot.Name))

	if err := c.gw.Send(pilotKey, envelope.KeyStop, nil, gateway.SendOpts{Repeat: true}); err != nil {
		c.logger.Warn("failed to send STOP before advance", zap.String("pilot_key", pilotKey), zap.Error(err))
	}
	c.waitForIdle(pilotKey)

	resp, err := c.api.AdvanceStep(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("control: advance step for run %d: %w", run.ID, err)
	}

	if resp.Finished {
		c.logger.Info("run completed", zap.Int64("run_id", run.ID))
		if err := c.api.CompleteSessionRun(ctx, run.ID); err != nil {
			c.logger.Warn("failed to mark run complete", zap.Int64("run_id", run.ID), zap.Error(err))
		}
		c.clearActiveRun(ctx, pilotKey)
		return nil
	}

	c.logger.Info("waiting for hardware release before next step", zap.String("pilot", pilot.Name), zap.Duration("delay", c.cfg.StepReleaseDelay))
	time.Sleep(c.cfg.StepReleaseDelay)

	nextStepIdx := resp.CurrentStep
	nextTask, err := c.buildStepTask(ctx, run, 0, nextStepIdx)
	if err != nil {
		return err
	}

	var progress backend.Progress
	runWithProg, err := c.api.GetRunWithProgress(ctx, run.ID)
	if err != nil {
		c.logger.Warn("failed to fetch run progress in advance; continuing without progress", zap.Int64("run_id", run.ID), zap.Error(err))
	} else {
		progress = runWithProg.Progress
	}

	protoRuns, err := c.api.GetSubjectRunsForSession(ctx, run.SessionID)
	if err != nil {
		c.logger.Warn("failed to fetch subject runs in advance; continuing without subjects", zap.Int64("session_id", run.SessionID), zap.Error(err))
		protoRuns = nil
	}

	c.attachSessionContext(nextTask, run, protoRuns, progress)

	c.logger.Info("starting next step", zap.Int("step", nextStepIdx), zap.Int64("run_id", run.ID), zap.String("pilot", pilot.Name))
	return c.gw.Send(pilotKey, envelope.KeyStart, nextTask, gateway.SendOpts{Repeat: true})
}

// waitForIdle polls the registry until pilotKey reports IDLE or
// cfg.IdleWaitTimeout elapses, per the original's _wait_for_idle.
func (c *Controller) waitForIdle(pilotKey string) {
	deadline := time.Now().Add(c.cfg.IdleWaitTimeout)
	for time.Now().Before(deadline) {
		p, err := c.registry.GetPilot(pilotKey)
		if err == nil && p.State == "IDLE" {
			return
		}
		time.Sleep(c.cfg.IdlePollInterval)
	}
}

// buildFirstStepTask builds the step-0 task payload for a fresh run, per
// the original's _build_first_step_task.
func (c *Controller) buildFirstStepTask(ctx context.Context, run backend.Run, protocolID int64) (Task, error) {
	return c.buildStepTaskWithProtocol(ctx, run, protocolID, 0)
}

// buildStepTask resolves the run's protocol id from its session's
// subject/protocol runs before delegating, matching the original's
// re-fetch of proto_run on every call.
func (c *Controller) buildStepTask(ctx context.Context, run backend.Run, _ int64, stepIdx int) (Task, error) {
	protoRuns, err := c.api.GetSubjectRunsForSession(ctx, run.SessionID)
	if err != nil || len(protoRuns) == 0 {
		return nil, fmt.Errorf("control: session %d has no subject/protocol runs", run.SessionID)
	}
	return c.buildStepTaskWithProtocol(ctx, run, protoRuns[0].ProtocolID, stepIdx)
}

// buildStepTaskWithProtocol constructs the task payload for protocolID's
// step stepIdx: params, routing/meta fields, folded overrides, then
// re-asserted reserved keys so an override can never corrupt routing —
// §4.F's reserved-key rule, shared by both task builders in the
// original.
func (c *Controller) buildStepTaskWithProtocol(ctx context.Context, run backend.Run, protocolID int64, stepIdx int) (Task, error) {
	protocol, err := c.api.GetProtocol(ctx, protocolID)
	if err != nil {
		return nil, fmt.Errorf("control: get protocol %d: %w", protocolID, err)
	}
	if stepIdx < 0 || stepIdx >= len(protocol.Steps) {
		return nil, fmt.Errorf("control: step %d out of range for protocol %d", stepIdx, protocolID)
	}
	step := protocol.Steps[stepIdx]

	pilot, err := c.api.GetPilot(ctx, run.PilotID)
	if err != nil {
		return nil, fmt.Errorf("control: get pilot %d: %w", run.PilotID, err)
	}

	task := make(Task, len(step.Params)+8)
	for k, v := range step.Params {
		task[k] = v
	}

	assertReserved := func() {
		task["task_type"] = step.TaskType
		task["step_name"] = step.StepName
		task["pilot"] = pilot.Name
		task["subject"] = run.SubjectKey
		task["session"] = run.SessionID
		task["step"] = stepIdx
		task["run_id"] = run.ID
		task["protocol_id"] = protocolID
	}
	assertReserved()
	task["current_trial"] = 0

	c.applyOverrides(task, run, stepIdx)
	assertReserved()

	return task, nil
}

// applyOverrides folds a run's global overrides then its per-step
// overrides into task, in that order, per §4.F's override-folding
// invariant (global first, step second, so a step override always wins a
// conflict).
func (c *Controller) applyOverrides(task Task, run backend.Run, stepIdx int) {
	if run.Overrides == nil {
		return
	}
	for k, v := range run.Overrides.Global {
		task[k] = v
	}
	if stepOv, ok := run.Overrides.Steps[fmt.Sprintf("%d", stepIdx)]; ok {
		for k, v := range stepOv {
			task[k] = v
		}
	}
}

// attachSessionContext adds session_progress_index and a deduplicated
// subjects list to task, always present (possibly nil/empty) so the pilot
// never needs to handle an absent key — §4.F / §9's resolved open
// question, grounded in _attach_session_context.
func (c *Controller) attachSessionContext(task Task, run backend.Run, protoRuns []backend.SubjectProtocolRun, progress backend.Progress) {
	task["session_progress_index"] = progress.SessionProgressIndex

	seen := make(map[string]bool, len(protoRuns))
	subjects := make([]string, 0, len(protoRuns))
	for _, r := range protoRuns {
		name := r.SubjectName
		if name == "" {
			name = r.SubjectKey
		}
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		subjects = append(subjects, name)
	}
	task["subjects"] = subjects
}
