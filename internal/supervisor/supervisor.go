// Package supervisor implements the Process Supervisor (§4.I): wires
// every other component together, registers the gateway's per-key
// handlers, and owns the background loops (ping, resend, pipeline
// workers, metrics sampler, optional watchdog).
//
// Grounded in cmd/server/main.go's sequential-construction style (db ->
// repositories -> auth -> agent manager -> scheduler -> gRPC -> HTTP),
// re-expressed as one Go struct instead of a long run() function so
// cmd/orchestrator's main.go stays a thin flag/signal shim.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mics-lab/orchestrator/internal/api"
	"github.com/mics-lab/orchestrator/internal/backend"
	"github.com/mics-lab/orchestrator/internal/config"
	"github.com/mics-lab/orchestrator/internal/control"
	"github.com/mics-lab/orchestrator/internal/envelope"
	"github.com/mics-lab/orchestrator/internal/gateway"
	"github.com/mics-lab/orchestrator/internal/metrics"
	"github.com/mics-lab/orchestrator/internal/mirror"
	"github.com/mics-lab/orchestrator/internal/pipeline"
	"github.com/mics-lab/orchestrator/internal/registry"
)

// Supervisor owns every long-lived component the orchestrator process
// runs, and the goroutines that glue them together.
type Supervisor struct {
	cfg    config.Config
	logger *zap.Logger

	Registry *registry.Registry
	Backend  *backend.Client
	Gateway  *gateway.Gateway
	Mirror   *mirror.Mirror
	Pipeline *pipeline.Pipeline
	Control  *control.Controller
	Metrics  *metrics.Metrics
	Sampler  *metrics.Sampler
	Watchdog *control.Watchdog

	httpSrv *http.Server
	cron    gocron.Scheduler
}

// New constructs every component — including a Redis client if
// cfg.RedisURL is set, which is created without dialing the server — and
// wires the gateway's per-key handlers, but
// starts nothing. Call Start to begin serving.
func New(cfg config.Config, sink pipeline.Sink, logger *zap.Logger) (*Supervisor, error) {
	reg := registry.New()
	backendClient := backend.New(cfg.MicsAPIURL, cfg.MicsAPIToken, logger)
	gw := gateway.New(gateway.Config{
		Identity:       cfg.Name,
		ListenAddr:     fmt.Sprintf(":%d", cfg.MsgPort),
		ResendInterval: cfg.ResendInterval,
	}, logger)

	redisClient, err := mirror.Connect(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("supervisor: connect redis: %w", err)
	}
	m := mirror.New(redisClient, logger)

	controller := control.New(control.Config{
		IdleWaitTimeout:  cfg.WaitIdleTimeout,
		StepReleaseDelay: cfg.HardwareReleaseSleep,
	}, backendClient, reg, gw, m, logger)

	if sink == nil {
		sink = pipeline.NoopSink{}
	}
	pl := pipeline.New(pipeline.Config{
		QueueCapacity:      cfg.QueueCapacity,
		DataWorkers:        cfg.DataWorkers,
		SinkRequestTimeout: cfg.SinkRequestTimeout,
	}, sink, controller.OnIncTrial, logger)

	met := metrics.New(prometheus.DefaultRegisterer)
	sampler := metrics.NewSampler(met, gatewayPipelineSource{gw: gw, pl: pl}, 5*time.Second)

	var watchdog *control.Watchdog
	if cfg.WatchdogEnabled {
		watchdog = control.NewWatchdog(control.WatchdogConfig{}, controller, logger)
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("supervisor: gocron.NewScheduler: %w", err)
	}

	s := &Supervisor{
		cfg: cfg, logger: logger.Named("supervisor"),
		Registry: reg, Backend: backendClient, Gateway: gw, Mirror: m, Pipeline: pl,
		Control: controller, Metrics: met, Sampler: sampler, Watchdog: watchdog,
		cron: cron,
	}

	s.registerHandlers()

	router := api.NewRouter(api.RouterConfig{
		Runs: controller, Pilots: reg,
		Protocols: backendClient, Subjects: backendClient, Sessions: backendClient,
		Logger: logger,
	})
	s.httpSrv = &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	return s, nil
}

// Start launches every background loop: the gateway's websocket listener
// and resend scanner, the pipeline's workers, the ping loop, the metrics
// sampler, the Control API's HTTP server, and — if enabled — the
// watchdog. Returns once everything has been launched; loops run until
// ctx is canceled.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.Gateway.Start(ctx); err != nil {
		return fmt.Errorf("supervisor: start gateway: %w", err)
	}
	s.Pipeline.Start(ctx)

	if _, err := s.cron.NewJob(
		gocron.DurationJob(s.pingInterval()),
		gocron.NewTask(s.pingAll),
		gocron.WithName("pilot-ping"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("supervisor: schedule ping job: %w", err)
	}
	s.cron.Start()

	go s.Sampler.Run(ctx)

	if s.Watchdog != nil {
		go s.Watchdog.Run(ctx)
	}

	go func() {
		s.logger.Info("control api listening", zap.String("addr", s.cfg.HTTPAddr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("control api error", zap.Error(err))
		}
	}()

	return nil
}

// Stop shuts down the HTTP server, gateway, pipeline, and ping scheduler.
func (s *Supervisor) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("control api shutdown error", zap.Error(err))
	}
	if err := s.cron.Shutdown(); err != nil {
		s.logger.Warn("ping scheduler shutdown error", zap.Error(err))
	}
	if err := s.Gateway.Stop(); err != nil {
		s.logger.Warn("gateway shutdown error", zap.Error(err))
	}
	s.Pipeline.Stop()
}

func (s *Supervisor) pingInterval() time.Duration {
	if s.cfg.PingInterval <= 0 {
		return 10 * time.Second
	}
	return s.cfg.PingInterval
}

// pingAll broadcasts PING to every known pilot — the ping job's task body,
// scheduled by gocron every pingInterval(), grounded in
// orchestrator_station.py's _ping_loop and scheduler.go's gocron job shape.
func (s *Supervisor) pingAll() {
	for _, pilot := range s.Registry.Identities() {
		if err := s.Gateway.Send(pilot, envelope.KeyPing, nil, gateway.SendOpts{}); err != nil {
			s.logger.Warn("ping send failed", zap.String("pilot", pilot), zap.Error(err))
		}
	}
}

// registerHandlers binds every inbound wire verb to its handler, per
// §4.B/§4.C/§4.E/§4.F.
func (s *Supervisor) registerHandlers() {
	s.Gateway.OnMessage(envelope.KeyHandshake, s.onHandshake)
	s.Gateway.OnMessage(envelope.KeyState, s.onState)
	s.Gateway.OnMessage(envelope.KeyPing, s.onPing)
	s.Gateway.OnMessage(envelope.KeyData, s.onData)
	s.Gateway.OnMessage(envelope.KeyContinuous, s.onData)
	s.Gateway.OnMessage(envelope.KeyStream, s.onStream)
	s.Gateway.OnMessage(envelope.KeyIncTrial, s.onIncTrial)
	s.Gateway.OnMessage(envelope.KeyTaskError, s.Control.OnTaskError)
}

func (s *Supervisor) onHandshake(e envelope.Envelope) {
	payload, _ := e.Value.(map[string]any)
	pilot := stringField(payload, "pilot")
	if pilot == "" {
		pilot = e.Sender
	}
	ip := stringField(payload, "ip")
	prefs, _ := payload["prefs"].(map[string]any)
	tasks, _ := payload["tasks"].([]any)

	s.Mirror.Touch(context.Background(), pilot)
	s.Registry.UpdateHandshake(pilot, ip, prefs, tasks)
	s.logger.Info("HANDSHAKE", zap.String("pilot", pilot))

	ctx := context.Background()
	pilotObj, err := s.Backend.CreateOrUpdatePilot(ctx, pilot, ip, prefs)
	if err != nil {
		s.logger.Error("backend sync failed for pilot", zap.String("pilot", pilot), zap.Error(err))
		return
	}
	if len(tasks) > 0 {
		if err := s.Backend.UpsertPilotTasks(ctx, pilotObj.ID, tasks); err != nil {
			s.logger.Error("upsert pilot tasks failed", zap.String("pilot", pilot), zap.Error(err))
		}
	}
}

func (s *Supervisor) onState(e envelope.Envelope) {
	s.Mirror.Touch(context.Background(), e.Sender)
	if payload, ok := e.Value.(map[string]any); ok {
		if st := stringField(payload, "state"); st != "" {
			s.Registry.SetState(e.Sender, st)
			return
		}
	}
	s.Registry.UpdatePing(e.Sender)
}

func (s *Supervisor) onPing(e envelope.Envelope) {
	s.Mirror.Touch(context.Background(), e.Sender)
	s.Registry.UpdatePing(e.Sender)
}

func (s *Supervisor) onData(e envelope.Envelope) {
	payload, ok := e.Value.(map[string]any)
	if !ok {
		return
	}
	s.Pipeline.EnqueueData(payload)
}

// onStream unwraps a STREAM envelope's batch supplement, per SPEC_FULL.md:
// {"inner_key": <verb>, "payload": [...]} becomes one EnqueueData call per
// payload entry when inner_key is DATA/CONTINUOUS.
func (s *Supervisor) onStream(e envelope.Envelope) {
	batch, ok := envelope.AsStreamBatch(e.Value)
	if !ok {
		s.onData(e)
		return
	}
	if batch.InnerKey != envelope.KeyData && batch.InnerKey != envelope.KeyContinuous {
		s.logger.Warn("STREAM batch with unsupported inner_key", zap.String("inner_key", string(batch.InnerKey)))
		return
	}
	for _, item := range batch.Payload {
		if event, ok := item.(map[string]any); ok {
			s.Pipeline.EnqueueData(event)
		}
	}
}

func (s *Supervisor) onIncTrial(e envelope.Envelope) {
	payload, _ := e.Value.(map[string]any)
	subject := stringField(payload, "subject")
	s.Pipeline.EnqueueTrial(pipeline.TrialEvent{Subject: subject})
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

// gatewayPipelineSource adapts the concrete Gateway/Pipeline types to
// metrics.Source so the metrics package never imports either.
type gatewayPipelineSource struct {
	gw *gateway.Gateway
	pl *pipeline.Pipeline
}

func (s gatewayPipelineSource) ConnectedCount() int   { return s.gw.ConnectedCount() }
func (s gatewayPipelineSource) OutboxSize() int       { return s.gw.OutboxSize() }
func (s gatewayPipelineSource) DataQueueDepth() int   { return s.pl.DataQueueDepth() }
func (s gatewayPipelineSource) TrialQueueDepth() int  { return s.pl.TrialQueueDepth() }
func (s gatewayPipelineSource) DataDropped() int64    { return s.pl.DataDropped() }
func (s gatewayPipelineSource) TrialDropped() int64   { return s.pl.TrialDropped() }
