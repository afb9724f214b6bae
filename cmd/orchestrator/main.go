package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mics-lab/orchestrator/internal/config"
	"github.com/mics-lab/orchestrator/internal/esclient"
	"github.com/mics-lab/orchestrator/internal/pipeline"
	"github.com/mics-lab/orchestrator/internal/supervisor"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type flags struct {
	name         string
	msgPort      string
	micsAPIURL   string
	micsAPIToken string
	redisURL     string
	logLevel     string
	httpAddr     string
	esURL        string
	esIndex      string
	watchdog     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:   "orchestrator",
		Short: "Orchestrator — broker between the backend API and the pilot fleet",
		Long: `The orchestrator brokers between a REST backend and a fleet of remote
pilot devices over an asynchronous message bus: it tracks pilot liveness,
drives run lifecycles, and streams per-subject telemetry to a time-series
store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&f.name, "name", config.EnvOrDefault("NAME", ""), "orchestrator transport identity (required)")
	root.PersistentFlags().StringVar(&f.msgPort, "msg-port", config.EnvOrDefault("MSGPORT", ""), "router gateway listen port (required)")
	root.PersistentFlags().StringVar(&f.micsAPIURL, "mics-api-url", config.EnvOrDefault("MICS_API_URL", ""), "backend REST base URL (required)")
	root.PersistentFlags().StringVar(&f.micsAPIToken, "mics-api-token", config.EnvOrDefault("MICS_API_TOKEN", ""), "backend bearer token (required)")
	root.PersistentFlags().StringVar(&f.redisURL, "redis-url", config.EnvOrDefault("REDIS_URL", ""), "shared-state mirror Redis URL (empty disables it)")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", config.EnvOrDefault("LOGLEVEL", "info"), "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&f.httpAddr, "http-addr", config.EnvOrDefault("HTTP_ADDR", ":8090"), "control API listen address")
	root.PersistentFlags().StringVar(&f.esURL, "es-url", config.EnvOrDefault("ES_URL", ""), "elasticsearch URL for the event sink (empty disables it)")
	root.PersistentFlags().StringVar(&f.esIndex, "es-index", config.EnvOrDefault("ES_INDEX", "event_log_v2"), "elasticsearch index events are written to")
	root.PersistentFlags().BoolVar(&f.watchdog, "watchdog", config.EnvOrDefault("WATCHDOG_ENABLED", "false") == "true", "enable the stuck-run watchdog")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("orchestrator %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, f *flags) error {
	logger, err := buildLogger(f.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	var missing []string
	if f.name == "" {
		missing = append(missing, "--name")
	}
	if f.msgPort == "" {
		missing = append(missing, "--msg-port")
	}
	if f.micsAPIURL == "" {
		missing = append(missing, "--mics-api-url")
	}
	if f.micsAPIToken == "" {
		missing = append(missing, "--mics-api-token")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required flags: %v", missing)
	}

	cfg := config.Default()
	cfg.Name = f.name
	cfg.MicsAPIURL = f.micsAPIURL
	cfg.MicsAPIToken = f.micsAPIToken
	cfg.RedisURL = f.redisURL
	cfg.LogLevel = f.logLevel
	cfg.HTTPAddr = f.httpAddr
	cfg.WatchdogEnabled = f.watchdog
	port, err := parsePort(f.msgPort)
	if err != nil {
		return err
	}
	cfg.MsgPort = port

	logger.Info("starting orchestrator",
		zap.String("version", version),
		zap.String("name", cfg.Name),
		zap.Int("msg_port", cfg.MsgPort),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.Bool("redis_enabled", cfg.RedisURL != ""),
		zap.Bool("es_enabled", f.esURL != ""),
		zap.Bool("watchdog_enabled", cfg.WatchdogEnabled),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sink, err := buildSink(ctx, f, logger)
	if err != nil {
		return fmt.Errorf("failed to build event sink: %w", err)
	}

	sup, err := supervisor.New(cfg, sink, logger)
	if err != nil {
		return fmt.Errorf("failed to construct supervisor: %w", err)
	}

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("failed to start supervisor: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutting down orchestrator")
	sup.Stop()
	logger.Info("orchestrator stopped")
	return nil
}

// buildSink wires a pipeline.Sink backed by Elasticsearch when --es-url is
// set, otherwise a no-op sink so the data pipeline still runs its full
// queue/worker lifecycle without a time-series store configured.
func buildSink(ctx context.Context, f *flags, logger *zap.Logger) (pipeline.Sink, error) {
	if f.esURL == "" {
		logger.Warn("no --es-url configured, event documents will be discarded")
		return pipeline.NoopSink{}, nil
	}
	transport, err := esclient.New(f.esURL)
	if err != nil {
		return nil, err
	}
	sink := pipeline.NewESSink(transport, f.esIndex)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sink.Ping(pingCtx); err != nil {
		logger.Warn("elasticsearch ping failed, continuing anyway", zap.Error(err))
	}
	return sink, nil
}

func parsePort(raw string) (int, error) {
	var port int
	if _, err := fmt.Sscanf(raw, "%d", &port); err != nil || port <= 0 {
		return 0, fmt.Errorf("--msg-port must be a positive integer, got %q", raw)
	}
	return port, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
