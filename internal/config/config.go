// Package config resolves the orchestrator's flat configuration surface:
// a handful of required strings plus the fixed-interval constants named in
// §6. FromEnv reads everything, constants included, from environment
// variables. cmd/orchestrator does not call FromEnv: it reads the strings
// through cobra flags that fall back to EnvOrDefault, and keeps Default()'s
// constants, which have no flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the orchestrator's full configuration surface, per §6.
type Config struct {
	// Name is the orchestrator's own transport identity string.
	Name string
	// MsgPort is the Router Gateway's listen port.
	MsgPort int
	// MicsAPIURL is the backend REST base URL.
	MicsAPIURL string
	// MicsAPIToken is the bearer JWT attached to every backend request.
	MicsAPIToken string
	// RedisURL configures the Shared-State Mirror. Empty disables it.
	RedisURL string
	// LogLevel is one of debug/info/warn/error.
	LogLevel string
	// HTTPAddr is the Control API's listen address.
	HTTPAddr string

	// WatchdogEnabled opts into the stuck-run watchdog (§9 open question).
	WatchdogEnabled bool

	// The remaining fields are the internal constants §6 allows overriding.
	ResendInterval       time.Duration
	PingInterval         time.Duration
	WaitIdleTimeout      time.Duration
	HardwareReleaseSleep time.Duration
	SinkRequestTimeout   time.Duration
	QueueCapacity        int
	DataWorkers          int
}

// Default returns a Config populated with §6's documented defaults.
func Default() Config {
	return Config{
		HTTPAddr:             ":8090",
		LogLevel:             "info",
		ResendInterval:       5 * time.Second,
		PingInterval:         10 * time.Second,
		WaitIdleTimeout:      15 * time.Second,
		HardwareReleaseSleep: 10 * time.Second,
		SinkRequestTimeout:   2 * time.Second,
		QueueCapacity:        50_000,
		DataWorkers:          4,
	}
}

// FromEnv loads the required fields from their documented environment
// variables on top of Default(). Returns an error naming every missing
// required variable at once.
func FromEnv() (Config, error) {
	cfg := Default()

	cfg.Name = os.Getenv("NAME")
	cfg.MicsAPIURL = os.Getenv("MICS_API_URL")
	cfg.MicsAPIToken = os.Getenv("MICS_API_TOKEN")
	cfg.RedisURL = os.Getenv("REDIS_URL")

	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("WATCHDOG_ENABLED"); v != "" {
		cfg.WatchdogEnabled = v == "true" || v == "1"
	}

	portStr := os.Getenv("MSGPORT")
	var missing []string
	if cfg.Name == "" {
		missing = append(missing, "NAME")
	}
	if portStr == "" {
		missing = append(missing, "MSGPORT")
	}
	if cfg.MicsAPIURL == "" {
		missing = append(missing, "MICS_API_URL")
	}
	if cfg.MicsAPIToken == "" {
		missing = append(missing, "MICS_API_TOKEN")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("config: missing required variables: %v", missing)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Config{}, fmt.Errorf("config: MSGPORT must be an integer: %w", err)
	}
	cfg.MsgPort = port

	applyDurationOverride(os.Getenv("RESEND_INTERVAL_SEC"), &cfg.ResendInterval)
	applyDurationOverride(os.Getenv("PING_INTERVAL_SEC"), &cfg.PingInterval)
	applyDurationOverride(os.Getenv("WAIT_IDLE_TIMEOUT_SEC"), &cfg.WaitIdleTimeout)
	applyDurationOverride(os.Getenv("HARDWARE_RELEASE_SLEEP_SEC"), &cfg.HardwareReleaseSleep)
	applyDurationOverride(os.Getenv("SINK_REQUEST_TIMEOUT_SEC"), &cfg.SinkRequestTimeout)

	if v := os.Getenv("QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.QueueCapacity = n
		}
	}
	if v := os.Getenv("DATA_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DataWorkers = n
		}
	}

	return cfg, nil
}

func applyDurationOverride(raw string, dst *time.Duration) {
	if raw == "" {
		return
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		*dst = time.Duration(secs) * time.Second
	}
}

// EnvOrDefault returns the named environment variable, or defaultVal if
// unset — used directly by cobra flag defaults in cmd/orchestrator.
func EnvOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
