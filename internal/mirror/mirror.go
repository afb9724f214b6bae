// Package mirror implements the Shared-State Mirror (§4.G): a
// write-through adapter to an external key-value store, keyed by
// "pilot:{identity}". Every write is advisory — failures are logged and
// must never block a run-controller state transition.
//
// Grounded in original_source/orchestrator/state.py's
// _redis_set_active_run/_redis_touch, re-expressed against
// github.com/redis/go-redis/v9's hash commands. No example repo in the
// pack touches Redis; this is the one genuinely out-of-pack dependency
// SPEC_FULL.md's domain stack names — see DESIGN.md.
package mirror

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mics-lab/orchestrator/internal/registry"
)

// Mirror writes pilot/active-run state to Redis. A nil *redis.Client makes
// every method a no-op, matching §6's "REDIS_URL optional; if absent,
// mirror is a no-op."
type Mirror struct {
	client *redis.Client
	logger *zap.Logger
}

// New constructs a Mirror. Pass a nil client to get a no-op mirror.
func New(client *redis.Client, logger *zap.Logger) *Mirror {
	return &Mirror{client: client, logger: logger.Named("mirror")}
}

// Connect parses redisURL and returns a ready *redis.Client, or nil if
// redisURL is empty.
func Connect(redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

func key(pilot string) string {
	return "pilot:" + pilot
}

// Touch refreshes updated_at for pilot without touching state or
// active_run — used on STATE/PING traffic, per original's _redis_touch.
func (m *Mirror) Touch(ctx context.Context, pilot string) {
	if m.client == nil {
		return
	}
	err := m.client.HSet(ctx, key(pilot), map[string]any{
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}).Err()
	if err != nil {
		m.logger.Warn("redis touch failed", zap.String("pilot", pilot), zap.Error(err))
	}
}

// SetActiveRun mirrors the pilot's active-run slot. run == nil removes the
// active_run field and marks the pilot IDLE; a non-nil run is JSON-encoded
// into the active_run field and the pilot is marked RUNNING. All failures
// are logged only, per §4.G.
func (m *Mirror) SetActiveRun(ctx context.Context, pilot string, run *registry.ActiveRun) {
	if m.client == nil {
		return
	}

	k := key(pilot)
	now := time.Now().UTC().Format(time.RFC3339)

	if run == nil {
		if err := m.client.HDel(ctx, k, "active_run").Err(); err != nil {
			m.logger.Debug("redis hdel active_run failed", zap.String("pilot", pilot), zap.Error(err))
		}
		if err := m.client.HSet(ctx, k, map[string]any{"state": "IDLE", "updated_at": now}).Err(); err != nil {
			m.logger.Warn("redis set idle failed", zap.String("pilot", pilot), zap.Error(err))
		}
		return
	}

	data, err := json.Marshal(run)
	if err != nil {
		m.logger.Warn("redis marshal active_run failed", zap.String("pilot", pilot), zap.Error(err))
		return
	}
	err = m.client.HSet(ctx, k, map[string]any{
		"active_run": string(data),
		"state":      "RUNNING",
		"updated_at": now,
	}).Err()
	if err != nil {
		m.logger.Warn("redis set running failed", zap.String("pilot", pilot), zap.Error(err))
	}
}
