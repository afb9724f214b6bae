package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateHandshakePreservesActiveRun(t *testing.T) {
	r := New()
	run := &ActiveRun{ID: 22, Status: "running"}
	r.SetActiveRun("gamma", run)

	r.UpdateHandshake("gamma", "192.0.2.9", map[string]any{"k": "v"}, nil)

	p, err := r.GetPilot("gamma")
	require.NoError(t, err)
	require.NotNil(t, p.ActiveRun)
	assert.Equal(t, int64(22), p.ActiveRun.ID)
	assert.Equal(t, "192.0.2.9", p.IP)
}

func TestSetActiveRunClears(t *testing.T) {
	r := New()
	r.SetActiveRun("alpha", &ActiveRun{ID: 1})
	r.SetActiveRun("alpha", nil)

	p, err := r.GetPilot("alpha")
	require.NoError(t, err)
	assert.Nil(t, p.ActiveRun)
}

func TestGetPilotNotFound(t *testing.T) {
	r := New()
	_, err := r.GetPilot("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIsConnectedAfterHandshakeOnly(t *testing.T) {
	r := New()
	assert.False(t, r.IsConnected("alpha"))
	r.UpdateHandshake("alpha", "10.0.0.1", nil, nil)
	assert.True(t, r.IsConnected("alpha"))
}

func TestSnapshotAllComputesConnected(t *testing.T) {
	r := New()
	r.UpdateHandshake("alpha", "10.0.0.1", nil, nil)

	snap := r.SnapshotAll(time.Minute)
	require.Contains(t, snap, "alpha")
	assert.True(t, snap["alpha"].Connected)
	assert.Equal(t, "10.0.0.1", snap["alpha"].IP)
}

func TestResolvePilotKeyExactThenPrefixThenIP(t *testing.T) {
	r := New()
	r.UpdateHandshake("pilot_rpi_1", "192.0.2.5", nil, nil)

	key, err := r.ResolvePilotKey("rpi_1", "")
	require.NoError(t, err)
	assert.Equal(t, "pilot_rpi_1", key)

	key, err = r.ResolvePilotKey("", "192.0.2.5")
	require.NoError(t, err)
	assert.Equal(t, "pilot_rpi_1", key)

	_, err = r.ResolvePilotKey("nonexistent", "10.10.10.10")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolvePilotKeyExactMatchTakesPriorityOverPrefix(t *testing.T) {
	r := New()
	r.UpdateHandshake("rpi_1", "10.0.0.1", nil, nil)
	r.UpdateHandshake("pilot_rpi_1", "10.0.0.2", nil, nil)

	key, err := r.ResolvePilotKey("rpi_1", "")
	require.NoError(t, err)
	assert.Equal(t, "rpi_1", key)
}
