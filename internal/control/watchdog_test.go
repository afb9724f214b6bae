package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mics-lab/orchestrator/internal/registry"
)

// TestWatchdogScanClearsActiveRunViaHelper guards against scan() clearing
// only the in-memory registry directly — it must go through
// clearActiveRun so the mirror is cleared too, keeping the two in sync
// per §4.G.
func TestWatchdogScanClearsActiveRunViaHelper(t *testing.T) {
	b := baseFakeBackend()
	c, reg := newTestController(t, b)
	reg.SetActiveRun("pilot_fido", &registry.ActiveRun{
		ID: 1, Status: "running", StartedAt: time.Now().Add(-time.Hour),
	})

	w := NewWatchdog(WatchdogConfig{Timeout: time.Millisecond}, c, c.logger)
	w.scan(t.Context())

	b.mu.Lock()
	require.Equal(t, []string{"WatchdogTimeout"}, b.markedErrors)
	b.mu.Unlock()

	p, err := reg.GetPilot("pilot_fido")
	require.NoError(t, err)
	require.Nil(t, p.ActiveRun)
}
