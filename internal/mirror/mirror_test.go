package mirror

import (
	"testing"

	"go.uber.org/zap"

	"github.com/mics-lab/orchestrator/internal/registry"
)

func TestNilClientIsNoop(t *testing.T) {
	m := New(nil, zap.NewNop())

	// None of these should panic even though there is no Redis connection.
	m.Touch(t.Context(), "pilot_a")
	m.SetActiveRun(t.Context(), "pilot_a", &registry.ActiveRun{ID: 1})
	m.SetActiveRun(t.Context(), "pilot_a", nil)
}

func TestConnectWithEmptyURLReturnsNilClient(t *testing.T) {
	client, err := Connect("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client != nil {
		t.Fatalf("expected nil client for empty URL")
	}
}

func TestKeyFormat(t *testing.T) {
	if got := key("pilot_abc"); got != "pilot:pilot_abc" {
		t.Fatalf("key() = %q, want %q", got, "pilot:pilot_abc")
	}
}
