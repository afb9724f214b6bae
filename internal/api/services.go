package api

import (
	"context"
	"time"

	"github.com/mics-lab/orchestrator/internal/backend"
	"github.com/mics-lab/orchestrator/internal/registry"
)

// RunService is the subset of the Run Controller the Control API drives,
// per §4.F/§4.H.
type RunService interface {
	StartRun(ctx context.Context, runID int64) error
	StopRun(ctx context.Context, runID int64) error
}

// PilotService is the subset of the Pilot State Registry the Control API
// reads for GET /pilots/live.
type PilotService interface {
	SnapshotAll(timeout time.Duration) map[string]registry.Snapshot
}

// ProtocolService, SubjectService, and SessionService are the read/write
// slices of the Backend Client the supplemented routes proxy, per
// SPEC_FULL.md's Control API supplement.
type ProtocolService interface {
	ListProtocols(ctx context.Context) ([]backend.Protocol, error)
	GetProtocol(ctx context.Context, id int64) (backend.Protocol, error)
	CreateProtocol(ctx context.Context, name, description string, steps []backend.Step) (backend.Protocol, error)
}

type SubjectService interface {
	ListSubjects(ctx context.Context) ([]backend.Subject, error)
	CreateSubject(ctx context.Context, name string) (backend.Subject, error)
	AssignProtocol(ctx context.Context, subjectName string, protocolID int64) error
}

type SessionService interface {
	ListSessions(ctx context.Context) ([]backend.SessionDetail, error)
	GetSessionDetail(ctx context.Context, sessionID int64) (backend.SessionDetail, error)
	StartSession(ctx context.Context) (backend.SessionDetail, error)
	LaunchSession(ctx context.Context, sessionID int64) (backend.SessionDetail, error)
	GetActiveRun(ctx context.Context, sessionID int64) (backend.Run, error)
}
