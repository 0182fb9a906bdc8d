// Package store defines the datastore contracts consumed by the
// orchestration managers. Implementations live in the postgres and memory
// subpackages. The two allocation operations (LeaseProxy,
// AllocateMissionToWorker) are the only places the system needs hard
// mutual exclusion; implementations must make them atomic under
// concurrent callers.
package store

import (
	"context"
	"time"

	"github.com/deeptube/mission-control/internal/domain"
)

// MissionStore covers mission reads, state transitions, and the audit log.
type MissionStore interface {
	GetMission(ctx context.Context, id string) (domain.Mission, error)
	// ListMissionsAtCheckpoint returns missions at the given status and
	// checkpoint, e.g. the RUNNING/EXTRAINDO set the worker poll walks.
	ListMissionsAtCheckpoint(ctx context.Context, status domain.MissionStatus, cp domain.Checkpoint) ([]domain.Mission, error)
	// AllocateMissionToWorker atomically claims the oldest QUEUED mission
	// for the worker, moving it to RUNNING/ATRIBUIDO. It returns nil when
	// no mission is eligible; that is a normal no-op, not an error.
	AllocateMissionToWorker(ctx context.Context, workerID string) (*domain.Mission, error)
	// MarkMissionScraping records an accepted scrape job: checkpoint
	// EXTRAINDO, job/session ids, started_at.
	MarkMissionScraping(ctx context.Context, missionID, workerID, sessionID, workerJobID string) error
	SetMissionScrapeResult(ctx context.Context, missionID string, adsCount int, dataURL string) error
	// MarkMissionWriting moves the checkpoint to ARMAZENANDO and records
	// the writer job id.
	MarkMissionWriting(ctx context.Context, missionID, writerJobID string) error
	// RequeueMission returns a mission to QUEUED with the given retry
	// count, clearing checkpoint, worker/session/job ids, and error fields.
	RequeueMission(ctx context.Context, missionID string, retryCount int) error
	CompleteMission(ctx context.Context, missionID string) error
	FailMission(ctx context.Context, missionID, errorCode, errorMessage string) error
	AppendMissionLog(ctx context.Context, log domain.MissionLog) error
}

// WorkerStore covers worker reads and occupancy updates.
type WorkerStore interface {
	GetWorker(ctx context.Context, id string) (domain.Worker, error)
	// ListIdleWorkers returns active workers currently idle.
	ListIdleWorkers(ctx context.Context) ([]domain.Worker, error)
	SetWorkerStatus(ctx context.Context, id string, status domain.WorkerStatus) error
	// ResetWorkerStatuses forces every non-idle worker back to idle; used
	// once at manager start to clear state left by a prior run.
	ResetWorkerStatuses(ctx context.Context) error
}

// SessionStore covers session rows.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (domain.Session, error)
	CreateSession(ctx context.Context, s domain.Session) error
	SetSessionProxy(ctx context.Context, sessionID, proxyID string) error
	// SetSessionPhase records the latest observed phase and resets the
	// consecutive failure counter.
	SetSessionPhase(ctx context.Context, sessionID, phase string) error
	SetSessionFailureCount(ctx context.Context, sessionID string, count int) error
	SetSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error
	MarkSessionError(ctx context.Context, sessionID, errorCode, errorMessage string) error
	MarkSessionEnded(ctx context.Context, sessionID string, endedAt time.Time) error
	ListSessionsByStatus(ctx context.Context, statuses ...domain.SessionStatus) ([]domain.Session, error)
}

// ProxyStore covers the leasable proxy pool.
type ProxyStore interface {
	// LeaseProxy atomically claims a free active proxy for the session,
	// stamping in_use_by_session_id and last_used_at. It returns nil when
	// no proxy is free.
	LeaseProxy(ctx context.Context, sessionID string) (*domain.Proxy, error)
	ReleaseProxy(ctx context.Context, proxyID string) error
	IncrementProxyFailCount(ctx context.Context, proxyID string) error
	// ReleaseAllProxies clears every in_use marker; used during orphan
	// cleanup at start.
	ReleaseAllProxies(ctx context.Context) error
}

// WriterStore selects writer services.
type WriterStore interface {
	// ActiveWriter returns one active writer, or nil when none is
	// registered. Writers are selected, never locked.
	ActiveWriter(ctx context.Context) (*domain.Writer, error)
}

// SettingsStore exposes the operator-tunable settings table.
type SettingsStore interface {
	Settings(ctx context.Context) (map[string]string, error)
}

// Store is the full datastore surface the orchestration engine consumes.
type Store interface {
	MissionStore
	WorkerStore
	SessionStore
	ProxyStore
	WriterStore
	SettingsStore
}
