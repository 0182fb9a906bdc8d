// Package domain defines the entities and vocabularies shared by the
// orchestration engine: missions, workers, sessions, proxies, writers, and
// the status machines they move through.
package domain

import (
	"strconv"
	"time"
)

// MissionStatus is the top-level lifecycle state of a mission.
type MissionStatus string

// Mission lifecycle states. PENDING missions are created by the operator
// layer; the engine only ever sees them once they are QUEUED.
const (
	MissionPending MissionStatus = "PENDING"
	MissionQueued  MissionStatus = "QUEUED"
	MissionRunning MissionStatus = "RUNNING"
	MissionDone    MissionStatus = "DONE"
	MissionFailed  MissionStatus = "FAILED"
)

// Checkpoint is the sub-stage of a RUNNING mission.
type Checkpoint string

// Mission checkpoints, in execution order.
const (
	CheckpointAssigned  Checkpoint = "ATRIBUIDO"
	CheckpointScraping  Checkpoint = "EXTRAINDO"
	CheckpointWriting   Checkpoint = "ARMAZENANDO"
	CheckpointFinalized Checkpoint = "FINALIZADO"
)

// SessionStatus is the lifecycle state of a worker session.
type SessionStatus string

// Session lifecycle states. ENDED and ERROR are terminal.
const (
	SessionCreating     SessionStatus = "CREATING"
	SessionInitializing SessionStatus = "INITIALIZING"
	SessionReady        SessionStatus = "READY"
	SessionActive       SessionStatus = "ACTIVE"
	SessionEnded        SessionStatus = "ENDED"
	SessionError        SessionStatus = "ERROR"
)

// Terminal reports whether the session status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionEnded || s == SessionError
}

// WorkerStatus is the occupancy state of a remote worker.
type WorkerStatus string

// Worker occupancy states.
const (
	WorkerIdle           WorkerStatus = "idle"
	WorkerWaitingSession WorkerStatus = "waiting_session"
	WorkerReady          WorkerStatus = "ready"
	WorkerScraping       WorkerStatus = "scraping"
	WorkerErrored        WorkerStatus = "error"
)

// MediaType filters which ad formats a mission scrapes.
type MediaType string

// Supported media type filters.
const (
	MediaAll   MediaType = "all"
	MediaVideo MediaType = "video"
	MediaImage MediaType = "image"
)

// Error codes persisted on missions and sessions and carried on failure
// events. The numeric families group by failure domain: 1xx session, 2xx
// scrape, 4xx resource allocation.
const (
	CodeSessionTimeout      = "ERROR101"
	CodeSessionCreateFailed = "ERROR102"
	CodeSessionInitFailed   = "ERROR103"
	CodeScrapeStartFailed   = "ERROR201"
	CodeScrapeFailed        = "ERROR202"
	CodeNoProxyAvailable    = "ERROR401"
	CodeCancelled           = "CANCELLED"
)

// Mission is one scrape-and-store task over a date range, media type, and
// language filter.
type Mission struct {
	ID           string
	DateStart    string
	DateEnd      string
	MediaType    MediaType
	Languages    []string
	Status       MissionStatus
	Checkpoint   Checkpoint
	AdsCount     int
	ErrorCode    string
	ErrorMessage string
	WorkerID     string
	SessionID    string
	WorkerJobID  string
	WriterJobID  string
	DataURL      string
	RetryCount   int
	CreatedAt    time.Time
	QueuedAt     *time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// Worker is a remote scraping service instance registered by the operator.
type Worker struct {
	ID            string
	Name          string
	URL           string
	APIKey        string
	StorageDomain string
	Status        WorkerStatus
	Active        bool
}

// Writer is a remote persistence service instance.
type Writer struct {
	ID     string
	Name   string
	URL    string
	APIKey string
	Active bool
}

// Proxy is an exclusively leasable network egress credential.
type Proxy struct {
	ID               string
	Name             string
	Host             string
	Port             int
	Username         string
	Password         string
	Active           bool
	InUseBySessionID string
	FailCount        int
	LastUsedAt       *time.Time
}

// Server formats the proxy endpoint as host:port for worker session
// requests.
func (p Proxy) Server() string {
	if p.Port == 0 {
		return p.Host
	}
	return p.Host + ":" + strconv.Itoa(p.Port)
}

// Session is a leased, authenticated execution context on one worker,
// backed by one proxy.
type Session struct {
	ID           string
	WorkerID     string
	ProxyID      string
	Status       SessionStatus
	CurrentPhase string
	FailureCount int
	RetryCount   int
	ErrorCode    string
	ErrorMessage string
	CreatedAt    time.Time
	EndedAt      *time.Time
}

// MissionLog is one audit row appended at each significant mission
// transition.
type MissionLog struct {
	ID         int64
	MissionID  string
	Event      string
	Details    string
	DurationMs int64
	Timestamp  time.Time
}

// Mission log event names.
const (
	LogMissionAssigned = "MISSION_ASSIGNED"
	LogMissionRetry    = "MISSION_RETRY"
	LogMissionComplete = "MISSION_COMPLETE"
	LogSessionStarted  = "SESSION_STARTED"
	LogSessionReady    = "SESSION_READY"
	LogScrapeStarted   = "SCRAPE_STARTED"
	LogScrapeComplete  = "SCRAPE_COMPLETE"
	LogScrapeFailed    = "SCRAPE_FAILED"
	LogWriterStarted   = "WRITER_STARTED"
	LogCancelled       = "CANCELLED"
)

// Clock abstracts time for timeout accounting so managers can be tested
// deterministically.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers for sessions and request scopes.
type IDGenerator interface {
	NewID() (string, error)
}
