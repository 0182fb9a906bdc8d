// Package bus implements the in-process publish/subscribe hub that decouples
// the orchestration managers. Fan-out is synchronous and in-order within one
// Emit call; a failing handler is contained and logged, never propagated to
// the emitter or to the other handlers.
package bus

import "time"

// Name identifies an event topic on the bus.
type Name string

// Every event the engine emits. The payload for each name is the
// correspondingly named struct below; consumers type-assert exactly one
// payload type per subscription.
const (
	SessionReady        Name = "session:ready"
	SessionError        Name = "session:error"
	SessionEndRequested Name = "session:end_requested"
	SessionTerminated   Name = "session:terminated"

	WorkerRequestSession Name = "worker:request_session"
	WorkerSessionFailed  Name = "worker:session_failed"

	ScrapeStarted  Name = "scrape:started"
	ScrapeComplete Name = "scrape:complete"
	ScrapeFailed   Name = "scrape:failed"

	MissionAssigned Name = "mission:assigned"
	MissionComplete Name = "mission:complete"
	MissionFailed   Name = "mission:failed"

	WriterStarted Name = "writer:started"

	OrchestratorStarted Name = "orchestrator:started"
	OrchestratorStopped Name = "orchestrator:stopped"
)

// Event is the closed set of payloads carried on the bus. Only the structs
// in this file implement it.
type Event interface {
	EventName() Name
}

// SessionReadyEvent signals a session reached the ready phase while
// INITIALIZING. Emitted at most once per session.
type SessionReadyEvent struct {
	SessionID string
	WorkerID  string
}

// SessionErrorEvent signals a session escalated to ERROR.
type SessionErrorEvent struct {
	SessionID string
	WorkerID  string
	ProxyID   string
	Error     string
	ErrorCode string
}

// SessionEndRequestedEvent asks the session manager to end a session whose
// work is finished.
type SessionEndRequestedEvent struct {
	SessionID string
}

// SessionTerminatedEvent signals a session reached ENDED and its proxy was
// released.
type SessionTerminatedEvent struct {
	SessionID string
	ProxyID   string
}

// WorkerRequestSessionEvent asks the session manager for a session on
// behalf of a worker that was just assigned a mission.
type WorkerRequestSessionEvent struct {
	WorkerID  string
	MissionID string
}

// WorkerSessionFailedEvent is the sole path by which a session failure
// becomes a mission-level retry decision.
type WorkerSessionFailedEvent struct {
	WorkerID  string
	MissionID string
	Error     string
}

// ScrapeStartedEvent signals a scrape job was accepted by a worker.
type ScrapeStartedEvent struct {
	MissionID string
	WorkerID  string
	JobID     string
}

// ScrapeCompleteEvent carries the final scrape result for a mission.
type ScrapeCompleteEvent struct {
	MissionID string
	WorkerID  string
	SessionID string
	DataURL   string
	AdsCount  int
}

// ScrapeFailedEvent signals a scrape failed or timed out.
type ScrapeFailedEvent struct {
	MissionID string
	WorkerID  string
	SessionID string
	Error     string
	ErrorCode string
}

// MissionAssignedEvent signals a queued mission was allocated to a worker.
type MissionAssignedEvent struct {
	MissionID string
	WorkerID  string
}

// MissionCompleteEvent signals a mission reached DONE.
type MissionCompleteEvent struct {
	MissionID string
	AdsCount  int
}

// MissionFailedEvent signals a mission exhausted its retries.
type MissionFailedEvent struct {
	MissionID string
	Error     string
	ErrorCode string
}

// WriterStartedEvent signals a writer job was accepted.
type WriterStartedEvent struct {
	MissionID string
	JobID     string
}

// OrchestratorStartedEvent marks a successful controller start.
type OrchestratorStartedEvent struct{}

// OrchestratorStoppedEvent marks a controller stop.
type OrchestratorStoppedEvent struct{}

// EventName implementations binding each payload to its topic.
func (SessionReadyEvent) EventName() Name         { return SessionReady }
func (SessionErrorEvent) EventName() Name         { return SessionError }
func (SessionEndRequestedEvent) EventName() Name  { return SessionEndRequested }
func (SessionTerminatedEvent) EventName() Name    { return SessionTerminated }
func (WorkerRequestSessionEvent) EventName() Name { return WorkerRequestSession }
func (WorkerSessionFailedEvent) EventName() Name  { return WorkerSessionFailed }
func (ScrapeStartedEvent) EventName() Name        { return ScrapeStarted }
func (ScrapeCompleteEvent) EventName() Name       { return ScrapeComplete }
func (ScrapeFailedEvent) EventName() Name         { return ScrapeFailed }
func (MissionAssignedEvent) EventName() Name      { return MissionAssigned }
func (MissionCompleteEvent) EventName() Name      { return MissionComplete }
func (MissionFailedEvent) EventName() Name        { return MissionFailed }
func (WriterStartedEvent) EventName() Name        { return WriterStarted }
func (OrchestratorStartedEvent) EventName() Name  { return OrchestratorStarted }
func (OrchestratorStoppedEvent) EventName() Name  { return OrchestratorStopped }

// Record is one history entry kept by the bus for observability.
type Record struct {
	Event     Name      `json:"event"`
	Payload   Event     `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}
