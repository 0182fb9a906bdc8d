// Package orchestrator contains the event-driven engine: the session,
// worker, and mission managers, and the controller that wires them to the
// bus and the datastore. Managers never call each other; every
// cross-manager transition travels over the bus.
package orchestrator

import (
	"context"
	"net/http"

	"github.com/deeptube/mission-control/internal/domain"
	"github.com/deeptube/mission-control/internal/remote"
)

// WorkerAPI is the slice of the worker HTTP contract the managers consume.
type WorkerAPI interface {
	StartSession(ctx context.Context, params remote.StartSessionParams) error
	SessionStatus(ctx context.Context) (remote.SessionStatus, error)
	EndSession(ctx context.Context) error
	StartScrape(ctx context.Context, params remote.ScrapeParams) (string, error)
	ScrapeStatus(ctx context.Context, jobID string) (remote.ScrapeStatus, error)
	CancelScrape(ctx context.Context, jobID string) error
}

// WriterAPI is the slice of the writer HTTP contract the managers consume.
type WriterAPI interface {
	StartProcess(ctx context.Context, params remote.ProcessParams) (string, error)
	ProcessStatus(ctx context.Context, jobID string) (remote.ProcessStatus, error)
}

// WorkerDialer binds a client to one registered worker.
type WorkerDialer func(domain.Worker) WorkerAPI

// WriterDialer binds a client to one registered writer.
type WriterDialer func(domain.Writer) WriterAPI

// HTTPWorkerDialer dials workers over HTTP with the given client.
func HTTPWorkerDialer(client *http.Client) WorkerDialer {
	return func(w domain.Worker) WorkerAPI {
		return remote.NewWorkerClient(w, client)
	}
}

// HTTPWriterDialer dials writers over HTTP with the given client.
func HTTPWriterDialer(client *http.Client) WriterDialer {
	return func(w domain.Writer) WriterAPI {
		return remote.NewWriterClient(w, client)
	}
}
