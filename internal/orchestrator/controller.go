package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/deeptube/mission-control/internal/bus"
	"github.com/deeptube/mission-control/internal/config"
	"github.com/deeptube/mission-control/internal/domain"
	"github.com/deeptube/mission-control/internal/metrics"
	"github.com/deeptube/mission-control/internal/store"
)

const statusHistoryLimit = 50

// Controller is the composition root of the engine: it resolves the
// runtime tunables, builds fresh managers on every start, and exposes the
// operations the API layer calls.
type Controller struct {
	cfg        config.Config
	store      store.Store
	bus        *bus.Bus
	clock      domain.Clock
	ids        domain.IDGenerator
	workerDial WorkerDialer
	writerDial WriterDialer
	logger     *zap.Logger

	mu       sync.Mutex
	running  bool
	sessions *SessionManager
	workers  *WorkerManager
	missions *MissionManager
}

// ControllerOptions carries the controller's collaborators.
type ControllerOptions struct {
	Config     config.Config
	Store      store.Store
	Bus        *bus.Bus
	Clock      domain.Clock
	IDs        domain.IDGenerator
	WorkerDial WorkerDialer
	WriterDial WriterDialer
	Logger     *zap.Logger
}

// NewController wires a stopped controller.
func NewController(opts ControllerOptions) *Controller {
	return &Controller{
		cfg:        opts.Config,
		store:      opts.Store,
		bus:        opts.Bus,
		clock:      opts.Clock,
		ids:        opts.IDs,
		workerDial: opts.WorkerDial,
		writerDial: opts.WriterDial,
		logger:     opts.Logger.Named("controller"),
	}
}

// Start resolves the runtime configuration and starts the managers in
// dependency order: sessions must be pollable before workers request
// them, and workers must be tracked before missions assign to them.
// Starting a running controller is a no-op.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	rc := ConfigFrom(c.cfg.Orchestrator, c.cfg.Scrape)
	settings, err := c.store.Settings(ctx)
	if err != nil {
		c.logger.Warn("load settings; using compiled defaults", zap.Error(err))
	} else {
		rc = rc.ApplySettings(settings)
	}

	c.sessions = NewSessionManager(c.store, c.bus, rc, c.clock, c.ids, c.workerDial, c.logger)
	c.workers = NewWorkerManager(c.store, c.bus, rc, c.clock, c.workerDial, c.logger)
	c.missions = NewMissionManager(c.store, c.bus, rc, c.clock, c.writerDial, c.logger)

	if err := c.sessions.Start(ctx); err != nil {
		return fmt.Errorf("start session manager: %w", err)
	}
	if err := c.workers.Start(ctx); err != nil {
		c.sessions.Stop()
		return fmt.Errorf("start worker manager: %w", err)
	}
	if err := c.missions.Start(ctx); err != nil {
		c.workers.Stop()
		c.sessions.Stop()
		return fmt.Errorf("start mission manager: %w", err)
	}

	c.running = true
	c.logger.Info("orchestrator started",
		zap.Duration("mission_polling_interval", rc.MissionPollingInterval),
		zap.Duration("session_polling_interval", rc.SessionPollingInterval),
	)
	c.bus.Emit(bus.OrchestratorStartedEvent{})
	return nil
}

// Stop halts the managers in reverse start order. Stopping a stopped
// controller is a no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}

	c.missions.Stop()
	c.workers.Stop()
	c.sessions.Stop()
	c.running = false

	c.logger.Info("orchestrator stopped")
	c.bus.Emit(bus.OrchestratorStoppedEvent{})
}

// Running reports whether the managers are active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// CancelMission terminates a mission on operator request, bypassing the
// retry logic: its session is ended, any running scrape job is aborted
// best-effort, and the mission is failed with the cancellation code.
func (c *Controller) CancelMission(ctx context.Context, missionID string) error {
	mission, err := c.store.GetMission(ctx, missionID)
	if err != nil {
		return fmt.Errorf("load mission: %w", err)
	}
	if mission.Status == domain.MissionDone || mission.Status == domain.MissionFailed {
		return fmt.Errorf("mission %s is already terminal (%s)", missionID, mission.Status)
	}

	if mission.SessionID != "" {
		c.endSessionForCancel(ctx, mission.SessionID)
	}

	if mission.WorkerJobID != "" && mission.WorkerID != "" {
		if worker, err := c.store.GetWorker(ctx, mission.WorkerID); err == nil {
			if err := c.workerDial(worker).CancelScrape(ctx, mission.WorkerJobID); err != nil {
				c.logger.Warn("cancel scrape job failed",
					zap.String("mission_id", missionID),
					zap.String("job_id", mission.WorkerJobID),
					zap.Error(err),
				)
			}
		}
	}

	if err := c.store.FailMission(ctx, missionID, domain.CodeCancelled, "cancelled by operator"); err != nil {
		return fmt.Errorf("persist cancellation: %w", err)
	}
	if mission.WorkerID != "" {
		if err := c.store.SetWorkerStatus(ctx, mission.WorkerID, domain.WorkerIdle); err != nil {
			c.logger.Error("reset worker after cancel", zap.String("worker_id", mission.WorkerID), zap.Error(err))
		}
	}

	metrics.ObserveMissionOutcome("cancelled")
	if err := c.store.AppendMissionLog(ctx, domain.MissionLog{
		MissionID: missionID,
		Event:     domain.LogCancelled,
		Details:   "cancelled by operator",
		Timestamp: c.clock.Now(),
	}); err != nil {
		c.logger.Warn("append cancellation log", zap.String("mission_id", missionID), zap.Error(err))
	}
	c.logger.Info("mission cancelled", zap.String("mission_id", missionID))
	return nil
}

// endSessionForCancel prefers the live session manager; when the engine
// is stopped it falls back to direct store cleanup so cancellation still
// releases the proxy.
func (c *Controller) endSessionForCancel(ctx context.Context, sessionID string) {
	c.mu.Lock()
	sessions := c.sessions
	running := c.running
	c.mu.Unlock()

	if running && sessions != nil {
		sessions.EndSession(ctx, sessionID)
		return
	}

	s, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		c.logger.Warn("load session for cancel", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if s.Status.Terminal() {
		return
	}
	if err := c.store.MarkSessionEnded(ctx, sessionID, c.clock.Now()); err != nil {
		c.logger.Error("mark session ended", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if s.ProxyID != "" {
		if err := c.store.ReleaseProxy(ctx, s.ProxyID); err != nil {
			c.logger.Error("release proxy", zap.String("proxy_id", s.ProxyID), zap.Error(err))
		}
	}
}

// Status is the read-only aggregate the API exposes.
type Status struct {
	Running      bool           `json:"running"`
	Counters     map[string]int `json:"counters"`
	RecentEvents []bus.Record   `json:"recent_events"`
}

// GetStatus aggregates manager counters and the most recent bus records.
// It is side-effect-free and safe to poll.
func (c *Controller) GetStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	counters := map[string]int{
		"tracked_sessions": 0,
		"pending_missions": 0,
		"active_scrapes":   0,
		"active_writers":   0,
	}
	if c.running {
		counters["tracked_sessions"] = c.sessions.TrackedSessions()
		counters["pending_missions"] = c.workers.PendingMissions()
		counters["active_scrapes"] = c.workers.ActiveScrapes()
		counters["active_writers"] = c.missions.ActiveWriters()
	}

	return Status{
		Running:      c.running,
		Counters:     counters,
		RecentEvents: c.bus.History(statusHistoryLimit),
	}
}
