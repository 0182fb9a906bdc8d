package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/deeptube/mission-control/internal/bus"
	"github.com/deeptube/mission-control/internal/domain"
	"github.com/deeptube/mission-control/internal/metrics"
	"github.com/deeptube/mission-control/internal/remote"
	"github.com/deeptube/mission-control/internal/store"
)

// The sort key workers use to prioritize which ads to extract first.
const scrapeSortBy = "qtd_ads"

// Fallback storage host for workers registered without a storage_domain.
const defaultStorageDomain = "https://deeptube.jobstorage.space"

// scrapeDataURL is where the worker's storage exposes a finished job's
// extracted ads.
func scrapeDataURL(w domain.Worker, jobID string) string {
	base := w.StorageDomain
	if base == "" {
		base = defaultStorageDomain
	}
	return base + "/data/" + jobID + ".json"
}

// WorkerManager owns worker occupancy and the scrape-job state machine:
// it reacts to mission assignment by requesting a session, starts a
// scrape once the session is ready, and polls running scrapes to a
// complete or failed result. It never decides a mission's fate; that is
// emitted for the mission manager.
type WorkerManager struct {
	store  store.Store
	bus    *bus.Bus
	cfg    Config
	clock  domain.Clock
	dial   WorkerDialer
	logger *zap.Logger

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	unsubs  []func()

	mu      sync.Mutex
	pending map[string]string // worker id -> mission id awaiting a session
	scrapes map[string]*scrapeTrack
}

type scrapeTrack struct {
	workerID  string
	sessionID string
	jobID     string
	startedAt time.Time
}

// NewWorkerManager wires a worker manager; Start arms it.
func NewWorkerManager(st store.Store, b *bus.Bus, cfg Config, clock domain.Clock, dial WorkerDialer, logger *zap.Logger) *WorkerManager {
	return &WorkerManager{
		store:   st,
		bus:     b,
		cfg:     cfg,
		clock:   clock,
		dial:    dial,
		logger:  logger.Named("worker_manager"),
		pending: make(map[string]string),
		scrapes: make(map[string]*scrapeTrack),
	}
}

// Start resets worker occupancy left by a prior run, subscribes to the
// bus, and launches the scrape polling loop.
func (m *WorkerManager) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return nil
	}

	if err := m.store.ResetWorkerStatuses(ctx); err != nil {
		m.running.Store(false)
		return fmt.Errorf("reset worker statuses: %w", err)
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.unsubs = append(m.unsubs,
		m.bus.Subscribe(bus.MissionAssigned, func(evt bus.Event) {
			e, ok := evt.(bus.MissionAssignedEvent)
			if !ok {
				return
			}
			m.handleMissionAssigned(m.ctx, e)
		}),
		m.bus.Subscribe(bus.SessionReady, func(evt bus.Event) {
			e, ok := evt.(bus.SessionReadyEvent)
			if !ok {
				return
			}
			m.handleSessionReady(m.ctx, e)
		}),
		m.bus.Subscribe(bus.SessionError, func(evt bus.Event) {
			e, ok := evt.(bus.SessionErrorEvent)
			if !ok {
				return
			}
			m.handleSessionError(m.ctx, e)
		}),
		m.bus.Subscribe(bus.SessionTerminated, func(evt bus.Event) {
			e, ok := evt.(bus.SessionTerminatedEvent)
			if !ok {
				return
			}
			m.handleSessionTerminated(m.ctx, e)
		}),
	)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		runLoop(m.ctx, "scrape_poll", m.cfg.WorkerPollingInterval, m.cfg.MaxBackoffInterval, m.logger, m.pollScrapes)
	}()

	m.logger.Info("worker manager started",
		zap.Duration("polling_interval", m.cfg.WorkerPollingInterval),
		zap.Duration("scrape_timeout", m.cfg.ScrapeTimeout),
	)
	return nil
}

// Stop halts the polling loop and unsubscribes from the bus.
func (m *WorkerManager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	m.cancel()
	m.wg.Wait()
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil
	m.logger.Info("worker manager stopped")
}

// PendingMissions reports how many workers are waiting on a session.
func (m *WorkerManager) PendingMissions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// ActiveScrapes reports how many scrape jobs are being tracked.
func (m *WorkerManager) ActiveScrapes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.scrapes)
}

func (m *WorkerManager) handleMissionAssigned(ctx context.Context, e bus.MissionAssignedEvent) {
	if err := m.store.SetWorkerStatus(ctx, e.WorkerID, domain.WorkerWaitingSession); err != nil {
		m.logger.Error("set worker waiting_session", zap.String("worker_id", e.WorkerID), zap.Error(err))
		return
	}

	m.mu.Lock()
	m.pending[e.WorkerID] = e.MissionID
	m.mu.Unlock()

	m.logger.Info("mission assigned, requesting session",
		zap.String("mission_id", e.MissionID),
		zap.String("worker_id", e.WorkerID),
	)
	m.bus.Emit(bus.WorkerRequestSessionEvent{WorkerID: e.WorkerID, MissionID: e.MissionID})
}

func (m *WorkerManager) handleSessionReady(ctx context.Context, e bus.SessionReadyEvent) {
	m.mu.Lock()
	missionID, ok := m.pending[e.WorkerID]
	if ok {
		delete(m.pending, e.WorkerID)
	}
	m.mu.Unlock()

	// A ready session with no pending mission is a no-op: the mission may
	// already have been failed or cancelled.
	if !ok {
		m.logger.Warn("session ready with no pending mission",
			zap.String("session_id", e.SessionID),
			zap.String("worker_id", e.WorkerID),
		)
		return
	}

	if err := m.store.SetWorkerStatus(ctx, e.WorkerID, domain.WorkerReady); err != nil {
		m.logger.Error("set worker ready", zap.String("worker_id", e.WorkerID), zap.Error(err))
	}
	if err := m.store.SetSessionStatus(ctx, e.SessionID, domain.SessionActive); err != nil {
		m.logger.Error("set session active", zap.String("session_id", e.SessionID), zap.Error(err))
	}

	m.startScrape(ctx, missionID, e.WorkerID, e.SessionID)
}

// handleSessionError is the sole path by which a session failure becomes
// a mission-level decision.
func (m *WorkerManager) handleSessionError(ctx context.Context, e bus.SessionErrorEvent) {
	m.mu.Lock()
	missionID, ok := m.pending[e.WorkerID]
	if ok {
		delete(m.pending, e.WorkerID)
	}
	m.mu.Unlock()

	if err := m.store.SetWorkerStatus(ctx, e.WorkerID, domain.WorkerIdle); err != nil {
		m.logger.Error("reset worker after session error", zap.String("worker_id", e.WorkerID), zap.Error(err))
	}
	if !ok {
		return
	}

	m.logger.Warn("session failed for pending mission",
		zap.String("mission_id", missionID),
		zap.String("worker_id", e.WorkerID),
		zap.String("error_code", e.ErrorCode),
	)
	m.bus.Emit(bus.WorkerSessionFailedEvent{WorkerID: e.WorkerID, MissionID: missionID, Error: e.Error})
}

// handleSessionTerminated protects against a session ended out-of-band
// while a scrape was still tracked for it.
func (m *WorkerManager) handleSessionTerminated(ctx context.Context, e bus.SessionTerminatedEvent) {
	m.mu.Lock()
	var workerID string
	for missionID, track := range m.scrapes {
		if track.sessionID == e.SessionID {
			workerID = track.workerID
			delete(m.scrapes, missionID)
		}
	}
	m.mu.Unlock()

	if workerID == "" {
		return
	}
	m.logger.Warn("session terminated while scrape tracked; resetting worker",
		zap.String("session_id", e.SessionID),
		zap.String("worker_id", workerID),
	)
	if err := m.store.SetWorkerStatus(ctx, workerID, domain.WorkerIdle); err != nil {
		m.logger.Error("reset worker after termination", zap.String("worker_id", workerID), zap.Error(err))
	}
}

func (m *WorkerManager) startScrape(ctx context.Context, missionID, workerID, sessionID string) {
	mission, err := m.store.GetMission(ctx, missionID)
	if err != nil {
		m.logger.Error("load mission for scrape", zap.String("mission_id", missionID), zap.Error(err))
		m.failScrapeStart(ctx, missionID, workerID, sessionID, err.Error())
		return
	}
	worker, err := m.store.GetWorker(ctx, workerID)
	if err != nil {
		m.logger.Error("load worker for scrape", zap.String("worker_id", workerID), zap.Error(err))
		m.failScrapeStart(ctx, missionID, workerID, sessionID, err.Error())
		return
	}

	params := remote.ScrapeParams{
		DateRange: remote.DateRange{Start: mission.DateStart, End: mission.DateEnd},
		Languages: mission.Languages,
		SortBy:    scrapeSortBy,
		Options: remote.ScrapeOptions{
			MaxAds:    m.cfg.MaxAds,
			BatchSize: m.cfg.BatchSize,
		},
	}
	// "all" is expressed by omitting the format filter.
	if mission.MediaType != domain.MediaAll {
		params.Format = string(mission.MediaType)
	}
	jobID, err := m.dial(worker).StartScrape(ctx, params)
	if err != nil {
		m.failScrapeStart(ctx, missionID, workerID, sessionID, err.Error())
		return
	}

	if err := m.store.SetWorkerStatus(ctx, workerID, domain.WorkerScraping); err != nil {
		m.logger.Error("set worker scraping", zap.String("worker_id", workerID), zap.Error(err))
	}
	if err := m.store.MarkMissionScraping(ctx, missionID, workerID, sessionID, jobID); err != nil {
		m.logger.Error("mark mission scraping", zap.String("mission_id", missionID), zap.Error(err))
	}
	m.appendLog(ctx, missionID, domain.LogScrapeStarted, fmt.Sprintf("job %s on worker %s", jobID, worker.Name))

	m.mu.Lock()
	m.scrapes[missionID] = &scrapeTrack{
		workerID:  workerID,
		sessionID: sessionID,
		jobID:     jobID,
		startedAt: m.clock.Now(),
	}
	m.mu.Unlock()

	m.logger.Info("scrape started",
		zap.String("mission_id", missionID),
		zap.String("worker_id", workerID),
		zap.String("job_id", jobID),
	)
	m.bus.Emit(bus.ScrapeStartedEvent{MissionID: missionID, WorkerID: workerID, JobID: jobID})
}

func (m *WorkerManager) failScrapeStart(ctx context.Context, missionID, workerID, sessionID, msg string) {
	if err := m.store.SetWorkerStatus(ctx, workerID, domain.WorkerIdle); err != nil {
		m.logger.Error("reset worker after scrape start failure", zap.String("worker_id", workerID), zap.Error(err))
	}
	m.bus.Emit(bus.ScrapeFailedEvent{
		MissionID: missionID,
		WorkerID:  workerID,
		SessionID: sessionID,
		Error:     msg,
		ErrorCode: domain.CodeScrapeStartFailed,
	})
}

// pollScrapes is one tick of the scrape polling loop over every mission
// currently extracting.
func (m *WorkerManager) pollScrapes(ctx context.Context) error {
	missions, err := m.store.ListMissionsAtCheckpoint(ctx, domain.MissionRunning, domain.CheckpointScraping)
	if err != nil {
		return fmt.Errorf("list scraping missions: %w", err)
	}
	for _, mission := range missions {
		m.pollOne(ctx, mission)
	}
	return nil
}

func (m *WorkerManager) pollOne(ctx context.Context, mission domain.Mission) {
	m.mu.Lock()
	track := m.scrapes[mission.ID]
	m.mu.Unlock()

	startedAt := m.clock.Now()
	jobID := mission.WorkerJobID
	sessionID := mission.SessionID
	if track != nil {
		startedAt = track.startedAt
		jobID = track.jobID
		sessionID = track.sessionID
	} else if mission.StartedAt != nil {
		startedAt = *mission.StartedAt
	}

	elapsed := m.clock.Now().Sub(startedAt)
	if elapsed > m.cfg.ScrapeTimeout {
		m.finishScrapeFailed(ctx, mission, sessionID, domain.CodeScrapeStartFailed,
			fmt.Sprintf("scrape timed out after %s", elapsed.Truncate(time.Second)))
		return
	}

	worker, err := m.store.GetWorker(ctx, mission.WorkerID)
	if err != nil {
		m.logger.Warn("load worker for scrape poll", zap.String("mission_id", mission.ID), zap.Error(err))
		return
	}
	status, err := m.dial(worker).ScrapeStatus(ctx, jobID)
	if err != nil {
		m.logger.Warn("scrape status poll failed",
			zap.String("mission_id", mission.ID),
			zap.String("job_id", jobID),
			zap.Error(err),
		)
		return
	}

	switch status.Status {
	case "completed", "done":
		m.finishScrapeComplete(ctx, mission, worker, sessionID, jobID, status)
	case "failed", "error":
		msg := status.Error
		if msg == "" {
			msg = "worker reported scrape failure"
		}
		m.finishScrapeFailed(ctx, mission, sessionID, domain.CodeScrapeFailed, msg)
	default:
		// Still running.
	}
}

func (m *WorkerManager) finishScrapeComplete(ctx context.Context, mission domain.Mission, worker domain.Worker, sessionID, jobID string, status remote.ScrapeStatus) {
	ads := status.Scraped()
	m.releaseWorker(ctx, mission.ID, mission.WorkerID)
	metrics.ObserveScrapeAds(ads)
	m.appendLog(ctx, mission.ID, domain.LogScrapeComplete, fmt.Sprintf("%d ads", ads))
	m.logger.Info("scrape complete",
		zap.String("mission_id", mission.ID),
		zap.Int("ads_count", ads),
	)
	m.bus.Emit(bus.ScrapeCompleteEvent{
		MissionID: mission.ID,
		WorkerID:  mission.WorkerID,
		SessionID: sessionID,
		DataURL:   scrapeDataURL(worker, jobID),
		AdsCount:  ads,
	})
}

func (m *WorkerManager) finishScrapeFailed(ctx context.Context, mission domain.Mission, sessionID, code, msg string) {
	m.releaseWorker(ctx, mission.ID, mission.WorkerID)
	m.appendLog(ctx, mission.ID, domain.LogScrapeFailed, msg)
	m.logger.Warn("scrape failed",
		zap.String("mission_id", mission.ID),
		zap.String("error_code", code),
		zap.String("reason", msg),
	)
	m.bus.Emit(bus.ScrapeFailedEvent{
		MissionID: mission.ID,
		WorkerID:  mission.WorkerID,
		SessionID: sessionID,
		Error:     msg,
		ErrorCode: code,
	})
}

func (m *WorkerManager) releaseWorker(ctx context.Context, missionID, workerID string) {
	m.mu.Lock()
	delete(m.scrapes, missionID)
	m.mu.Unlock()
	if workerID == "" {
		return
	}
	if err := m.store.SetWorkerStatus(ctx, workerID, domain.WorkerIdle); err != nil {
		m.logger.Error("release worker", zap.String("worker_id", workerID), zap.Error(err))
	}
}

func (m *WorkerManager) appendLog(ctx context.Context, missionID, event, details string) {
	if err := m.store.AppendMissionLog(ctx, domain.MissionLog{
		MissionID: missionID,
		Event:     event,
		Details:   details,
		Timestamp: m.clock.Now(),
	}); err != nil {
		m.logger.Warn("append mission log", zap.String("mission_id", missionID), zap.Error(err))
	}
}
