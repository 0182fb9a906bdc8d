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

// MissionManager owns the mission queue and the retry/terminal decisions:
// it assigns queued missions to idle workers, turns scrape results into
// requeues or failures, and drives the best-effort writer step. Writer
// problems never fail a mission; they only skip the persistence stage.
type MissionManager struct {
	store  store.Store
	bus    *bus.Bus
	cfg    Config
	clock  domain.Clock
	dial   WriterDialer
	logger *zap.Logger

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	unsubs  []func()

	mu      sync.Mutex
	writers map[string]*writerTrack
}

type writerTrack struct {
	writer    domain.Writer
	jobID     string
	startedAt time.Time
}

// NewMissionManager wires a mission manager; Start arms it.
func NewMissionManager(st store.Store, b *bus.Bus, cfg Config, clock domain.Clock, dial WriterDialer, logger *zap.Logger) *MissionManager {
	return &MissionManager{
		store:   st,
		bus:     b,
		cfg:     cfg,
		clock:   clock,
		dial:    dial,
		logger:  logger.Named("mission_manager"),
		writers: make(map[string]*writerTrack),
	}
}

// Start subscribes to scrape outcomes and launches the queue/writer loop.
func (m *MissionManager) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return nil
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.unsubs = append(m.unsubs,
		m.bus.Subscribe(bus.ScrapeComplete, func(evt bus.Event) {
			e, ok := evt.(bus.ScrapeCompleteEvent)
			if !ok {
				return
			}
			m.handleScrapeComplete(m.ctx, e)
		}),
		m.bus.Subscribe(bus.ScrapeFailed, func(evt bus.Event) {
			e, ok := evt.(bus.ScrapeFailedEvent)
			if !ok {
				return
			}
			m.handleScrapeFailed(m.ctx, e)
		}),
		m.bus.Subscribe(bus.WorkerSessionFailed, func(evt bus.Event) {
			e, ok := evt.(bus.WorkerSessionFailedEvent)
			if !ok {
				return
			}
			m.handleWorkerSessionFailed(m.ctx, e)
		}),
	)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		runLoop(m.ctx, "mission_poll", m.cfg.MissionPollingInterval, m.cfg.MaxBackoffInterval, m.logger, m.tick)
	}()

	m.logger.Info("mission manager started",
		zap.Duration("polling_interval", m.cfg.MissionPollingInterval),
		zap.Int("max_mission_retries", m.cfg.MaxMissionRetries),
	)
	return nil
}

// Stop halts the loop and unsubscribes from the bus.
func (m *MissionManager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	m.cancel()
	m.wg.Wait()
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil
	m.logger.Info("mission manager stopped")
}

// ActiveWriters reports how many writer jobs are being tracked.
func (m *MissionManager) ActiveWriters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writers)
}

// tick runs one assignment pass over idle workers and one poll pass over
// missions in the writing stage.
func (m *MissionManager) tick(ctx context.Context) error {
	if err := m.assignQueued(ctx); err != nil {
		return err
	}
	return m.pollWriters(ctx)
}

func (m *MissionManager) assignQueued(ctx context.Context) error {
	idle, err := m.store.ListIdleWorkers(ctx)
	if err != nil {
		return fmt.Errorf("list idle workers: %w", err)
	}
	for _, worker := range idle {
		mission, err := m.store.AllocateMissionToWorker(ctx, worker.ID)
		if err != nil {
			return fmt.Errorf("allocate mission to worker %s: %w", worker.ID, err)
		}
		if mission == nil {
			// Empty queue; nothing for the remaining idle workers either.
			return nil
		}
		metrics.IncMissionsRunning()
		m.appendLog(ctx, mission.ID, domain.LogMissionAssigned, fmt.Sprintf("worker %s", worker.Name))
		m.logger.Info("mission allocated",
			zap.String("mission_id", mission.ID),
			zap.String("worker_id", worker.ID),
			zap.Int("retry_count", mission.RetryCount),
		)
		m.bus.Emit(bus.MissionAssignedEvent{MissionID: mission.ID, WorkerID: worker.ID})
	}
	return nil
}

func (m *MissionManager) handleScrapeComplete(ctx context.Context, e bus.ScrapeCompleteEvent) {
	if err := m.store.SetMissionScrapeResult(ctx, e.MissionID, e.AdsCount, e.DataURL); err != nil {
		m.logger.Error("persist scrape result", zap.String("mission_id", e.MissionID), zap.Error(err))
	}
	// The session's job is done regardless of what the writer step does.
	if e.SessionID != "" {
		m.bus.Emit(bus.SessionEndRequestedEvent{SessionID: e.SessionID})
	}
	m.startWriter(ctx, e.MissionID, e.DataURL)
}

func (m *MissionManager) handleScrapeFailed(ctx context.Context, e bus.ScrapeFailedEvent) {
	if e.SessionID != "" {
		m.bus.Emit(bus.SessionEndRequestedEvent{SessionID: e.SessionID})
	}
	m.retryOrFail(ctx, e.MissionID, e.ErrorCode, e.Error)
}

func (m *MissionManager) handleWorkerSessionFailed(ctx context.Context, e bus.WorkerSessionFailedEvent) {
	mission, err := m.store.GetMission(ctx, e.MissionID)
	if err == nil && mission.SessionID != "" {
		m.bus.Emit(bus.SessionEndRequestedEvent{SessionID: mission.SessionID})
	}
	m.retryOrFail(ctx, e.MissionID, domain.CodeSessionInitFailed, e.Error)
}

// retryOrFail requeues the mission while retries remain, and otherwise
// fails it permanently with the originating error code.
func (m *MissionManager) retryOrFail(ctx context.Context, missionID, code, msg string) {
	mission, err := m.store.GetMission(ctx, missionID)
	if err != nil {
		m.logger.Error("load mission for retry decision", zap.String("mission_id", missionID), zap.Error(err))
		return
	}
	if mission.Status == domain.MissionFailed || mission.Status == domain.MissionDone {
		return
	}

	// The incremented count must stay strictly below the cap for a
	// requeue, so a cap of N allows N-1 requeues.
	if next := mission.RetryCount + 1; next < m.cfg.MaxMissionRetries {
		if err := m.store.RequeueMission(ctx, missionID, next); err != nil {
			m.logger.Error("requeue mission", zap.String("mission_id", missionID), zap.Error(err))
			return
		}
		metrics.ObserveMissionRetry()
		metrics.DecMissionsRunning()
		m.appendLog(ctx, missionID, domain.LogMissionRetry, fmt.Sprintf("attempt %d after %s: %s", next, code, msg))
		m.logger.Warn("mission requeued",
			zap.String("mission_id", missionID),
			zap.Int("retry_count", next),
			zap.String("error_code", code),
		)
		return
	}

	if err := m.store.FailMission(ctx, missionID, code, msg); err != nil {
		m.logger.Error("fail mission", zap.String("mission_id", missionID), zap.Error(err))
		return
	}
	metrics.ObserveMissionOutcome("failed")
	metrics.DecMissionsRunning()
	m.logger.Error("mission failed permanently",
		zap.String("mission_id", missionID),
		zap.Int("retry_count", mission.RetryCount),
		zap.String("error_code", code),
		zap.String("reason", msg),
	)
	m.bus.Emit(bus.MissionFailedEvent{MissionID: missionID, Error: msg, ErrorCode: code})
}

// startWriter hands the scraped data to an active writer. No writer, or a
// writer that refuses the job, completes the mission immediately.
func (m *MissionManager) startWriter(ctx context.Context, missionID, dataURL string) {
	writer, err := m.store.ActiveWriter(ctx)
	if err != nil {
		m.logger.Warn("select writer", zap.String("mission_id", missionID), zap.Error(err))
		m.completeMission(ctx, missionID)
		return
	}
	if writer == nil {
		m.logger.Warn("no active writer; skipping persistence step", zap.String("mission_id", missionID))
		m.completeMission(ctx, missionID)
		return
	}

	jobID, err := m.dial(*writer).StartProcess(ctx, remote.ProcessParams{DataURL: dataURL, MissionID: missionID})
	if err != nil {
		m.logger.Warn("writer refused job; skipping persistence step",
			zap.String("mission_id", missionID),
			zap.String("writer_id", writer.ID),
			zap.Error(err),
		)
		m.completeMission(ctx, missionID)
		return
	}

	if err := m.store.MarkMissionWriting(ctx, missionID, jobID); err != nil {
		m.logger.Error("mark mission writing", zap.String("mission_id", missionID), zap.Error(err))
	}
	m.appendLog(ctx, missionID, domain.LogWriterStarted, fmt.Sprintf("job %s on writer %s", jobID, writer.Name))

	m.mu.Lock()
	m.writers[missionID] = &writerTrack{writer: *writer, jobID: jobID, startedAt: m.clock.Now()}
	m.mu.Unlock()

	m.logger.Info("writer started",
		zap.String("mission_id", missionID),
		zap.String("writer_id", writer.ID),
		zap.String("job_id", jobID),
	)
	m.bus.Emit(bus.WriterStartedEvent{MissionID: missionID, JobID: jobID})
}

// pollWriters walks missions in the writing stage. Every outcome ends in
// completion: writer success, writer failure, writer disappearance, and
// timeout all finish the mission.
func (m *MissionManager) pollWriters(ctx context.Context) error {
	missions, err := m.store.ListMissionsAtCheckpoint(ctx, domain.MissionRunning, domain.CheckpointWriting)
	if err != nil {
		return fmt.Errorf("list writing missions: %w", err)
	}
	for _, mission := range missions {
		m.pollWriterOne(ctx, mission)
	}
	return nil
}

func (m *MissionManager) pollWriterOne(ctx context.Context, mission domain.Mission) {
	m.mu.Lock()
	track := m.writers[mission.ID]
	m.mu.Unlock()

	startedAt := m.clock.Now()
	jobID := mission.WriterJobID
	if track != nil {
		startedAt = track.startedAt
		jobID = track.jobID
	} else if mission.StartedAt != nil {
		startedAt = *mission.StartedAt
	}

	if m.clock.Now().Sub(startedAt) > m.cfg.WriterTimeout {
		m.logger.Warn("writer timed out; completing mission", zap.String("mission_id", mission.ID))
		m.completeMission(ctx, mission.ID)
		return
	}

	var writer *domain.Writer
	if track != nil {
		writer = &track.writer
	} else {
		w, err := m.store.ActiveWriter(ctx)
		if err != nil {
			m.logger.Warn("select writer for poll", zap.String("mission_id", mission.ID), zap.Error(err))
			return
		}
		writer = w
	}
	if writer == nil {
		m.logger.Warn("writer disappeared; completing mission", zap.String("mission_id", mission.ID))
		m.completeMission(ctx, mission.ID)
		return
	}

	status, err := m.dial(*writer).ProcessStatus(ctx, jobID)
	if err != nil {
		// Transient; the timeout bounds how long this can go on.
		m.logger.Warn("writer status poll failed", zap.String("mission_id", mission.ID), zap.Error(err))
		return
	}

	switch status.Status {
	case "completed", "done":
		m.completeMission(ctx, mission.ID)
	case "failed", "error":
		m.logger.Warn("writer reported failure; completing mission anyway",
			zap.String("mission_id", mission.ID),
			zap.String("error", status.Error),
		)
		m.completeMission(ctx, mission.ID)
	default:
		// Still processing.
	}
}

// completeMission finalizes a mission as DONE and emits mission:complete
// with the final ads count.
func (m *MissionManager) completeMission(ctx context.Context, missionID string) {
	mission, err := m.store.GetMission(ctx, missionID)
	if err != nil {
		m.logger.Error("load mission for completion", zap.String("mission_id", missionID), zap.Error(err))
		return
	}
	if mission.Status == domain.MissionDone || mission.Status == domain.MissionFailed {
		return
	}
	if err := m.store.CompleteMission(ctx, missionID); err != nil {
		m.logger.Error("complete mission", zap.String("mission_id", missionID), zap.Error(err))
		return
	}

	m.mu.Lock()
	delete(m.writers, missionID)
	m.mu.Unlock()

	metrics.ObserveMissionOutcome("done")
	metrics.DecMissionsRunning()
	if mission.StartedAt != nil {
		metrics.ObserveMissionDuration(m.clock.Now().Sub(*mission.StartedAt))
	}
	m.appendLog(ctx, missionID, domain.LogMissionComplete, fmt.Sprintf("%d ads", mission.AdsCount))
	m.logger.Info("mission complete",
		zap.String("mission_id", missionID),
		zap.Int("ads_count", mission.AdsCount),
	)
	m.bus.Emit(bus.MissionCompleteEvent{MissionID: missionID, AdsCount: mission.AdsCount})
}

func (m *MissionManager) appendLog(ctx context.Context, missionID, event, details string) {
	if err := m.store.AppendMissionLog(ctx, domain.MissionLog{
		MissionID: missionID,
		Event:     event,
		Details:   details,
		Timestamp: m.clock.Now(),
	}); err != nil {
		m.logger.Warn("append mission log", zap.String("mission_id", missionID), zap.Error(err))
	}
}
