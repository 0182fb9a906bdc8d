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

func startSessionParams(p domain.Proxy, forceRefresh bool) remote.StartSessionParams {
	return remote.StartSessionParams{
		ForceRefresh: forceRefresh,
		Proxy: remote.ProxyCredentials{
			Server:   p.Server(),
			Username: p.Username,
			Password: p.Password,
		},
	}
}

// SessionManager owns the proxy-lease plus remote-session state machine:
// it creates sessions on request, polls the worker until the session is
// ready or broken, and tears sessions down when their work is done. All
// proxy leases and releases happen here.
type SessionManager struct {
	store  store.Store
	bus    *bus.Bus
	cfg    Config
	clock  domain.Clock
	ids    domain.IDGenerator
	dial   WorkerDialer
	logger *zap.Logger

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	unsubs  []func()

	mu      sync.Mutex
	tracked map[string]*sessionTrack
}

type sessionTrack struct {
	workerID     string
	missionID    string
	startedAt    time.Time
	readyEmitted bool
}

// NewSessionManager wires a session manager; Start arms it.
func NewSessionManager(st store.Store, b *bus.Bus, cfg Config, clock domain.Clock, ids domain.IDGenerator, dial WorkerDialer, logger *zap.Logger) *SessionManager {
	return &SessionManager{
		store:   st,
		bus:     b,
		cfg:     cfg,
		clock:   clock,
		ids:     ids,
		dial:    dial,
		logger:  logger.Named("session_manager"),
		tracked: make(map[string]*sessionTrack),
	}
}

// Start cleans up sessions orphaned by a prior run, subscribes to the bus,
// and launches the polling loop. Calling Start on a running manager is a
// no-op.
func (m *SessionManager) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return nil
	}

	if err := m.cleanupOrphans(ctx); err != nil {
		m.running.Store(false)
		return fmt.Errorf("session orphan cleanup: %w", err)
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.unsubs = append(m.unsubs,
		m.bus.Subscribe(bus.WorkerRequestSession, func(evt bus.Event) {
			req, ok := evt.(bus.WorkerRequestSessionEvent)
			if !ok {
				return
			}
			m.createSessionForWorker(m.ctx, req.WorkerID, req.MissionID, 0)
		}),
		m.bus.Subscribe(bus.SessionEndRequested, func(evt bus.Event) {
			req, ok := evt.(bus.SessionEndRequestedEvent)
			if !ok {
				return
			}
			m.EndSession(m.ctx, req.SessionID)
		}),
	)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		runLoop(m.ctx, "session_poll", m.cfg.SessionPollingInterval, m.cfg.MaxBackoffInterval, m.logger, m.pollSessions)
	}()

	m.logger.Info("session manager started",
		zap.Duration("polling_interval", m.cfg.SessionPollingInterval),
		zap.Duration("session_timeout", m.cfg.SessionTimeout),
	)
	return nil
}

// Stop halts the polling loop and unsubscribes from the bus. In-flight
// HTTP calls finish on their own; they are simply never scheduled again.
func (m *SessionManager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	m.cancel()
	m.wg.Wait()
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil
	m.logger.Info("session manager stopped")
}

// TrackedSessions reports how many live sessions the manager is watching.
func (m *SessionManager) TrackedSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracked)
}

// Sessions left non-terminal by a prior run are unrecoverable; their state
// on the worker side is unknown.
func (m *SessionManager) cleanupOrphans(ctx context.Context) error {
	orphans, err := m.store.ListSessionsByStatus(ctx,
		domain.SessionCreating, domain.SessionInitializing, domain.SessionReady, domain.SessionActive)
	if err != nil {
		return err
	}
	for _, s := range orphans {
		if err := m.store.MarkSessionError(ctx, s.ID, domain.CodeSessionInitFailed, "orphaned by restart"); err != nil {
			return err
		}
		m.logger.Warn("orphaned session forced to error", zap.String("session_id", s.ID), zap.String("worker_id", s.WorkerID))
	}
	if err := m.store.ReleaseAllProxies(ctx); err != nil {
		return err
	}
	return nil
}

// createSessionForWorker runs the full create attempt: session row, proxy
// lease, worker call. Create failures retry with a fresh proxy up to
// MaxSessionRetries; an empty proxy pool is terminal for the attempt.
func (m *SessionManager) createSessionForWorker(ctx context.Context, workerID, missionID string, retry int) {
	sessionID, err := m.ids.NewID()
	if err != nil {
		m.logger.Error("generate session id", zap.Error(err))
		m.emitSessionError(bus.SessionErrorEvent{
			WorkerID:  workerID,
			Error:     err.Error(),
			ErrorCode: domain.CodeSessionCreateFailed,
		})
		return
	}

	now := m.clock.Now()
	if err := m.store.CreateSession(ctx, domain.Session{
		ID:         sessionID,
		WorkerID:   workerID,
		Status:     domain.SessionCreating,
		RetryCount: retry,
		CreatedAt:  now,
	}); err != nil {
		m.logger.Error("create session row", zap.String("worker_id", workerID), zap.Error(err))
		m.emitSessionError(bus.SessionErrorEvent{
			SessionID: sessionID,
			WorkerID:  workerID,
			Error:     err.Error(),
			ErrorCode: domain.CodeSessionCreateFailed,
		})
		return
	}
	m.appendLog(ctx, missionID, domain.LogSessionStarted, fmt.Sprintf("session %s attempt %d", sessionID, retry+1))

	proxy, err := m.store.LeaseProxy(ctx, sessionID)
	if err != nil {
		m.failAttempt(ctx, sessionID, workerID, missionID, "", retry, domain.CodeSessionCreateFailed, fmt.Sprintf("lease proxy: %v", err))
		return
	}
	if proxy == nil {
		// Pool exhaustion is terminal for this attempt; retrying without
		// freeing a proxy cannot succeed.
		metrics.ObserveProxyLeaseFail()
		metrics.ObserveSessionOutcome("error")
		if err := m.store.MarkSessionError(ctx, sessionID, domain.CodeNoProxyAvailable, "no proxy available"); err != nil {
			m.logger.Error("mark session error", zap.String("session_id", sessionID), zap.Error(err))
		}
		m.emitSessionError(bus.SessionErrorEvent{
			SessionID: sessionID,
			WorkerID:  workerID,
			Error:     "no proxy available",
			ErrorCode: domain.CodeNoProxyAvailable,
		})
		return
	}

	if err := m.store.SetSessionProxy(ctx, sessionID, proxy.ID); err != nil {
		m.failAttempt(ctx, sessionID, workerID, missionID, proxy.ID, retry, domain.CodeSessionCreateFailed, fmt.Sprintf("bind proxy: %v", err))
		return
	}

	worker, err := m.store.GetWorker(ctx, workerID)
	if err != nil {
		m.failAttempt(ctx, sessionID, workerID, missionID, proxy.ID, retry, domain.CodeSessionCreateFailed, fmt.Sprintf("load worker: %v", err))
		return
	}

	params := startSessionParams(*proxy, retry > 0)
	if err := m.dial(worker).StartSession(ctx, params); err != nil {
		m.failAttempt(ctx, sessionID, workerID, missionID, proxy.ID, retry, domain.CodeSessionCreateFailed, fmt.Sprintf("start session: %v", err))
		return
	}

	if err := m.store.SetSessionStatus(ctx, sessionID, domain.SessionInitializing); err != nil {
		m.failAttempt(ctx, sessionID, workerID, missionID, proxy.ID, retry, domain.CodeSessionCreateFailed, fmt.Sprintf("persist initializing: %v", err))
		return
	}

	m.mu.Lock()
	m.tracked[sessionID] = &sessionTrack{workerID: workerID, missionID: missionID, startedAt: m.clock.Now()}
	m.mu.Unlock()

	m.logger.Info("session initializing",
		zap.String("session_id", sessionID),
		zap.String("worker_id", workerID),
		zap.String("proxy_id", proxy.ID),
		zap.Int("attempt", retry+1),
	)
}

// failAttempt releases the failed attempt's resources and either recurses
// with a fresh proxy or emits the terminal session error.
func (m *SessionManager) failAttempt(ctx context.Context, sessionID, workerID, missionID, proxyID string, retry int, code, msg string) {
	m.logger.Warn("session create attempt failed",
		zap.String("session_id", sessionID),
		zap.String("worker_id", workerID),
		zap.Int("attempt", retry+1),
		zap.String("reason", msg),
	)
	m.releaseProxyWithFault(ctx, proxyID)
	if err := m.store.MarkSessionError(ctx, sessionID, code, msg); err != nil {
		m.logger.Error("mark session error", zap.String("session_id", sessionID), zap.Error(err))
	}
	metrics.ObserveSessionOutcome("error")

	if retry < m.cfg.MaxSessionRetries {
		m.createSessionForWorker(ctx, workerID, missionID, retry+1)
		return
	}
	m.emitSessionError(bus.SessionErrorEvent{
		SessionID: sessionID,
		WorkerID:  workerID,
		ProxyID:   proxyID,
		Error:     fmt.Sprintf("max session retries exceeded: %s", msg),
		ErrorCode: domain.CodeSessionCreateFailed,
	})
}

// pollSessions is one tick of the session polling loop: timeout check,
// worker status fetch, phase bucketing, and the resulting transitions.
func (m *SessionManager) pollSessions(ctx context.Context) error {
	sessions, err := m.store.ListSessionsByStatus(ctx,
		domain.SessionInitializing, domain.SessionReady, domain.SessionActive)
	if err != nil {
		return fmt.Errorf("list live sessions: %w", err)
	}
	for _, s := range sessions {
		m.pollOne(ctx, s)
	}
	return nil
}

func (m *SessionManager) pollOne(ctx context.Context, s domain.Session) {
	m.mu.Lock()
	track := m.tracked[s.ID]
	m.mu.Unlock()

	startedAt := s.CreatedAt
	if track != nil {
		startedAt = track.startedAt
	}
	elapsed := m.clock.Now().Sub(startedAt)
	if elapsed > m.cfg.SessionTimeout {
		m.escalate(ctx, s, domain.CodeSessionTimeout, fmt.Sprintf("session timed out after %s", elapsed.Truncate(time.Second)))
		return
	}

	worker, err := m.store.GetWorker(ctx, s.WorkerID)
	if err != nil {
		m.logger.Warn("load worker for session poll", zap.String("session_id", s.ID), zap.Error(err))
		return
	}
	status, err := m.dial(worker).SessionStatus(ctx)
	if err != nil {
		fails := s.FailureCount + 1
		if err := m.store.SetSessionFailureCount(ctx, s.ID, fails); err != nil {
			m.logger.Error("persist failure count", zap.String("session_id", s.ID), zap.Error(err))
		}
		m.logger.Warn("session status poll failed",
			zap.String("session_id", s.ID),
			zap.Int("consecutive_failures", fails),
			zap.Error(err),
		)
		if fails >= m.cfg.MaxConsecutiveFailures {
			m.escalate(ctx, s, domain.CodeSessionCreateFailed, fmt.Sprintf("worker unresponsive after %d status failures", fails))
		}
		return
	}

	phase := status.EffectivePhase()
	if err := m.store.SetSessionPhase(ctx, s.ID, phase); err != nil {
		m.logger.Error("persist session phase", zap.String("session_id", s.ID), zap.Error(err))
	}

	switch domain.BucketForPhase(phase) {
	case domain.PhaseReadyBucket:
		if s.Status == domain.SessionInitializing {
			m.markReady(ctx, s, track, elapsed)
		}
	case domain.PhaseErrorBucket:
		m.escalate(ctx, s, domain.CodeSessionInitFailed, fmt.Sprintf("worker reported phase %q", phase))
	default:
		// Still in progress; nothing to do until the next tick.
	}
}

// markReady flips INITIALIZING to READY and emits session:ready exactly
// once per session.
func (m *SessionManager) markReady(ctx context.Context, s domain.Session, track *sessionTrack, elapsed time.Duration) {
	m.mu.Lock()
	if track != nil && track.readyEmitted {
		m.mu.Unlock()
		return
	}
	if track != nil {
		track.readyEmitted = true
	}
	m.mu.Unlock()

	if err := m.store.SetSessionStatus(ctx, s.ID, domain.SessionReady); err != nil {
		m.logger.Error("persist session ready", zap.String("session_id", s.ID), zap.Error(err))
		return
	}
	metrics.ObserveSessionReady(elapsed)
	if track != nil {
		m.appendLog(ctx, track.missionID, domain.LogSessionReady, fmt.Sprintf("session %s ready after %s", s.ID, elapsed.Truncate(time.Second)))
	}
	m.logger.Info("session ready", zap.String("session_id", s.ID), zap.String("worker_id", s.WorkerID))
	m.bus.Emit(bus.SessionReadyEvent{SessionID: s.ID, WorkerID: s.WorkerID})
}

// EndSession tears a session down gracefully: best-effort delete on the
// worker, ENDED in the store, proxy released without a fault mark.
func (m *SessionManager) EndSession(ctx context.Context, sessionID string) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		m.logger.Warn("end session: load failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if s.Status.Terminal() {
		return
	}

	if worker, err := m.store.GetWorker(ctx, s.WorkerID); err == nil {
		if err := m.dial(worker).EndSession(ctx); err != nil {
			m.logger.Warn("worker session delete failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	if err := m.store.MarkSessionEnded(ctx, sessionID, m.clock.Now()); err != nil {
		m.logger.Error("mark session ended", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if s.ProxyID != "" {
		if err := m.store.ReleaseProxy(ctx, s.ProxyID); err != nil {
			m.logger.Error("release proxy", zap.String("proxy_id", s.ProxyID), zap.Error(err))
		}
	}

	m.mu.Lock()
	delete(m.tracked, sessionID)
	m.mu.Unlock()

	metrics.ObserveSessionOutcome("ended")
	m.logger.Info("session ended", zap.String("session_id", sessionID), zap.String("worker_id", s.WorkerID))
	m.bus.Emit(bus.SessionTerminatedEvent{SessionID: sessionID, ProxyID: s.ProxyID})
}

// escalate drives a session to ERROR: persists the code, faults and
// releases the proxy, drops tracking, and emits session:error.
func (m *SessionManager) escalate(ctx context.Context, s domain.Session, code, msg string) {
	m.logger.Warn("session escalated to error",
		zap.String("session_id", s.ID),
		zap.String("worker_id", s.WorkerID),
		zap.String("error_code", code),
		zap.String("reason", msg),
	)
	if err := m.store.MarkSessionError(ctx, s.ID, code, msg); err != nil {
		m.logger.Error("mark session error", zap.String("session_id", s.ID), zap.Error(err))
	}
	m.releaseProxyWithFault(ctx, s.ProxyID)

	m.mu.Lock()
	delete(m.tracked, s.ID)
	m.mu.Unlock()

	metrics.ObserveSessionOutcome("error")
	m.emitSessionError(bus.SessionErrorEvent{
		SessionID: s.ID,
		WorkerID:  s.WorkerID,
		ProxyID:   s.ProxyID,
		Error:     msg,
		ErrorCode: code,
	})
}

func (m *SessionManager) releaseProxyWithFault(ctx context.Context, proxyID string) {
	if proxyID == "" {
		return
	}
	if err := m.store.IncrementProxyFailCount(ctx, proxyID); err != nil {
		m.logger.Error("increment proxy fail count", zap.String("proxy_id", proxyID), zap.Error(err))
	}
	if err := m.store.ReleaseProxy(ctx, proxyID); err != nil {
		m.logger.Error("release proxy", zap.String("proxy_id", proxyID), zap.Error(err))
	}
}

func (m *SessionManager) emitSessionError(evt bus.SessionErrorEvent) {
	m.bus.Emit(evt)
}

func (m *SessionManager) appendLog(ctx context.Context, missionID, event, details string) {
	if missionID == "" {
		return
	}
	if err := m.store.AppendMissionLog(ctx, domain.MissionLog{
		MissionID: missionID,
		Event:     event,
		Details:   details,
		Timestamp: m.clock.Now(),
	}); err != nil {
		m.logger.Warn("append mission log", zap.String("mission_id", missionID), zap.Error(err))
	}
}
