// Package memory provides an in-process datastore implementation. It backs
// the db.provider=memory mode and the orchestration tests; semantics match
// the Postgres implementation, with a single mutex standing in for row
// locks.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/deeptube/mission-control/internal/domain"
)

// Store keeps all rows in maps guarded by one mutex.
type Store struct {
	mu       sync.RWMutex
	clock    domain.Clock
	missions map[string]*domain.Mission
	workers  map[string]*domain.Worker
	writers  map[string]*domain.Writer
	proxies  map[string]*domain.Proxy
	sessions map[string]*domain.Session
	logs     []domain.MissionLog
	settings map[string]string
	nextLog  int64
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// New creates an empty store. A nil clock falls back to wall time.
func New(clock domain.Clock) *Store {
	if clock == nil {
		clock = realClock{}
	}
	return &Store{
		clock:    clock,
		missions: make(map[string]*domain.Mission),
		workers:  make(map[string]*domain.Worker),
		writers:  make(map[string]*domain.Writer),
		proxies:  make(map[string]*domain.Proxy),
		sessions: make(map[string]*domain.Session),
		settings: make(map[string]string),
		nextLog:  1,
	}
}

// PutMission inserts or replaces a mission row.
func (s *Store) PutMission(m domain.Mission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := m
	s.missions[m.ID] = &cp
}

// PutWorker inserts or replaces a worker row.
func (s *Store) PutWorker(w domain.Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := w
	s.workers[w.ID] = &cp
}

// PutWriter inserts or replaces a writer row.
func (s *Store) PutWriter(w domain.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := w
	s.writers[w.ID] = &cp
}

// PutProxy inserts or replaces a proxy row.
func (s *Store) PutProxy(p domain.Proxy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.proxies[p.ID] = &cp
}

// PutSetting inserts or replaces one settings key.
func (s *Store) PutSetting(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
}

// GetProxy returns one proxy row and whether it exists.
func (s *Store) GetProxy(id string) (domain.Proxy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proxies[id]
	if !ok {
		return domain.Proxy{}, false
	}
	return *p, true
}

// MissionLogs returns a copy of the audit log, oldest first.
func (s *Store) MissionLogs() []domain.MissionLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.MissionLog, len(s.logs))
	copy(out, s.logs)
	return out
}

// GetMission fetches one mission by id.
func (s *Store) GetMission(_ context.Context, id string) (domain.Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.missions[id]
	if !ok {
		return domain.Mission{}, fmt.Errorf("mission %s not found", id)
	}
	return *m, nil
}

// ListMissionsAtCheckpoint returns missions matching both status and checkpoint.
func (s *Store) ListMissionsAtCheckpoint(_ context.Context, status domain.MissionStatus, cp domain.Checkpoint) ([]domain.Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Mission
	for _, m := range s.missions {
		if m.Status == status && m.Checkpoint == cp {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AllocateMissionToWorker claims the oldest queued mission for the worker.
// Returns nil when the queue is empty.
func (s *Store) AllocateMissionToWorker(_ context.Context, workerID string) (*domain.Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *domain.Mission
	for _, m := range s.missions {
		if m.Status != domain.MissionQueued {
			continue
		}
		if oldest == nil || queueOrder(m, oldest) {
			oldest = m
		}
	}
	if oldest == nil {
		return nil, nil
	}
	oldest.Status = domain.MissionRunning
	oldest.Checkpoint = domain.CheckpointAssigned
	oldest.WorkerID = workerID
	cp := *oldest
	return &cp, nil
}

func queueOrder(a, b *domain.Mission) bool {
	switch {
	case a.QueuedAt != nil && b.QueuedAt != nil && !a.QueuedAt.Equal(*b.QueuedAt):
		return a.QueuedAt.Before(*b.QueuedAt)
	case a.QueuedAt != nil && b.QueuedAt == nil:
		return true
	case a.QueuedAt == nil && b.QueuedAt != nil:
		return false
	default:
		return a.CreatedAt.Before(b.CreatedAt)
	}
}

// MarkMissionScraping records an accepted scrape job on the mission.
func (s *Store) MarkMissionScraping(_ context.Context, missionID, workerID, sessionID, workerJobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[missionID]
	if !ok {
		return fmt.Errorf("mission %s not found", missionID)
	}
	now := s.clock.Now()
	m.Checkpoint = domain.CheckpointScraping
	m.WorkerID = workerID
	m.SessionID = sessionID
	m.WorkerJobID = workerJobID
	m.StartedAt = &now
	return nil
}

// SetMissionScrapeResult records the finished scrape's ad count and data location.
func (s *Store) SetMissionScrapeResult(_ context.Context, missionID string, adsCount int, dataURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[missionID]
	if !ok {
		return fmt.Errorf("mission %s not found", missionID)
	}
	m.AdsCount = adsCount
	m.DataURL = dataURL
	return nil
}

// MarkMissionWriting moves the mission into the persistence stage.
func (s *Store) MarkMissionWriting(_ context.Context, missionID, writerJobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[missionID]
	if !ok {
		return fmt.Errorf("mission %s not found", missionID)
	}
	m.Checkpoint = domain.CheckpointWriting
	m.WriterJobID = writerJobID
	return nil
}

// RequeueMission returns the mission to the queue with a fresh attempt state.
func (s *Store) RequeueMission(_ context.Context, missionID string, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[missionID]
	if !ok {
		return fmt.Errorf("mission %s not found", missionID)
	}
	now := s.clock.Now()
	m.Status = domain.MissionQueued
	m.Checkpoint = ""
	m.WorkerID = ""
	m.SessionID = ""
	m.WorkerJobID = ""
	m.WriterJobID = ""
	m.DataURL = ""
	m.ErrorCode = ""
	m.ErrorMessage = ""
	m.StartedAt = nil
	m.RetryCount = retryCount
	m.QueuedAt = &now
	return nil
}

// CompleteMission finalizes a successful mission.
func (s *Store) CompleteMission(_ context.Context, missionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[missionID]
	if !ok {
		return fmt.Errorf("mission %s not found", missionID)
	}
	now := s.clock.Now()
	m.Status = domain.MissionDone
	m.Checkpoint = domain.CheckpointFinalized
	m.FinishedAt = &now
	return nil
}

// FailMission terminates the mission with an error code and message.
func (s *Store) FailMission(_ context.Context, missionID, errorCode, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[missionID]
	if !ok {
		return fmt.Errorf("mission %s not found", missionID)
	}
	now := s.clock.Now()
	m.Status = domain.MissionFailed
	m.ErrorCode = errorCode
	m.ErrorMessage = errorMessage
	m.FinishedAt = &now
	return nil
}

// AppendMissionLog appends one audit row.
func (s *Store) AppendMissionLog(_ context.Context, log domain.MissionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.ID = s.nextLog
	s.nextLog++
	if log.Timestamp.IsZero() {
		log.Timestamp = s.clock.Now()
	}
	s.logs = append(s.logs, log)
	return nil
}

// GetWorker fetches one worker by id.
func (s *Store) GetWorker(_ context.Context, id string) (domain.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[id]
	if !ok {
		return domain.Worker{}, fmt.Errorf("worker %s not found", id)
	}
	return *w, nil
}

// ListIdleWorkers returns active workers with no current assignment.
func (s *Store) ListIdleWorkers(_ context.Context) ([]domain.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Worker
	for _, w := range s.workers {
		if w.Active && w.Status == domain.WorkerIdle {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SetWorkerStatus updates a worker's occupancy state.
func (s *Store) SetWorkerStatus(_ context.Context, id string, status domain.WorkerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return fmt.Errorf("worker %s not found", id)
	}
	w.Status = status
	return nil
}

// ResetWorkerStatuses forces all workers back to idle.
func (s *Store) ResetWorkerStatuses(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workers {
		w.Status = domain.WorkerIdle
	}
	return nil
}

// GetSession fetches one session by id.
func (s *Store) GetSession(_ context.Context, id string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, fmt.Errorf("session %s not found", id)
	}
	return *sess, nil
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(_ context.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.ID]; exists {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.clock.Now()
	}
	cp := sess
	s.sessions[sess.ID] = &cp
	return nil
}

// SetSessionProxy binds the session to a leased proxy.
func (s *Store) SetSessionProxy(_ context.Context, sessionID, proxyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	sess.ProxyID = proxyID
	return nil
}

// SetSessionPhase records the latest observed phase and resets the
// consecutive failure counter.
func (s *Store) SetSessionPhase(_ context.Context, sessionID, phase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	sess.CurrentPhase = phase
	sess.FailureCount = 0
	return nil
}

// SetSessionFailureCount stores the consecutive failure counter.
func (s *Store) SetSessionFailureCount(_ context.Context, sessionID string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	sess.FailureCount = count
	return nil
}

// SetSessionStatus updates the session lifecycle state.
func (s *Store) SetSessionStatus(_ context.Context, sessionID string, status domain.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	sess.Status = status
	return nil
}

// MarkSessionError terminates the session with an error code and message.
func (s *Store) MarkSessionError(_ context.Context, sessionID, errorCode, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	now := s.clock.Now()
	sess.Status = domain.SessionError
	sess.ErrorCode = errorCode
	sess.ErrorMessage = errorMessage
	sess.EndedAt = &now
	return nil
}

// MarkSessionEnded terminates the session cleanly.
func (s *Store) MarkSessionEnded(_ context.Context, sessionID string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	sess.Status = domain.SessionEnded
	sess.EndedAt = &endedAt
	return nil
}

// ListSessionsByStatus returns sessions in any of the given states.
func (s *Store) ListSessionsByStatus(_ context.Context, statuses ...domain.SessionStatus) ([]domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	match := make(map[domain.SessionStatus]bool, len(statuses))
	for _, st := range statuses {
		match[st] = true
	}
	var out []domain.Session
	for _, sess := range s.sessions {
		if match[sess.Status] {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// LeaseProxy claims the least recently used free active proxy for the
// session. Returns nil when the pool is exhausted.
func (s *Store) LeaseProxy(_ context.Context, sessionID string) (*domain.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pick *domain.Proxy
	for _, p := range s.proxies {
		if !p.Active || p.InUseBySessionID != "" {
			continue
		}
		if pick == nil || leaseOrder(p, pick) {
			pick = p
		}
	}
	if pick == nil {
		return nil, nil
	}
	now := s.clock.Now()
	pick.InUseBySessionID = sessionID
	pick.LastUsedAt = &now
	cp := *pick
	return &cp, nil
}

func leaseOrder(a, b *domain.Proxy) bool {
	switch {
	case a.LastUsedAt == nil && b.LastUsedAt != nil:
		return true
	case a.LastUsedAt != nil && b.LastUsedAt == nil:
		return false
	case a.LastUsedAt != nil && b.LastUsedAt != nil && !a.LastUsedAt.Equal(*b.LastUsedAt):
		return a.LastUsedAt.Before(*b.LastUsedAt)
	default:
		return a.ID < b.ID
	}
}

// ReleaseProxy frees the proxy for the next lease.
func (s *Store) ReleaseProxy(_ context.Context, proxyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proxies[proxyID]
	if !ok {
		return fmt.Errorf("proxy %s not found", proxyID)
	}
	p.InUseBySessionID = ""
	return nil
}

// IncrementProxyFailCount bumps the proxy's failure counter.
func (s *Store) IncrementProxyFailCount(_ context.Context, proxyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proxies[proxyID]
	if !ok {
		return fmt.Errorf("proxy %s not found", proxyID)
	}
	p.FailCount++
	return nil
}

// ReleaseAllProxies clears every in-use marker.
func (s *Store) ReleaseAllProxies(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.proxies {
		p.InUseBySessionID = ""
	}
	return nil
}

// ActiveWriter returns one active writer, or nil when none is registered.
func (s *Store) ActiveWriter(_ context.Context) (*domain.Writer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pick *domain.Writer
	for _, w := range s.writers {
		if !w.Active {
			continue
		}
		if pick == nil || w.Name < pick.Name {
			pick = w
		}
	}
	if pick == nil {
		return nil, nil
	}
	cp := *pick
	return &cp, nil
}

// Settings returns a copy of the settings map.
func (s *Store) Settings(_ context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}
