// Package postgres provides the Postgres-backed datastore implementation.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deeptube/mission-control/internal/domain"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements store.Store on top of a pgx connection pool. Proxy
// leasing and mission allocation rely on FOR UPDATE SKIP LOCKED so
// concurrent manager ticks never hand the same row to two claimants.
type Store struct {
	pool pool
}

// New connects a pool from the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const missionColumns = `
	id, date_start, date_end, media_type, languages, status,
	COALESCE(checkpoint, ''), ads_count,
	COALESCE(error_code, ''), COALESCE(error_message, ''),
	COALESCE(worker_id::text, ''), COALESCE(session_id::text, ''),
	COALESCE(worker_job_id, ''), COALESCE(writer_job_id, ''),
	COALESCE(data_url, ''), retry_count,
	created_at, queued_at, started_at, finished_at`

func scanMission(row pgx.Row) (domain.Mission, error) {
	var (
		m          domain.Mission
		mediaType  string
		status     string
		checkpoint string
	)
	err := row.Scan(
		&m.ID, &m.DateStart, &m.DateEnd, &mediaType, &m.Languages, &status,
		&checkpoint, &m.AdsCount,
		&m.ErrorCode, &m.ErrorMessage,
		&m.WorkerID, &m.SessionID,
		&m.WorkerJobID, &m.WriterJobID,
		&m.DataURL, &m.RetryCount,
		&m.CreatedAt, &m.QueuedAt, &m.StartedAt, &m.FinishedAt,
	)
	if err != nil {
		return domain.Mission{}, err
	}
	m.MediaType = domain.MediaType(mediaType)
	m.Status = domain.MissionStatus(status)
	m.Checkpoint = domain.Checkpoint(checkpoint)
	return m, nil
}

// GetMission fetches one mission by id.
func (s *Store) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	query := `SELECT` + missionColumns + ` FROM missions WHERE id = $1`
	m, err := scanMission(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return domain.Mission{}, fmt.Errorf("get mission %s: %w", id, err)
	}
	return m, nil
}

// ListMissionsAtCheckpoint returns missions matching both status and checkpoint.
func (s *Store) ListMissionsAtCheckpoint(ctx context.Context, status domain.MissionStatus, cp domain.Checkpoint) ([]domain.Mission, error) {
	query := `SELECT` + missionColumns + ` FROM missions
	WHERE status = $1 AND checkpoint = $2
	ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query, string(status), string(cp))
	if err != nil {
		return nil, fmt.Errorf("list missions at %s/%s: %w", status, cp, err)
	}
	defer rows.Close()
	var out []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mission row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mission rows: %w", err)
	}
	return out, nil
}

// AllocateMissionToWorker atomically claims the oldest queued mission for
// the worker. Returns nil when the queue is empty.
func (s *Store) AllocateMissionToWorker(ctx context.Context, workerID string) (*domain.Mission, error) {
	query := `
	UPDATE missions SET status = 'RUNNING', checkpoint = 'ATRIBUIDO', worker_id = $1
	WHERE id = (
		SELECT id FROM missions
		WHERE status = 'QUEUED'
		ORDER BY queued_at NULLS LAST, created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	)
	RETURNING` + missionColumns
	m, err := scanMission(s.pool.QueryRow(ctx, query, workerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("allocate mission to worker %s: %w", workerID, err)
	}
	return &m, nil
}

// MarkMissionScraping records an accepted scrape job on the mission.
func (s *Store) MarkMissionScraping(ctx context.Context, missionID, workerID, sessionID, workerJobID string) error {
	query := `
	UPDATE missions SET checkpoint = 'EXTRAINDO', worker_id = $2, session_id = $3,
		worker_job_id = $4, started_at = now()
	WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, missionID, workerID, sessionID, workerJobID); err != nil {
		return fmt.Errorf("mark mission %s scraping: %w", missionID, err)
	}
	return nil
}

// SetMissionScrapeResult records the finished scrape's ad count and data location.
func (s *Store) SetMissionScrapeResult(ctx context.Context, missionID string, adsCount int, dataURL string) error {
	query := `UPDATE missions SET ads_count = $2, data_url = NULLIF($3, '') WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, missionID, adsCount, dataURL); err != nil {
		return fmt.Errorf("set mission %s scrape result: %w", missionID, err)
	}
	return nil
}

// MarkMissionWriting moves the mission into the persistence stage.
func (s *Store) MarkMissionWriting(ctx context.Context, missionID, writerJobID string) error {
	query := `UPDATE missions SET checkpoint = 'ARMAZENANDO', writer_job_id = $2 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, missionID, writerJobID); err != nil {
		return fmt.Errorf("mark mission %s writing: %w", missionID, err)
	}
	return nil
}

// RequeueMission returns the mission to the queue with a fresh attempt state.
func (s *Store) RequeueMission(ctx context.Context, missionID string, retryCount int) error {
	query := `
	UPDATE missions SET status = 'QUEUED', checkpoint = NULL, worker_id = NULL,
		session_id = NULL, worker_job_id = NULL, writer_job_id = NULL,
		data_url = NULL, error_code = NULL, error_message = NULL,
		started_at = NULL, retry_count = $2, queued_at = now()
	WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, missionID, retryCount); err != nil {
		return fmt.Errorf("requeue mission %s: %w", missionID, err)
	}
	return nil
}

// CompleteMission finalizes a successful mission.
func (s *Store) CompleteMission(ctx context.Context, missionID string) error {
	query := `UPDATE missions SET status = 'DONE', checkpoint = 'FINALIZADO', finished_at = now() WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, missionID); err != nil {
		return fmt.Errorf("complete mission %s: %w", missionID, err)
	}
	return nil
}

// FailMission terminates the mission with an error code and message.
func (s *Store) FailMission(ctx context.Context, missionID, errorCode, errorMessage string) error {
	query := `UPDATE missions SET status = 'FAILED', error_code = $2, error_message = $3, finished_at = now() WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, missionID, errorCode, errorMessage); err != nil {
		return fmt.Errorf("fail mission %s: %w", missionID, err)
	}
	return nil
}

// AppendMissionLog inserts one audit row.
func (s *Store) AppendMissionLog(ctx context.Context, log domain.MissionLog) error {
	query := `INSERT INTO mission_logs (mission_id, event, details, duration_ms, ts) VALUES ($1, $2, $3, $4, $5)`
	ts := log.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx, query, log.MissionID, log.Event, log.Details, log.DurationMs, ts); err != nil {
		return fmt.Errorf("append mission log %s/%s: %w", log.MissionID, log.Event, err)
	}
	return nil
}

const workerColumns = `id, name, url, api_key, COALESCE(storage_domain, ''), status, active`

func scanWorker(row pgx.Row) (domain.Worker, error) {
	var (
		w      domain.Worker
		status string
	)
	err := row.Scan(&w.ID, &w.Name, &w.URL, &w.APIKey, &w.StorageDomain, &status, &w.Active)
	if err != nil {
		return domain.Worker{}, err
	}
	w.Status = domain.WorkerStatus(status)
	return w, nil
}

// GetWorker fetches one worker by id.
func (s *Store) GetWorker(ctx context.Context, id string) (domain.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers WHERE id = $1`
	w, err := scanWorker(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return domain.Worker{}, fmt.Errorf("get worker %s: %w", id, err)
	}
	return w, nil
}

// ListIdleWorkers returns active workers with no current assignment.
func (s *Store) ListIdleWorkers(ctx context.Context) ([]domain.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers WHERE active AND status = 'idle' ORDER BY name`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list idle workers: %w", err)
	}
	defer rows.Close()
	var out []domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker row: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate worker rows: %w", err)
	}
	return out, nil
}

// SetWorkerStatus updates a worker's occupancy state.
func (s *Store) SetWorkerStatus(ctx context.Context, id string, status domain.WorkerStatus) error {
	query := `UPDATE workers SET status = $2 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, id, string(status)); err != nil {
		return fmt.Errorf("set worker %s status %s: %w", id, status, err)
	}
	return nil
}

// ResetWorkerStatuses forces all workers back to idle.
func (s *Store) ResetWorkerStatuses(ctx context.Context) error {
	query := `UPDATE workers SET status = 'idle' WHERE status <> 'idle'`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("reset worker statuses: %w", err)
	}
	return nil
}

const sessionColumns = `
	id, worker_id, COALESCE(proxy_id::text, ''), status,
	COALESCE(current_phase, ''), failure_count, retry_count,
	COALESCE(error_code, ''), COALESCE(error_message, ''),
	created_at, ended_at`

func scanSession(row pgx.Row) (domain.Session, error) {
	var (
		sess   domain.Session
		status string
	)
	err := row.Scan(
		&sess.ID, &sess.WorkerID, &sess.ProxyID, &status,
		&sess.CurrentPhase, &sess.FailureCount, &sess.RetryCount,
		&sess.ErrorCode, &sess.ErrorMessage,
		&sess.CreatedAt, &sess.EndedAt,
	)
	if err != nil {
		return domain.Session{}, err
	}
	sess.Status = domain.SessionStatus(status)
	return sess, nil
}

// GetSession fetches one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (domain.Session, error) {
	query := `SELECT` + sessionColumns + ` FROM sessions WHERE id = $1`
	sess, err := scanSession(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess domain.Session) error {
	query := `
	INSERT INTO sessions (id, worker_id, proxy_id, status, retry_count, created_at)
	VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)`
	createdAt := sess.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx, query, sess.ID, sess.WorkerID, sess.ProxyID, string(sess.Status), sess.RetryCount, createdAt); err != nil {
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return nil
}

// SetSessionProxy binds the session to a leased proxy.
func (s *Store) SetSessionProxy(ctx context.Context, sessionID, proxyID string) error {
	query := `UPDATE sessions SET proxy_id = NULLIF($2, '') WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, sessionID, proxyID); err != nil {
		return fmt.Errorf("set session %s proxy: %w", sessionID, err)
	}
	return nil
}

// SetSessionPhase records the latest observed phase and resets the
// consecutive failure counter.
func (s *Store) SetSessionPhase(ctx context.Context, sessionID, phase string) error {
	query := `UPDATE sessions SET current_phase = $2, failure_count = 0 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, sessionID, phase); err != nil {
		return fmt.Errorf("set session %s phase: %w", sessionID, err)
	}
	return nil
}

// SetSessionFailureCount stores the consecutive failure counter.
func (s *Store) SetSessionFailureCount(ctx context.Context, sessionID string, count int) error {
	query := `UPDATE sessions SET failure_count = $2 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, sessionID, count); err != nil {
		return fmt.Errorf("set session %s failure count: %w", sessionID, err)
	}
	return nil
}

// SetSessionStatus updates the session lifecycle state.
func (s *Store) SetSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error {
	query := `UPDATE sessions SET status = $2 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, sessionID, string(status)); err != nil {
		return fmt.Errorf("set session %s status %s: %w", sessionID, status, err)
	}
	return nil
}

// MarkSessionError terminates the session with an error code and message.
func (s *Store) MarkSessionError(ctx context.Context, sessionID, errorCode, errorMessage string) error {
	query := `UPDATE sessions SET status = 'ERROR', error_code = $2, error_message = $3, ended_at = now() WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, sessionID, errorCode, errorMessage); err != nil {
		return fmt.Errorf("mark session %s error: %w", sessionID, err)
	}
	return nil
}

// MarkSessionEnded terminates the session cleanly.
func (s *Store) MarkSessionEnded(ctx context.Context, sessionID string, endedAt time.Time) error {
	query := `UPDATE sessions SET status = 'ENDED', ended_at = $2 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, sessionID, endedAt); err != nil {
		return fmt.Errorf("mark session %s ended: %w", sessionID, err)
	}
	return nil
}

// ListSessionsByStatus returns sessions in any of the given states.
func (s *Store) ListSessionsByStatus(ctx context.Context, statuses ...domain.SessionStatus) ([]domain.Session, error) {
	vals := make([]string, len(statuses))
	for i, st := range statuses {
		vals[i] = string(st)
	}
	query := `SELECT` + sessionColumns + ` FROM sessions WHERE status = ANY($1) ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query, vals)
	if err != nil {
		return nil, fmt.Errorf("list sessions by status: %w", err)
	}
	defer rows.Close()
	var out []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

const proxyColumns = `
	id, name, host, port, username, password, active,
	COALESCE(in_use_by_session_id::text, ''), fail_count, last_used_at`

func scanProxy(row pgx.Row) (domain.Proxy, error) {
	var p domain.Proxy
	err := row.Scan(
		&p.ID, &p.Name, &p.Host, &p.Port, &p.Username, &p.Password, &p.Active,
		&p.InUseBySessionID, &p.FailCount, &p.LastUsedAt,
	)
	if err != nil {
		return domain.Proxy{}, err
	}
	return p, nil
}

// LeaseProxy atomically claims a free active proxy for the session.
// Returns nil when the pool is exhausted.
func (s *Store) LeaseProxy(ctx context.Context, sessionID string) (*domain.Proxy, error) {
	query := `
	UPDATE proxies SET in_use_by_session_id = $1, last_used_at = now()
	WHERE id = (
		SELECT id FROM proxies
		WHERE active AND in_use_by_session_id IS NULL
		ORDER BY last_used_at NULLS FIRST
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	)
	RETURNING` + proxyColumns
	p, err := scanProxy(s.pool.QueryRow(ctx, query, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease proxy for session %s: %w", sessionID, err)
	}
	return &p, nil
}

// ReleaseProxy frees the proxy for the next lease.
func (s *Store) ReleaseProxy(ctx context.Context, proxyID string) error {
	query := `UPDATE proxies SET in_use_by_session_id = NULL WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, proxyID); err != nil {
		return fmt.Errorf("release proxy %s: %w", proxyID, err)
	}
	return nil
}

// IncrementProxyFailCount bumps the proxy's failure counter.
func (s *Store) IncrementProxyFailCount(ctx context.Context, proxyID string) error {
	query := `UPDATE proxies SET fail_count = fail_count + 1 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, proxyID); err != nil {
		return fmt.Errorf("increment proxy %s fail count: %w", proxyID, err)
	}
	return nil
}

// ReleaseAllProxies clears every in-use marker.
func (s *Store) ReleaseAllProxies(ctx context.Context) error {
	query := `UPDATE proxies SET in_use_by_session_id = NULL WHERE in_use_by_session_id IS NOT NULL`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("release all proxies: %w", err)
	}
	return nil
}

// ActiveWriter returns one active writer, or nil when none is registered.
func (s *Store) ActiveWriter(ctx context.Context) (*domain.Writer, error) {
	query := `SELECT id, name, url, api_key, active FROM writers WHERE active ORDER BY name LIMIT 1`
	var w domain.Writer
	err := s.pool.QueryRow(ctx, query).Scan(&w.ID, &w.Name, &w.URL, &w.APIKey, &w.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select active writer: %w", err)
	}
	return &w, nil
}

// Settings loads the full settings table as a key/value map.
func (s *Store) Settings(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting row: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate setting rows: %w", err)
	}
	return out, nil
}
