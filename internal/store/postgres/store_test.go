package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/deeptube/mission-control/internal/domain"
)

var missionFields = []string{
	"id", "date_start", "date_end", "media_type", "languages", "status",
	"checkpoint", "ads_count", "error_code", "error_message",
	"worker_id", "session_id", "worker_job_id", "writer_job_id",
	"data_url", "retry_count", "created_at", "queued_at", "started_at", "finished_at",
}

func missionRow(mock pgxmock.PgxPoolIface, m domain.Mission) *pgxmock.Rows {
	return mock.NewRows(missionFields).AddRow(
		m.ID, m.DateStart, m.DateEnd, string(m.MediaType), m.Languages, string(m.Status),
		string(m.Checkpoint), m.AdsCount, m.ErrorCode, m.ErrorMessage,
		m.WorkerID, m.SessionID, m.WorkerJobID, m.WriterJobID,
		m.DataURL, m.RetryCount, m.CreatedAt, m.QueuedAt, m.StartedAt, m.FinishedAt,
	)
}

func TestAllocateMissionToWorkerClaimsOldestQueued(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	want := domain.Mission{
		ID:         "m-1",
		DateStart:  "2026-01-01",
		DateEnd:    "2026-01-07",
		MediaType:  domain.MediaAll,
		Languages:  []string{"pt", "en"},
		Status:     domain.MissionRunning,
		Checkpoint: domain.CheckpointAssigned,
		WorkerID:   "w-1",
		CreatedAt:  now,
		QueuedAt:   &now,
	}

	mock.ExpectQuery("UPDATE missions SET status = 'RUNNING'").
		WithArgs("w-1").
		WillReturnRows(missionRow(mock, want))

	got, err := store.AllocateMissionToWorker(context.Background(), "w-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, want, *got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAllocateMissionToWorkerEmptyQueue(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("UPDATE missions SET status = 'RUNNING'").
		WithArgs("w-1").
		WillReturnRows(mock.NewRows(missionFields))

	got, err := store.AllocateMissionToWorker(context.Background(), "w-1")
	require.NoError(t, err)
	require.Nil(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseProxyReturnsNilWhenExhausted(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	fields := []string{
		"id", "name", "host", "port", "username", "password", "active",
		"in_use_by_session_id", "fail_count", "last_used_at",
	}
	mock.ExpectQuery("UPDATE proxies SET in_use_by_session_id").
		WithArgs("s-1").
		WillReturnRows(mock.NewRows(fields))

	got, err := store.LeaseProxy(context.Background(), "s-1")
	require.NoError(t, err)
	require.Nil(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseProxyStampsSession(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	fields := []string{
		"id", "name", "host", "port", "username", "password", "active",
		"in_use_by_session_id", "fail_count", "last_used_at",
	}
	mock.ExpectQuery("UPDATE proxies SET in_use_by_session_id").
		WithArgs("s-1").
		WillReturnRows(mock.NewRows(fields).AddRow(
			"p-1", "proxy-a", "10.0.0.1", 8080, "user", "pass", true,
			"s-1", 0, &now,
		))

	got, err := store.LeaseProxy(context.Background(), "s-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "p-1", got.ID)
	require.Equal(t, "s-1", got.InUseBySessionID)
	require.Equal(t, "10.0.0.1:8080", got.Server())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeueMissionClearsAttemptState(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE missions SET status = 'QUEUED'").
		WithArgs("m-1", 2).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.RequeueMission(context.Background(), "m-1", 2))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailMissionRecordsErrorCode(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE missions SET status = 'FAILED'").
		WithArgs("m-1", domain.CodeScrapeFailed, "scrape exploded").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.FailMission(context.Background(), "m-1", domain.CodeScrapeFailed, "scrape exploded"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveWriterNilWhenNoneRegistered(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT id, name, url, api_key, active FROM writers").
		WillReturnRows(mock.NewRows([]string{"id", "name", "url", "api_key", "active"}))

	got, err := store.ActiveWriter(context.Background())
	require.NoError(t, err)
	require.Nil(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSettingsLoadsKeyValueMap(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT key, value FROM settings").
		WillReturnRows(mock.NewRows([]string{"key", "value"}).
			AddRow("polling_interval_seconds", "15").
			AddRow("max_ads_per_mission", "500"))

	got, err := store.Settings(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"polling_interval_seconds": "15",
		"max_ads_per_mission":      "500",
	}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendMissionLogInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	ts := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("INSERT INTO mission_logs").
		WithArgs("m-1", domain.LogScrapeComplete, "120 ads", int64(4500), ts).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.AppendMissionLog(context.Background(), domain.MissionLog{
		MissionID:  "m-1",
		Event:      domain.LogScrapeComplete,
		Details:    "120 ads",
		DurationMs: 4500,
		Timestamp:  ts,
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}
