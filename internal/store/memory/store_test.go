package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deeptube/mission-control/internal/domain"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestAllocateMissionToWorkerIsFIFO(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	s := New(fixedClock{t: now})

	early := now.Add(-time.Hour)
	late := now.Add(-time.Minute)
	s.PutMission(domain.Mission{ID: "m-late", Status: domain.MissionQueued, QueuedAt: &late, CreatedAt: late})
	s.PutMission(domain.Mission{ID: "m-early", Status: domain.MissionQueued, QueuedAt: &early, CreatedAt: early})

	got, err := s.AllocateMissionToWorker(context.Background(), "w-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "m-early", got.ID)
	require.Equal(t, domain.MissionRunning, got.Status)
	require.Equal(t, domain.CheckpointAssigned, got.Checkpoint)
	require.Equal(t, "w-1", got.WorkerID)

	second, err := s.AllocateMissionToWorker(context.Background(), "w-2")
	require.NoError(t, err)
	require.Equal(t, "m-late", second.ID)

	third, err := s.AllocateMissionToWorker(context.Background(), "w-3")
	require.NoError(t, err)
	require.Nil(t, third)
}

func TestLeaseProxyIsExclusive(t *testing.T) {
	t.Parallel()

	s := New(nil)
	s.PutProxy(domain.Proxy{ID: "p-1", Name: "a", Host: "10.0.0.1", Port: 8080, Active: true})

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		leased []string
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.LeaseProxy(context.Background(), "s-1")
			require.NoError(t, err)
			if p != nil {
				mu.Lock()
				leased = append(leased, p.ID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, leased, 1)

	require.NoError(t, s.ReleaseProxy(context.Background(), "p-1"))
	p, err := s.LeaseProxy(context.Background(), "s-2")
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, "s-2", p.InUseBySessionID)
}

func TestLeaseProxyPrefersLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	s := New(fixedClock{t: now})

	old := now.Add(-time.Hour)
	s.PutProxy(domain.Proxy{ID: "p-used", Active: true, LastUsedAt: &old})
	s.PutProxy(domain.Proxy{ID: "p-fresh", Active: true})
	s.PutProxy(domain.Proxy{ID: "p-busy", Active: true, InUseBySessionID: "other"})

	p, err := s.LeaseProxy(context.Background(), "s-1")
	require.NoError(t, err)
	require.Equal(t, "p-fresh", p.ID)
}

func TestRequeueMissionClearsAttemptState(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	s := New(fixedClock{t: now})
	started := now.Add(-time.Minute)
	s.PutMission(domain.Mission{
		ID:          "m-1",
		Status:      domain.MissionRunning,
		Checkpoint:  domain.CheckpointScraping,
		WorkerID:    "w-1",
		SessionID:   "s-1",
		WorkerJobID: "job-1",
		ErrorCode:   domain.CodeScrapeFailed,
		StartedAt:   &started,
	})

	require.NoError(t, s.RequeueMission(context.Background(), "m-1", 1))

	m, err := s.GetMission(context.Background(), "m-1")
	require.NoError(t, err)
	require.Equal(t, domain.MissionQueued, m.Status)
	require.Empty(t, string(m.Checkpoint))
	require.Empty(t, m.WorkerID)
	require.Empty(t, m.SessionID)
	require.Empty(t, m.WorkerJobID)
	require.Empty(t, m.ErrorCode)
	require.Nil(t, m.StartedAt)
	require.Equal(t, 1, m.RetryCount)
	require.Equal(t, now, *m.QueuedAt)
}

func TestResetWorkerStatuses(t *testing.T) {
	t.Parallel()

	s := New(nil)
	s.PutWorker(domain.Worker{ID: "w-1", Name: "a", Active: true, Status: domain.WorkerScraping})
	s.PutWorker(domain.Worker{ID: "w-2", Name: "b", Active: true, Status: domain.WorkerIdle})
	s.PutWorker(domain.Worker{ID: "w-3", Name: "c", Active: false, Status: domain.WorkerErrored})

	require.NoError(t, s.ResetWorkerStatuses(context.Background()))

	idle, err := s.ListIdleWorkers(context.Background())
	require.NoError(t, err)
	require.Len(t, idle, 2)
	require.Equal(t, "w-1", idle[0].ID)
	require.Equal(t, "w-2", idle[1].ID)
}

func TestSetSessionPhaseResetsFailureCount(t *testing.T) {
	t.Parallel()

	s := New(nil)
	require.NoError(t, s.CreateSession(context.Background(), domain.Session{
		ID: "s-1", WorkerID: "w-1", Status: domain.SessionInitializing,
	}))
	require.NoError(t, s.SetSessionFailureCount(context.Background(), "s-1", 2))
	require.NoError(t, s.SetSessionPhase(context.Background(), "s-1", "logging_in"))

	sess, err := s.GetSession(context.Background(), "s-1")
	require.NoError(t, err)
	require.Equal(t, "logging_in", sess.CurrentPhase)
	require.Zero(t, sess.FailureCount)
}

func TestActiveWriterNilWhenNoneActive(t *testing.T) {
	t.Parallel()

	s := New(nil)
	s.PutWriter(domain.Writer{ID: "wr-1", Name: "a", Active: false})

	w, err := s.ActiveWriter(context.Background())
	require.NoError(t, err)
	require.Nil(t, w)

	s.PutWriter(domain.Writer{ID: "wr-2", Name: "b", Active: true})
	w, err = s.ActiveWriter(context.Background())
	require.NoError(t, err)
	require.Equal(t, "wr-2", w.ID)
}

func TestAppendMissionLogAssignsSequence(t *testing.T) {
	t.Parallel()

	s := New(nil)
	require.NoError(t, s.AppendMissionLog(context.Background(), domain.MissionLog{MissionID: "m-1", Event: domain.LogMissionAssigned}))
	require.NoError(t, s.AppendMissionLog(context.Background(), domain.MissionLog{MissionID: "m-1", Event: domain.LogScrapeStarted}))

	logs := s.MissionLogs()
	require.Len(t, logs, 2)
	require.Equal(t, int64(1), logs[0].ID)
	require.Equal(t, int64(2), logs[1].ID)
	require.False(t, logs[0].Timestamp.IsZero())
}
