package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deeptube/mission-control/internal/bus"
	"github.com/deeptube/mission-control/internal/config"
	"github.com/deeptube/mission-control/internal/domain"
	"github.com/deeptube/mission-control/internal/remote"
	"github.com/deeptube/mission-control/internal/store/memory"
)

func testAppConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080},
		DB:     config.DBConfig{Provider: "memory"},
		HTTP:   config.HTTPConfig{TimeoutSeconds: 5},
		Orchestrator: config.OrchestratorConfig{
			SessionPollingIntervalMs: 10,
			WorkerPollingIntervalMs:  10,
			MissionPollingIntervalMs: 10,
			SessionTimeoutMs:         180000,
			ScrapeTimeoutMs:          600000,
			WriterTimeoutMs:          300000,
			MaxSessionRetries:        2,
			MaxMissionRetries:        3,
			MaxConsecutiveFailures:   3,
			MaxBackoffIntervalMs:     100,
		},
		Scrape: config.ScrapeConfig{MaxAds: 500, BatchSize: 50},
	}
}

type fixture struct {
	controller *Controller
	store      *memory.Store
	bus        *bus.Bus
	clock      *fakeClock
	workerAPI  *stubWorkerAPI
	writerAPI  *stubWriterAPI
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()
	clock := newFakeClock()
	st := memory.New(clock)
	b := testBus()
	workerAPI := &stubWorkerAPI{}
	writerAPI := &stubWriterAPI{}
	c := NewController(ControllerOptions{
		Config:     cfg,
		Store:      st,
		Bus:        b,
		Clock:      clock,
		IDs:        &seqIDs{},
		WorkerDial: stubWorkerDialer(workerAPI),
		WriterDial: stubWriterDialer(writerAPI),
		Logger:     zap.NewNop(),
	})
	return &fixture{controller: c, store: st, bus: b, clock: clock, workerAPI: workerAPI, writerAPI: writerAPI}
}

func (f *fixture) seedReadyWorld() {
	now := f.clock.Now()
	f.store.PutWorker(domain.Worker{ID: "w-1", Name: "worker-a", URL: "http://w", APIKey: "k", Status: domain.WorkerIdle, Active: true})
	f.store.PutProxy(domain.Proxy{ID: "p-1", Host: "10.0.0.1", Port: 8080, Active: true})
	f.store.PutMission(domain.Mission{
		ID:        "m-1",
		DateStart: "2026-01-01",
		DateEnd:   "2026-01-07",
		MediaType: domain.MediaAll,
		Languages: []string{"pt"},
		Status:    domain.MissionQueued,
		CreatedAt: now,
		QueuedAt:  &now,
	})
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testAppConfig())

	require.NoError(t, f.controller.Start(context.Background()))
	require.NoError(t, f.controller.Start(context.Background()))
	require.True(t, f.controller.Running())

	f.controller.Stop()
	f.controller.Stop()
	require.False(t, f.controller.Running())

	history := f.bus.History(0)
	var started, stopped int
	for _, rec := range history {
		switch rec.Event {
		case bus.OrchestratorStarted:
			started++
		case bus.OrchestratorStopped:
			stopped++
		}
	}
	require.Equal(t, 1, started)
	require.Equal(t, 1, stopped)
}

func TestSettingsOverlayAppliedAtStart(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testAppConfig())
	f.store.PutSetting("scrape_timeout_seconds", "120")
	f.store.PutSetting("max_ads_per_mission", "250")

	require.NoError(t, f.controller.Start(context.Background()))
	defer f.controller.Stop()

	// The resolved config reaches the managers built for this run.
	require.Equal(t, 2*time.Minute, f.controller.workers.cfg.ScrapeTimeout)
	require.Equal(t, 250, f.controller.workers.cfg.MaxAds)
}

// Full happy path up to the scrape running: mission allocated, session
// leased and readied, scrape started.
func TestScenarioAssignmentCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testAppConfig())
	f.seedReadyWorld()
	f.workerAPI.setSessionPhase("ready")
	f.workerAPI.startScrapeJobID = "job-1"
	f.workerAPI.setScrapeStatus(remote.ScrapeStatus{Status: remote.JobRunning})

	require.NoError(t, f.controller.Start(context.Background()))
	defer f.controller.Stop()

	require.Eventually(t, func() bool {
		mission, err := f.store.GetMission(context.Background(), "m-1")
		if err != nil {
			return false
		}
		return mission.Status == domain.MissionRunning && mission.Checkpoint == domain.CheckpointScraping
	}, 3*time.Second, 10*time.Millisecond)

	mission, err := f.store.GetMission(context.Background(), "m-1")
	require.NoError(t, err)
	require.Equal(t, "job-1", mission.WorkerJobID)
	require.NotEmpty(t, mission.SessionID)

	worker, err := f.store.GetWorker(context.Background(), "w-1")
	require.NoError(t, err)
	require.Equal(t, domain.WorkerScraping, worker.Status)

	active, err := f.store.ListSessionsByStatus(context.Background(), domain.SessionActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "w-1", active[0].WorkerID)

	p, ok := f.store.GetProxy("p-1")
	require.True(t, ok)
	require.Equal(t, active[0].ID, p.InUseBySessionID)
}

// Proxy pool exhausted: the session attempt fails terminally with the
// no-proxy code and the mission goes back to the queue with a retry.
func TestScenarioNoProxyRequeuesMission(t *testing.T) {
	t.Parallel()

	cfg := testAppConfig()
	cfg.Orchestrator.MaxMissionRetries = 1000
	f := newFixture(t, cfg)
	now := f.clock.Now()
	f.store.PutWorker(domain.Worker{ID: "w-1", Name: "worker-a", URL: "http://w", APIKey: "k", Status: domain.WorkerIdle, Active: true})
	f.store.PutMission(domain.Mission{
		ID: "m-1", DateStart: "2026-01-01", DateEnd: "2026-01-07",
		MediaType: domain.MediaAll, Status: domain.MissionQueued,
		CreatedAt: now, QueuedAt: &now,
	})

	require.NoError(t, f.controller.Start(context.Background()))

	require.Eventually(t, func() bool {
		mission, err := f.store.GetMission(context.Background(), "m-1")
		if err != nil {
			return false
		}
		return mission.RetryCount >= 1
	}, 3*time.Second, 10*time.Millisecond)

	f.controller.Stop()

	errored, err := f.store.ListSessionsByStatus(context.Background(), domain.SessionError)
	require.NoError(t, err)
	require.NotEmpty(t, errored)
	require.Equal(t, domain.CodeNoProxyAvailable, errored[0].ErrorCode)

	mission, err := f.store.GetMission(context.Background(), "m-1")
	require.NoError(t, err)
	require.NotEqual(t, domain.MissionFailed, mission.Status)
	require.GreaterOrEqual(t, mission.RetryCount, 1)
	require.Zero(t, f.workerAPI.sessionCalls())
}

// Scrape exceeds its timeout: the mission is retried, not stuck.
func TestScenarioScrapeTimeoutRetries(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testAppConfig())
	f.seedReadyWorld()
	f.workerAPI.setSessionPhase("ready")
	f.workerAPI.startScrapeJobID = "job-1"
	f.workerAPI.setScrapeStatus(remote.ScrapeStatus{Status: remote.JobRunning})

	require.NoError(t, f.controller.Start(context.Background()))
	defer f.controller.Stop()

	require.Eventually(t, func() bool {
		mission, err := f.store.GetMission(context.Background(), "m-1")
		return err == nil && mission.Checkpoint == domain.CheckpointScraping
	}, 3*time.Second, 10*time.Millisecond)

	f.clock.Advance(11 * time.Minute)

	require.Eventually(t, func() bool {
		mission, err := f.store.GetMission(context.Background(), "m-1")
		return err == nil && mission.RetryCount >= 1
	}, 3*time.Second, 10*time.Millisecond)

	var sawTimeout bool
	for _, rec := range f.bus.History(0) {
		if evt, ok := rec.Payload.(bus.ScrapeFailedEvent); ok && evt.ErrorCode == domain.CodeScrapeStartFailed {
			sawTimeout = true
		}
	}
	require.True(t, sawTimeout)
}

// Writer refuses the job after a successful scrape: the mission still
// completes.
func TestScenarioWriterFailureStillCompletes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testAppConfig())
	f.seedReadyWorld()
	f.store.PutWriter(domain.Writer{ID: "wr-1", Name: "writer-a", URL: "http://wr", APIKey: "k", Active: true})
	f.workerAPI.setSessionPhase("ready")
	f.workerAPI.startScrapeJobID = "job-1"
	f.workerAPI.setScrapeStatus(remote.ScrapeStatus{Status: remote.JobCompleted, AdsScraped: 120})
	f.writerAPI.startProcessErr = errors.New("writer down")

	require.NoError(t, f.controller.Start(context.Background()))
	defer f.controller.Stop()

	require.Eventually(t, func() bool {
		mission, err := f.store.GetMission(context.Background(), "m-1")
		return err == nil && mission.Status == domain.MissionDone
	}, 3*time.Second, 10*time.Millisecond)

	mission, err := f.store.GetMission(context.Background(), "m-1")
	require.NoError(t, err)
	require.Equal(t, domain.CheckpointFinalized, mission.Checkpoint)
	require.Equal(t, 120, mission.AdsCount)

	// The session was ended gracefully, so the proxy carries no fault.
	p, ok := f.store.GetProxy("p-1")
	require.True(t, ok)
	require.Zero(t, p.FailCount)
	require.Empty(t, p.InUseBySessionID)
}

// Operator cancellation mid-scrape: session ended without a proxy fault,
// mission failed with the cancellation code, worker released.
func TestScenarioCancelRunningMission(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testAppConfig())
	f.seedReadyWorld()
	f.workerAPI.setSessionPhase("ready")
	f.workerAPI.startScrapeJobID = "job-1"
	f.workerAPI.setScrapeStatus(remote.ScrapeStatus{Status: remote.JobRunning})

	require.NoError(t, f.controller.Start(context.Background()))
	defer f.controller.Stop()

	require.Eventually(t, func() bool {
		active, err := f.store.ListSessionsByStatus(context.Background(), domain.SessionActive)
		if err != nil || len(active) != 1 {
			return false
		}
		mission, err := f.store.GetMission(context.Background(), "m-1")
		return err == nil && mission.Checkpoint == domain.CheckpointScraping
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, f.controller.CancelMission(context.Background(), "m-1"))

	mission, err := f.store.GetMission(context.Background(), "m-1")
	require.NoError(t, err)
	require.Equal(t, domain.MissionFailed, mission.Status)
	require.Equal(t, domain.CodeCancelled, mission.ErrorCode)

	ended, err := f.store.ListSessionsByStatus(context.Background(), domain.SessionEnded)
	require.NoError(t, err)
	require.Len(t, ended, 1)

	p, ok := f.store.GetProxy("p-1")
	require.True(t, ok)
	require.Zero(t, p.FailCount)
	require.Empty(t, p.InUseBySessionID)

	require.Eventually(t, func() bool {
		worker, err := f.store.GetWorker(context.Background(), "w-1")
		return err == nil && worker.Status == domain.WorkerIdle
	}, 3*time.Second, 10*time.Millisecond)

	// Cancelling a terminal mission is rejected.
	require.Error(t, f.controller.CancelMission(context.Background(), "m-1"))
}

func TestGetStatusAggregates(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testAppConfig())

	status := f.controller.GetStatus()
	require.False(t, status.Running)

	require.NoError(t, f.controller.Start(context.Background()))
	defer f.controller.Stop()

	status = f.controller.GetStatus()
	require.True(t, status.Running)
	require.Contains(t, status.Counters, "tracked_sessions")
	require.Contains(t, status.Counters, "active_scrapes")
	require.NotEmpty(t, status.RecentEvents)
	require.Equal(t, bus.OrchestratorStarted, status.RecentEvents[len(status.RecentEvents)-1].Event)
}
