package orchestrator

import (
	"strconv"
	"time"

	"github.com/deeptube/mission-control/internal/config"
)

// Session status must be observed frequently enough that timeouts and
// ready transitions are not missed; operator overrides cannot slow the
// session poll beyond this.
const maxSessionPollingInterval = 5 * time.Second

// Config is the resolved set of manager tunables for one controller run.
// It starts from the compiled defaults and is overlaid with the datastore
// settings table at start.
type Config struct {
	SessionPollingInterval time.Duration
	WorkerPollingInterval  time.Duration
	MissionPollingInterval time.Duration

	SessionTimeout time.Duration
	ScrapeTimeout  time.Duration
	WriterTimeout  time.Duration

	MaxSessionRetries      int
	MaxMissionRetries      int
	MaxConsecutiveFailures int
	MaxBackoffInterval     time.Duration

	MaxAds    int
	BatchSize int
}

// ConfigFrom converts the loaded service configuration into runtime tunables.
func ConfigFrom(oc config.OrchestratorConfig, sc config.ScrapeConfig) Config {
	return Config{
		SessionPollingInterval: time.Duration(oc.SessionPollingIntervalMs) * time.Millisecond,
		WorkerPollingInterval:  time.Duration(oc.WorkerPollingIntervalMs) * time.Millisecond,
		MissionPollingInterval: time.Duration(oc.MissionPollingIntervalMs) * time.Millisecond,
		SessionTimeout:         time.Duration(oc.SessionTimeoutMs) * time.Millisecond,
		ScrapeTimeout:          time.Duration(oc.ScrapeTimeoutMs) * time.Millisecond,
		WriterTimeout:          time.Duration(oc.WriterTimeoutMs) * time.Millisecond,
		MaxSessionRetries:      oc.MaxSessionRetries,
		MaxMissionRetries:      oc.MaxMissionRetries,
		MaxConsecutiveFailures: oc.MaxConsecutiveFailures,
		MaxBackoffInterval:     time.Duration(oc.MaxBackoffIntervalMs) * time.Millisecond,
		MaxAds:                 sc.MaxAds,
		BatchSize:              sc.BatchSize,
	}
}

// ApplySettings overlays operator-tunable keys from the settings table.
// Unknown keys and unparseable values are ignored; the compiled defaults
// stand.
func (c Config) ApplySettings(settings map[string]string) Config {
	if v, ok := positiveInt(settings, "polling_interval_seconds"); ok {
		interval := time.Duration(v) * time.Second
		c.WorkerPollingInterval = interval
		c.MissionPollingInterval = interval
		c.SessionPollingInterval = interval
		if c.SessionPollingInterval > maxSessionPollingInterval {
			c.SessionPollingInterval = maxSessionPollingInterval
		}
	}
	if v, ok := positiveInt(settings, "session_timeout_seconds"); ok {
		c.SessionTimeout = time.Duration(v) * time.Second
	}
	if v, ok := positiveInt(settings, "scrape_timeout_seconds"); ok {
		c.ScrapeTimeout = time.Duration(v) * time.Second
	}
	if v, ok := positiveInt(settings, "max_ads_per_mission"); ok {
		c.MaxAds = v
	}
	if v, ok := positiveInt(settings, "batch_size"); ok {
		c.BatchSize = v
	}
	return c
}

func positiveInt(settings map[string]string, key string) (int, bool) {
	raw, ok := settings[key]
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
