// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	DB           DBConfig           `mapstructure:"db"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Scrape       ScrapeConfig       `mapstructure:"scrape"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls access to the relational datastore.
type DBConfig struct {
	Provider        string `mapstructure:"provider"`
	DSN             string `mapstructure:"dsn"`
	MaxConns        int    `mapstructure:"max_conns"`
	MinConns        int    `mapstructure:"min_conns"`
	MaxConnLifetime int    `mapstructure:"max_conn_lifetime_seconds"`
}

// HTTPConfig configures the outbound worker/writer HTTP client.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// OrchestratorConfig holds the compiled defaults for the manager tunables.
// Values from the datastore settings table overlay these at controller
// start.
type OrchestratorConfig struct {
	SessionPollingIntervalMs int `mapstructure:"session_polling_interval_ms"`
	WorkerPollingIntervalMs  int `mapstructure:"worker_polling_interval_ms"`
	MissionPollingIntervalMs int `mapstructure:"mission_polling_interval_ms"`
	SessionTimeoutMs         int `mapstructure:"session_timeout_ms"`
	ScrapeTimeoutMs          int `mapstructure:"scrape_timeout_ms"`
	WriterTimeoutMs          int `mapstructure:"writer_timeout_ms"`
	MaxSessionRetries        int `mapstructure:"max_session_retries"`
	MaxMissionRetries        int `mapstructure:"max_mission_retries"`
	MaxConsecutiveFailures   int `mapstructure:"max_consecutive_failures"`
	MaxBackoffIntervalMs     int `mapstructure:"max_backoff_interval_ms"`
}

// ScrapeConfig bounds the scrape jobs dispatched to workers.
type ScrapeConfig struct {
	MaxAds    int `mapstructure:"max_ads"`
	BatchSize int `mapstructure:"batch_size"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.provider", "postgres")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime_seconds", 1800)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("orchestrator.session_polling_interval_ms", 5000)
	v.SetDefault("orchestrator.worker_polling_interval_ms", 10000)
	v.SetDefault("orchestrator.mission_polling_interval_ms", 10000)
	v.SetDefault("orchestrator.session_timeout_ms", 180000)
	v.SetDefault("orchestrator.scrape_timeout_ms", 600000)
	v.SetDefault("orchestrator.writer_timeout_ms", 300000)
	v.SetDefault("orchestrator.max_session_retries", 2)
	v.SetDefault("orchestrator.max_mission_retries", 3)
	v.SetDefault("orchestrator.max_consecutive_failures", 3)
	v.SetDefault("orchestrator.max_backoff_interval_ms", 60000)
	v.SetDefault("scrape.max_ads", 1000)
	v.SetDefault("scrape.batch_size", 100)
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.DB.Provider {
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when db.provider is postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown db.provider %q", c.DB.Provider)
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	o := c.Orchestrator
	for name, val := range map[string]int{
		"orchestrator.session_polling_interval_ms": o.SessionPollingIntervalMs,
		"orchestrator.worker_polling_interval_ms":  o.WorkerPollingIntervalMs,
		"orchestrator.mission_polling_interval_ms": o.MissionPollingIntervalMs,
		"orchestrator.session_timeout_ms":          o.SessionTimeoutMs,
		"orchestrator.scrape_timeout_ms":           o.ScrapeTimeoutMs,
		"orchestrator.writer_timeout_ms":           o.WriterTimeoutMs,
	} {
		if val <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if o.MaxMissionRetries <= 0 {
		return fmt.Errorf("orchestrator.max_mission_retries must be > 0")
	}
	if o.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("orchestrator.max_consecutive_failures must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// ClientTimeout converts the outbound HTTP timeout into a duration.
func (c Config) ClientTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
