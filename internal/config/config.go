// Package config loads the engine configuration from YAML with environment
// overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Market   MarketConfig   `yaml:"market"`
	Executor ExecutorConfig `yaml:"executor"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Defense  DefenseConfig  `yaml:"defense"`
	Analysis AnalysisConfig `yaml:"analysis"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`          // listen address, e.g. ":8090"
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // per-request read timeout
	WriteTimeout time.Duration `yaml:"write_timeout"` // per-request write timeout
}

// StoreConfig selects the plan repository backend.
type StoreConfig struct {
	Backend     string        `yaml:"backend"`      // "memory" or "postgres"
	PostgresDSN string        `yaml:"postgres_dsn"` // required for postgres
	Timeout     time.Duration `yaml:"timeout"`      // per-query timeout
}

// MarketConfig configures the market data gateway.
type MarketConfig struct {
	BaseURL        string        `yaml:"base_url"`        // candle/quote REST endpoint
	FeedURL        string        `yaml:"feed_url"`        // websocket quote feed, empty disables
	Symbols        []string      `yaml:"symbols"`         // symbols the feed subscribes to
	CacheTTL       time.Duration `yaml:"cache_ttl"`       // snapshot cache TTL
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`   // upstream fetch timeout
	RequestsPerSec float64       `yaml:"requests_per_sec"`
	Burst          int           `yaml:"burst"`
}

// ExecutorConfig selects the execution gateway.
type ExecutorConfig struct {
	Mode      string `yaml:"mode"`       // "bridge" or "paper"
	BridgeURL string `yaml:"bridge_url"` // broker bridge sidecar
}

// MonitorConfig tunes the monitor loop and its watchdog.
type MonitorConfig struct {
	Interval         time.Duration `yaml:"interval"`          // evaluation cycle interval
	WatchdogInterval time.Duration `yaml:"watchdog_interval"` // liveness check interval
	Timeframes       []string      `yaml:"timeframes"`        // snapshot timeframes
	CandleCount      int           `yaml:"candle_count"`      // candles per timeframe
}

// DefenseConfig tunes the defensive-state cache.
type DefenseConfig struct {
	BaseURL      string        `yaml:"base_url"` // risk subsystem endpoint, empty disables
	FreshTTL     time.Duration `yaml:"fresh_ttl"`
	LastGoodTTL  time.Duration `yaml:"last_good_ttl"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
	Attempts     int           `yaml:"attempts"`
}

// AnalysisConfig tunes the pre-execution analysis race.
type AnalysisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Deadline time.Duration `yaml:"deadline"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8090",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Backend: "memory",
			Timeout: 5 * time.Second,
		},
		Market: MarketConfig{
			CacheTTL:       60 * time.Second,
			FetchTimeout:   5 * time.Second,
			RequestsPerSec: 10,
			Burst:          20,
		},
		Executor: ExecutorConfig{
			Mode:      "paper",
			BridgeURL: "http://127.0.0.1:8787",
		},
		Monitor: MonitorConfig{
			Interval:         30 * time.Second,
			WatchdogInterval: 45 * time.Second,
			Timeframes:       []string{"M1", "M5", "M15", "H1"},
			CandleCount:      100,
		},
		Defense: DefenseConfig{
			FreshTTL:     10 * time.Second,
			LastGoodTTL:  30 * time.Second,
			QueryTimeout: 2 * time.Second,
			Attempts:     2,
		},
		Analysis: AnalysisConfig{
			Enabled:  true,
			Deadline: 15 * time.Second,
		},
	}
}

// Load reads a YAML config file over the defaults, then applies environment
// overrides. An empty path returns defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays deployment-specific values from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("PLANRUN_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("PLANRUN_POSTGRES_DSN"); v != "" {
		c.Store.Backend = "postgres"
		c.Store.PostgresDSN = v
	}
	if v := os.Getenv("PLANRUN_BRIDGE_URL"); v != "" {
		c.Executor.Mode = "bridge"
		c.Executor.BridgeURL = v
	}
	if v := os.Getenv("PLANRUN_MARKET_URL"); v != "" {
		c.Market.BaseURL = v
	}
	if v := os.Getenv("PLANRUN_FEED_URL"); v != "" {
		c.Market.FeedURL = v
	}
	if v := os.Getenv("PLANRUN_DEFENSE_URL"); v != "" {
		c.Defense.BaseURL = v
	}
}

// Validate ensures the configuration is consistent.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store backend postgres requires postgres_dsn")
		}
	default:
		return fmt.Errorf("unknown store backend: %s", c.Store.Backend)
	}

	switch c.Executor.Mode {
	case "paper":
	case "bridge":
		if c.Executor.BridgeURL == "" {
			return fmt.Errorf("executor mode bridge requires bridge_url")
		}
	default:
		return fmt.Errorf("unknown executor mode: %s", c.Executor.Mode)
	}

	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor interval must be positive, got %s", c.Monitor.Interval)
	}
	if c.Monitor.WatchdogInterval <= 0 {
		return fmt.Errorf("watchdog interval must be positive, got %s", c.Monitor.WatchdogInterval)
	}
	if len(c.Monitor.Timeframes) == 0 {
		return fmt.Errorf("monitor requires at least one timeframe")
	}
	return nil
}
