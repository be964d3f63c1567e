// Package config loads the engine's YAML configuration and hot-reloads
// the points scheme file while the process runs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Luisd07/SuperNats-28-Points-Tracker/pkg/timing"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultFeedAddr          = "127.0.0.1:50000"
	DefaultDialTimeout       = 5 * time.Second
	DefaultReadTimeout       = 5 * time.Second
	DefaultMaxBackoff        = 10 * time.Second
	DefaultHTTPPort          = 8080
	DefaultBroadcastInterval = time.Second
	DefaultStorePath         = "sn28.db"
	DefaultFieldSize         = 120
)

// Config is the top-level runtime configuration. Fields map 1:1 to
// config.example.yaml.
type Config struct {
	Feed   FeedConfig   `yaml:"feed"`
	API    APIConfig    `yaml:"api"`
	Points PointsConfig `yaml:"points"`
	Store  StoreConfig  `yaml:"store"`
	Export ExportConfig `yaml:"export"`
}

// FeedConfig describes the Orbits timing provider connection.
type FeedConfig struct {
	// Addr is the timing provider's TCP endpoint (host:port).
	Addr string `yaml:"addr"`

	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// ReadTimeout is the per-read deadline; a silent feed longer than
	// this triggers a reconnect.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// MaxBackoff caps the doubling reconnect backoff.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// RankingMode selects how sessions order their classification:
	// "time" (lap-derived) or "feed" (feed-reported running order).
	// Fixed per session at creation.
	RankingMode string `yaml:"ranking_mode"`
}

// APIConfig describes the HTTP/WebSocket surface.
type APIConfig struct {
	// Port is the combined REST + WebSocket listen port.
	Port int `yaml:"port"`

	// BroadcastInterval is how often the live classification is pushed
	// to WebSocket clients.
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
}

// PointsConfig selects the scoring scheme.
type PointsConfig struct {
	// FieldSize bounds how many positions score.
	FieldSize int `yaml:"field_size"`

	// SchemeFile optionally overrides the built-in SN28 scales with
	// custom ones; the file is watched and hot-reloaded on change.
	SchemeFile string `yaml:"scheme_file"`
}

// StoreConfig describes the official-result archive.
type StoreConfig struct {
	// Path is the BoltDB file for published official units.
	Path string `yaml:"path"`
}

// ExportConfig describes the Avro export of published units.
type ExportConfig struct {
	// Dir receives one Avro file per published (session, version).
	// Empty disables the export sink.
	Dir string `yaml:"dir"`
}

// Mode resolves the configured ranking mode string.
func (f FeedConfig) Mode() timing.RankingMode {
	mode, _ := timing.ParseRankingMode(f.RankingMode)
	return mode
}

// Load reads and parses the YAML config file at path. Missing optional
// fields are filled with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Defaults returns a Config pre-populated with default values.
func Defaults() *Config {
	return &Config{
		Feed: FeedConfig{
			Addr:        DefaultFeedAddr,
			DialTimeout: DefaultDialTimeout,
			ReadTimeout: DefaultReadTimeout,
			MaxBackoff:  DefaultMaxBackoff,
			RankingMode: "time",
		},
		API: APIConfig{
			Port:              DefaultHTTPPort,
			BroadcastInterval: DefaultBroadcastInterval,
		},
		Points: PointsConfig{
			FieldSize: DefaultFieldSize,
		},
		Store: StoreConfig{
			Path: DefaultStorePath,
		},
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	if cfg.Feed.Addr == "" {
		return fmt.Errorf("feed.addr is required")
	}
	if _, ok := timing.ParseRankingMode(cfg.Feed.RankingMode); !ok {
		return fmt.Errorf("feed.ranking_mode must be \"time\" or \"feed\", got %q",
			cfg.Feed.RankingMode)
	}
	if cfg.API.Port < 1 || cfg.API.Port > 65535 {
		return fmt.Errorf("api.port must be 1-65535")
	}
	if cfg.API.BroadcastInterval <= 0 {
		return fmt.Errorf("api.broadcast_interval must be positive")
	}
	if cfg.Points.FieldSize < 1 {
		return fmt.Errorf("points.field_size must be >= 1")
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	return nil
}
