// Package config loads gridcore's runtime configuration: control-plane and
// compute-plane tunables plus the ambient bind/log/retention settings every
// process needs.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// TaskQueueService selects the task queue tier shape.
type TaskQueueService string

const (
	TaskQueueSingle   TaskQueueService = "single"
	TaskQueuePriority TaskQueueService = "priority"
)

// TelegramConfig controls the optional operator-alert channel.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	ChatIDs    []int64 `yaml:"chat_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// Config is gridcore's effective runtime configuration, merged from
// config.yaml, environment overrides, then normalized defaults.
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	DBPath        string `yaml:"db_path"`
	BlobStoreRoot string `yaml:"blob_store_root"`

	// MaxRetries: retries beyond which a task is failed.
	MaxRetries int `yaml:"max_retries"`

	// TTLRefreshIntervalSec / TTLExpirationOffsetSec: heartbeat cadence and
	// lease length. Refresh MUST be strictly less than offset.
	TTLRefreshIntervalSec  int `yaml:"ttl_refresh_interval_sec"`
	TTLExpirationOffsetSec int `yaml:"ttl_expiration_offset_sec"`

	// AgentVisibilitySec: how long an agent extends the queue message lease
	// after claim.
	AgentVisibilitySec int `yaml:"agent_visibility_sec"`

	// EmptyQueueBackoffSec: idle-agent sleep base; actual sleep is jittered
	// in [v, 2v).
	EmptyQueueBackoffSec int `yaml:"empty_queue_backoff_sec"`

	// ReclaimerIntervalSec controls how often the reclaimer sweep fires.
	ReclaimerIntervalSec int `yaml:"reclaimer_interval_sec"`
	// ReclaimerPageLimit bounds each partition's query_expired scan.
	ReclaimerPageLimit int `yaml:"reclaimer_page_limit"`
	// StatePartitions (P) is the fixed partition count for the state table's
	// secondary indexes. Immutable for the store's lifetime once chosen.
	StatePartitions int `yaml:"state_partitions"`

	// TaskQueueService selects single-tier vs priority-tier dispatch.
	TaskQueueService TaskQueueService `yaml:"task_queue_service"`
	// Priorities is the subqueue count when TaskQueueService is "priority".
	Priorities int `yaml:"priorities"`

	// PayloadInExternalStore: whether submission payload is indirected
	// through the blob store.
	PayloadInExternalStore bool `yaml:"payload_in_external_store"`

	// ThrottleBackoffSkipThreshold: upstream-throttle count above which the
	// reclaimer skips a cycle.
	ThrottleBackoffSkipThreshold int `yaml:"throttle_backoff_skip_threshold"`

	// SessionShardThreshold: tasks-per-session above which the submitter
	// splits a session into parent_session_id-linked shards. 0 disables
	// sharding.
	SessionShardThreshold int `yaml:"session_shard_threshold"`

	// TTLJitterFraction biases each task's lease expiry to avoid
	// thundering-herd reclaimer sweeps .
	TTLJitterFraction float64 `yaml:"ttl_jitter_fraction"`

	Telegram TelegramConfig `yaml:"telegram"`

	// AllowOrigins controls which Origin headers are accepted on the
	// dashboard websocket. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr:                     "127.0.0.1:8780",
		LogLevel:                     "info",
		MaxRetries:                   5,
		TTLRefreshIntervalSec:        10,
		TTLExpirationOffsetSec:       30,
		AgentVisibilitySec:           60,
		EmptyQueueBackoffSec:         2,
		ReclaimerIntervalSec:         60,
		ReclaimerPageLimit:           200,
		StatePartitions:              32,
		TaskQueueService:             TaskQueuePriority,
		Priorities:                   2,
		PayloadInExternalStore:       true,
		ThrottleBackoffSkipThreshold: 50,
		SessionShardThreshold:        0,
		TTLJitterFraction:            0.1,
	}
}

// HomeDir returns the directory gridcore persists its database, blobs and
// config under, honoring the GRIDCORE_HOME override.
func HomeDir() string {
	if override := os.Getenv("GRIDCORE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gridcore")
}

// Load reads config.yaml from HomeDir (if present), applies environment
// overrides, and fills in normalized defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create gridcore home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8780"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "gridcore.db")
	}
	if cfg.BlobStoreRoot == "" {
		cfg.BlobStoreRoot = filepath.Join(cfg.HomeDir, "blobs")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.TTLRefreshIntervalSec <= 0 {
		cfg.TTLRefreshIntervalSec = 10
	}
	if cfg.TTLExpirationOffsetSec <= 0 {
		cfg.TTLExpirationOffsetSec = 30
	}
	if cfg.AgentVisibilitySec <= 0 {
		cfg.AgentVisibilitySec = 60
	}
	if cfg.EmptyQueueBackoffSec <= 0 {
		cfg.EmptyQueueBackoffSec = 2
	}
	if cfg.ReclaimerIntervalSec <= 0 {
		cfg.ReclaimerIntervalSec = 60
	}
	if cfg.ReclaimerPageLimit <= 0 {
		cfg.ReclaimerPageLimit = 200
	}
	if cfg.StatePartitions <= 0 {
		cfg.StatePartitions = 32
	}
	if cfg.TaskQueueService == "" {
		cfg.TaskQueueService = TaskQueuePriority
	}
	if cfg.Priorities <= 0 {
		cfg.Priorities = 1
	}
	if cfg.ThrottleBackoffSkipThreshold <= 0 {
		cfg.ThrottleBackoffSkipThreshold = 50
	}
}

// validate enforces the one cross-field invariant that matters at boot:
// refresh < offset, or a heartbeat can never land inside its own lease.
func validate(cfg *Config) error {
	if cfg.TTLRefreshIntervalSec >= cfg.TTLExpirationOffsetSec {
		return fmt.Errorf("ttl_refresh_interval_sec (%d) must be strictly less than ttl_expiration_offset_sec (%d)",
			cfg.TTLRefreshIntervalSec, cfg.TTLExpirationOffsetSec)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GRIDCORE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("GRIDCORE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GRIDCORE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("GRIDCORE_MAX_RETRIES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxRetries = v
		}
	}
	if raw := os.Getenv("GRIDCORE_TTL_REFRESH_INTERVAL_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TTLRefreshIntervalSec = v
		}
	}
	if raw := os.Getenv("GRIDCORE_TTL_EXPIRATION_OFFSET_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TTLExpirationOffsetSec = v
		}
	}
	if raw := os.Getenv("GRIDCORE_STATE_PARTITIONS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.StatePartitions = v
		}
	}
	if raw := os.Getenv("GRIDCORE_PRIORITIES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Priorities = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
		cfg.Telegram.Enabled = true
	}
}

// Fingerprint returns a stable hash of the active config, useful for
// logging which configuration a running process picked up.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|retries=%d|refresh=%d|offset=%d|partitions=%d|priorities=%d",
		c.BindAddr, c.MaxRetries, c.TTLRefreshIntervalSec, c.TTLExpirationOffsetSec,
		c.StatePartitions, c.Priorities)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// HeartbeatInterval is the parsed TTLRefreshIntervalSec.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.TTLRefreshIntervalSec) * time.Second
}

// LeaseOffset is the parsed TTLExpirationOffsetSec.
func (c Config) LeaseOffset() time.Duration {
	return time.Duration(c.TTLExpirationOffsetSec) * time.Second
}
