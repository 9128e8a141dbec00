// Package config loads and validates shardvault's configuration surface:
// shard topology, routing strategy, connection pool tunables, encryption
// parameters, background-timer intervals, and logging. Configuration is
// loaded from a YAML file with environment-variable overrides, and can be
// hot-reloaded via fsnotify.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Strategy is the shard-routing method.
type Strategy string

const (
	StrategyHash      Strategy = "hash"
	StrategyRange     Strategy = "range"
	StrategyDirectory Strategy = "directory"
)

// PoolConfig tunes the per-shard connection pool (C2).
type PoolConfig struct {
	MaxConnections   int  `yaml:"maxConnections"`
	MinConnections   int  `yaml:"minConnections"`
	AcquireTimeoutMs int  `yaml:"acquireTimeoutMs"`
	IdleTimeoutMs    int  `yaml:"idleTimeoutMs"`
	EnableWAL        bool `yaml:"enableWAL"`
	BusyTimeoutMs    int  `yaml:"busyTimeoutMs"`
	CacheSize        int  `yaml:"cacheSize"`
}

// EncryptionConfig tunes the AEAD encryption service (C4).
type EncryptionConfig struct {
	Algorithm  string `yaml:"algorithm"`
	KDF        string `yaml:"kdf"`
	Iterations int    `yaml:"iterations"`
	KeyLength  int    `yaml:"keyLength"`
	IVLength   int    `yaml:"ivLength"`
	SaltLength int    `yaml:"saltLength"`
	TagLength  int    `yaml:"tagLength"`
}

// ThresholdsConfig bounds per-shard resource usage. The values are loaded,
// validated and saved with the rest of the configuration; neither rebalance
// nor the health checks read them.
type ThresholdsConfig struct {
	MaxRecordsPerShard     int64 `yaml:"maxRecordsPerShard"`
	MaxDiskUsagePerShard   int64 `yaml:"maxDiskUsagePerShard"`
	MaxConnectionsPerShard int   `yaml:"maxConnectionsPerShard"`
}

// LoggingConfig feeds logging.Initialize.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debugMode"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"jsonFormat"`
	Categories map[string]bool `yaml:"categories"`
}

// Config is the complete configuration surface: routing, pooling,
// encryption, thresholds, and logging.
type Config struct {
	AppDataPath string `yaml:"appDataPath"`

	ShardCount          int      `yaml:"shardCount"`
	Strategy            Strategy `yaml:"strategy"`
	ConsistentHashing   bool     `yaml:"consistentHashing"`
	VirtualNodes        int      `yaml:"virtualNodes"`
	AutoRebalance       bool     `yaml:"autoRebalance"`
	RebalanceIntervalMs int      `yaml:"rebalanceIntervalMs"`
	HealthCheckIntervalMs int    `yaml:"healthCheckIntervalMs"`
	MetricsIntervalMs   int      `yaml:"metricsIntervalMs"`
	MigrationBatchSize  int      `yaml:"migrationBatchSize"`

	Pool       PoolConfig       `yaml:"pool"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Thresholds ThresholdsConfig `yaml:"thresholds"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DefaultConfig returns the documented default for every field.
func DefaultConfig() Config {
	return Config{
		AppDataPath: "",

		ShardCount:            4,
		Strategy:              StrategyHash,
		ConsistentHashing:     true,
		VirtualNodes:          150,
		AutoRebalance:         true,
		RebalanceIntervalMs:   3_600_000,
		HealthCheckIntervalMs: 300_000,
		MetricsIntervalMs:     60_000,
		MigrationBatchSize:    1_000,

		Pool: PoolConfig{
			MaxConnections:   10,
			MinConnections:   2,
			AcquireTimeoutMs: 30_000,
			IdleTimeoutMs:    300_000,
			EnableWAL:        true,
			BusyTimeoutMs:    30_000,
			CacheSize:        2000,
		},
		Encryption: EncryptionConfig{
			Algorithm:  "AES-256-GCM",
			KDF:        "PBKDF2",
			Iterations: 100_000,
			KeyLength:  32,
			IVLength:   12,
			SaltLength: 32,
			TagLength:  16,
		},
		Thresholds: ThresholdsConfig{
			MaxRecordsPerShard:     1_000_000,
			MaxDiskUsagePerShard:   10 << 30, // 10 GiB
			MaxConnectionsPerShard: 10,
		},
		Logging: LoggingConfig{
			DebugMode:  false,
			Level:      "info",
			JSONFormat: false,
			Categories: nil,
		},
	}
}

// Load reads a YAML config file, falling back to defaults for any field
// the file omits, then applies environment-variable overrides.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				applyEnvOverrides(&cfg)
				return cfg, cfg.Validate()
			}
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, cfg.Validate()
}

// Save writes the configuration to path as YAML.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Validate checks invariants Load cannot express via zero-values alone.
func (c Config) Validate() error {
	if c.ShardCount < 1 {
		return fmt.Errorf("config: shardCount must be >= 1, got %d", c.ShardCount)
	}
	switch c.Strategy {
	case StrategyHash, StrategyRange, StrategyDirectory:
	default:
		return fmt.Errorf("config: unknown strategy %q", c.Strategy)
	}
	if c.VirtualNodes < 1 {
		return fmt.Errorf("config: virtualNodes must be >= 1, got %d", c.VirtualNodes)
	}
	if c.Pool.MaxConnections < c.Pool.MinConnections {
		return fmt.Errorf("config: pool.maxConnections (%d) must be >= pool.minConnections (%d)", c.Pool.MaxConnections, c.Pool.MinConnections)
	}
	if c.Encryption.Iterations < 100_000 {
		return fmt.Errorf("config: encryption.iterations must be >= 100000, got %d", c.Encryption.Iterations)
	}
	return nil
}

// applyEnvOverrides lets deployment environments override individual
// fields without editing the YAML file, using a SHARDVAULT_-prefixed
// environment variable per field.
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("SHARDVAULT_APP_DATA_PATH"); v != "" {
		c.AppDataPath = v
	}
	if v := os.Getenv("SHARDVAULT_SHARD_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ShardCount = n
		}
	}
	if v := os.Getenv("SHARDVAULT_STRATEGY"); v != "" {
		c.Strategy = Strategy(v)
	}
	if v := os.Getenv("SHARDVAULT_CONSISTENT_HASHING"); v != "" {
		c.ConsistentHashing = parseBool(v, c.ConsistentHashing)
	}
	if v := os.Getenv("SHARDVAULT_VIRTUAL_NODES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.VirtualNodes = n
		}
	}
	if v := os.Getenv("SHARDVAULT_AUTO_REBALANCE"); v != "" {
		c.AutoRebalance = parseBool(v, c.AutoRebalance)
	}
	if v := os.Getenv("SHARDVAULT_POOL_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pool.MaxConnections = n
		}
	}
	if v := os.Getenv("SHARDVAULT_POOL_MIN_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pool.MinConnections = n
		}
	}
	if v := os.Getenv("SHARDVAULT_ENCRYPTION_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Encryption.Iterations = n
		}
	}
	if v := os.Getenv("SHARDVAULT_LOG_DEBUG"); v != "" {
		c.Logging.DebugMode = parseBool(v, c.Logging.DebugMode)
	}
	if v := os.Getenv("SHARDVAULT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func parseBool(v string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
