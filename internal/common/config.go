// Package common provides shared utilities for ciqueue
package common

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for ciqueue
type Config struct {
	Environment string         `toml:"environment"`
	Build       BuildConfig    `toml:"build"`
	Redis       RedisConfig    `toml:"redis"`
	Timing      TimingConfig   `toml:"timing"`
	Strategy    StrategyConfig `toml:"strategy"`
	Logging     LoggingConfig  `toml:"logging"`
}

// BuildConfig holds build identity and distribution protocol knobs.
type BuildConfig struct {
	BuildID  string `toml:"build_id"`
	WorkerID string `toml:"worker_id"`
	Seed     string `toml:"seed"`

	// Namespace prefixes the keyspace ("{namespace}:{build_id}:<entity>").
	Namespace string `toml:"namespace"`

	Timeout                string `toml:"timeout"`                  // default lease duration
	RedisTTL               string `toml:"redis_ttl"`                // TTL for all build keys
	QueueInitTimeout       string `toml:"queue_init_timeout"`       // max wait for master ready
	ReportTimeout          string `toml:"report_timeout"`           // supervisor overall cap
	InactiveWorkersTimeout string `toml:"inactive_workers_timeout"` // supervisor no-worker cap

	MaxRequeues      int     `toml:"max_requeues"`
	RequeueTolerance float64 `toml:"requeue_tolerance"`
	RequeueOffset    int     `toml:"requeue_offset"`
	MaxTestFailed    int     `toml:"max_test_failed"` // 0 = unlimited

	HeartbeatInterval            string `toml:"heartbeat_interval"`
	HeartbeatGracePeriod         string `toml:"heartbeat_grace_period"`
	MasterSetupHeartbeatInterval string `toml:"master_setup_heartbeat_interval"`
	MasterSetupHeartbeatTimeout  string `toml:"master_setup_heartbeat_timeout"`

	KnownFlakyTests []string `toml:"known_flaky_tests"` // never requeued
	FlakyTests      []string `toml:"flaky_tests"`       // every pass is added to the flaky set; failures are recorded as usual

	ManifestPath string `toml:"manifest_path"` // JSON array of unit IDs (worker binary)
	FailureFile  string `toml:"failure_file"`  // supervisor failure report artifact
	Retry        bool   `toml:"retry"`         // consume this worker's failed subset only
}

// RedisConfig holds connection settings for the coordination store.
type RedisConfig struct {
	URL          string `toml:"url"`
	DialTimeout  string `toml:"dial_timeout"`
	ReadTimeout  string `toml:"read_timeout"`
	WriteTimeout string `toml:"write_timeout"`
}

// TimingConfig holds the EMA oracle location and fallbacks.
type TimingConfig struct {
	RedisURL   string `toml:"redis_url"` // empty = share the build store
	Key        string `toml:"key"`
	File       string `toml:"file"`        // JSON {id: duration_ms} fallback
	FallbackMS int64  `toml:"fallback_ms"` // estimate for unknown units
}

// StrategyConfig holds ordering strategy selection and chunking bounds.
type StrategyConfig struct {
	Name               string  `toml:"name"` // random | timing | suite
	BufferPercent      float64 `toml:"buffer_percent"`
	MinChunkDurationMS int64   `toml:"minimum_max_chunk_duration"`
	MaxChunkDurationMS int64   `toml:"maximum_max_chunk_duration"`
	ParallelJobCount   int     `toml:"parallel_job_count"` // 0 = read from env
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string   `toml:"level"`
	Format  string   `toml:"format"`
	Outputs []string `toml:"outputs"`
}

// parseDuration parses a duration string, returning fallback on empty or
// malformed input.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetTimeout returns the default lease duration.
func (c *BuildConfig) GetTimeout() time.Duration {
	return parseDuration(c.Timeout, 30*time.Second)
}

// GetRedisTTL returns the TTL applied to every build key.
func (c *BuildConfig) GetRedisTTL() time.Duration {
	return parseDuration(c.RedisTTL, 8*time.Hour)
}

// GetQueueInitTimeout returns the max wait for the master to publish the
// queue. Defaults to the lease timeout.
func (c *BuildConfig) GetQueueInitTimeout() time.Duration {
	return parseDuration(c.QueueInitTimeout, c.GetTimeout())
}

// GetReportTimeout returns the supervisor's overall deadline.
func (c *BuildConfig) GetReportTimeout() time.Duration {
	return parseDuration(c.ReportTimeout, c.GetTimeout())
}

// GetInactiveWorkersTimeout returns how long the supervisor tolerates a build
// with no live leases.
func (c *BuildConfig) GetInactiveWorkersTimeout() time.Duration {
	return parseDuration(c.InactiveWorkersTimeout, c.GetTimeout())
}

// GetHeartbeatInterval returns the worker-loop heartbeat period.
func (c *BuildConfig) GetHeartbeatInterval() time.Duration {
	return parseDuration(c.HeartbeatInterval, 10*time.Second)
}

// GetHeartbeatGracePeriod returns the reserve-lost steal tolerance.
func (c *BuildConfig) GetHeartbeatGracePeriod() time.Duration {
	return parseDuration(c.HeartbeatGracePeriod, 30*time.Second)
}

// GetMasterSetupHeartbeatInterval returns the master's setup heartbeat period.
func (c *BuildConfig) GetMasterSetupHeartbeatInterval() time.Duration {
	return parseDuration(c.MasterSetupHeartbeatInterval, 5*time.Second)
}

// GetMasterSetupHeartbeatTimeout returns the staleness threshold beyond which
// a follower may take over a setup-phase master.
func (c *BuildConfig) GetMasterSetupHeartbeatTimeout() time.Duration {
	return parseDuration(c.MasterSetupHeartbeatTimeout, 30*time.Second)
}

// GetRequeueOffset returns how far from the tail a requeued unit is
// re-inserted.
func (c *BuildConfig) GetRequeueOffset() int {
	if c.RequeueOffset <= 0 {
		return 42
	}
	return c.RequeueOffset
}

// GlobalMaxRequeues returns the build-wide requeue budget for a batch of the
// given size.
func (c *BuildConfig) GlobalMaxRequeues(total int) int {
	return int(math.Ceil(float64(total) * c.RequeueTolerance))
}

// SeedValue returns the shuffle seed as an int64, hashing non-numeric seeds
// (commit SHAs) deterministically.
func (c *BuildConfig) SeedValue() int64 {
	if c.Seed == "" {
		return 0
	}
	if n, err := strconv.ParseInt(c.Seed, 10, 64); err == nil {
		return n
	}
	var h int64
	for _, r := range c.Seed {
		h = h*31 + int64(r)
	}
	return h
}

// GetDialTimeout returns the store dial timeout.
func (c *RedisConfig) GetDialTimeout() time.Duration {
	return parseDuration(c.DialTimeout, 5*time.Second)
}

// GetReadTimeout returns the store read timeout.
func (c *RedisConfig) GetReadTimeout() time.Duration {
	return parseDuration(c.ReadTimeout, 3*time.Second)
}

// GetWriteTimeout returns the store write timeout.
func (c *RedisConfig) GetWriteTimeout() time.Duration {
	return parseDuration(c.WriteTimeout, 3*time.Second)
}

// GetFallback returns the duration estimate in ms for units absent from the oracle.
func (c *TimingConfig) GetFallback() float64 {
	if c.FallbackMS <= 0 {
		return 100
	}
	return float64(c.FallbackMS)
}

// GetKey returns the timing store hash key.
func (c *TimingConfig) GetKey() string {
	if c.Key == "" {
		return "timing_data"
	}
	return c.Key
}

// GetBufferPercent returns the chunk budget headroom percentage.
func (c *StrategyConfig) GetBufferPercent() float64 {
	if c.BufferPercent <= 0 {
		return 10
	}
	return c.BufferPercent
}

// GetMinChunkDuration returns the lower chunk budget bound in milliseconds.
func (c *StrategyConfig) GetMinChunkDuration() float64 {
	if c.MinChunkDurationMS <= 0 {
		return 120_000
	}
	return float64(c.MinChunkDurationMS)
}

// GetMaxChunkDuration returns the upper chunk budget bound in milliseconds.
func (c *StrategyConfig) GetMaxChunkDuration() float64 {
	if c.MaxChunkDurationMS <= 0 {
		return 300_000
	}
	return float64(c.MaxChunkDurationMS)
}

// GetParallelJobCount returns the build parallelism used for the dynamic
// chunk budget, or 0 when unknown.
func (c *StrategyConfig) GetParallelJobCount() int {
	if c.ParallelJobCount > 0 {
		return c.ParallelJobCount
	}
	if v := os.Getenv("BUILDKITE_PARALLEL_JOB_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

// NewDefaultConfig returns a Config with the documented defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Build: BuildConfig{
			Timeout:                      "30s",
			RedisTTL:                     "8h",
			HeartbeatInterval:            "10s",
			HeartbeatGracePeriod:         "30s",
			MasterSetupHeartbeatInterval: "5s",
			MasterSetupHeartbeatTimeout:  "30s",
			RequeueOffset:                42,
		},
		Redis: RedisConfig{
			URL:          "redis://localhost:6379/0",
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Timing: TimingConfig{
			Key:        "timing_data",
			FallbackMS: 100,
		},
		Strategy: StrategyConfig{
			Name:               "random",
			BufferPercent:      10,
			MinChunkDurationMS: 120_000,
			MaxChunkDurationMS: 300_000,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Format:  "json",
			Outputs: []string{"console"},
		},
	}
}

// LoadConfig loads configuration from files with environment overrides
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier)
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // Skip missing files
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config.
// CIQUEUE_* variables win; CI-provider identifiers fill build/worker/seed
// when nothing explicit was given.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("CIQUEUE_ENV"); env != "" {
		config.Environment = env
	}
	if v := os.Getenv("CIQUEUE_REDIS_URL"); v != "" {
		config.Redis.URL = v
	}
	if v := os.Getenv("CIQUEUE_TIMING_REDIS_URL"); v != "" {
		config.Timing.RedisURL = v
	}
	if v := os.Getenv("CIQUEUE_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("CIQUEUE_NAMESPACE"); v != "" {
		config.Build.Namespace = v
	}
	if v := os.Getenv("CIQUEUE_STRATEGY"); v != "" {
		config.Strategy.Name = v
	}
	if v := os.Getenv("CIQUEUE_BUILD_ID"); v != "" {
		config.Build.BuildID = v
	}
	if v := os.Getenv("CIQUEUE_WORKER_ID"); v != "" {
		config.Build.WorkerID = v
	}
	if v := os.Getenv("CIQUEUE_SEED"); v != "" {
		config.Build.Seed = v
	}

	// CI-provider fallbacks
	if config.Build.BuildID == "" {
		for _, name := range []string{"BUILDKITE_BUILD_ID", "CIRCLE_BUILD_NUM", "GITHUB_RUN_ID", "TRAVIS_BUILD_ID"} {
			if v := os.Getenv(name); v != "" {
				config.Build.BuildID = v
				break
			}
		}
	}
	if config.Build.WorkerID == "" {
		for _, name := range []string{"BUILDKITE_PARALLEL_JOB", "CIRCLE_NODE_INDEX"} {
			if v := os.Getenv(name); v != "" {
				config.Build.WorkerID = v
				break
			}
		}
	}
	if config.Build.Seed == "" {
		for _, name := range []string{"BUILDKITE_COMMIT", "CIRCLE_SHA1", "GITHUB_SHA"} {
			if v := os.Getenv(name); v != "" {
				config.Build.Seed = v
				break
			}
		}
	}

	if v := os.Getenv("BUILDKITE_PARALLEL_JOB_COUNT"); v != "" && config.Strategy.ParallelJobCount == 0 {
		if n, err := strconv.Atoi(v); err == nil {
			config.Strategy.ParallelJobCount = n
		}
	}
}

// validate rejects configurations the protocol cannot run with.
func validate(config *Config) error {
	switch strings.ToLower(config.Strategy.Name) {
	case "", "random", "timing", "suite":
	default:
		return fmt.Errorf("unknown ordering strategy %q", config.Strategy.Name)
	}
	if config.Build.RequeueTolerance < 0 || config.Build.RequeueTolerance > 1 {
		return fmt.Errorf("requeue_tolerance %v out of range [0,1]", config.Build.RequeueTolerance)
	}
	if config.Build.MaxRequeues < 0 {
		return fmt.Errorf("max_requeues must not be negative")
	}
	return nil
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
