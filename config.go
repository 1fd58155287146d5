package usagesync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SyncMode selects the active synchronization strategy.
type SyncMode string

const (
	ModeOneTime  SyncMode = "one-time"
	ModePeriodic SyncMode = "periodic"
	ModeRealtime SyncMode = "realtime"
)

// SyncConfig is the full configuration for a sync engine.
type SyncConfig struct {
	// DeviceID identifies this device in version vectors and document paths.
	// Generated and persisted on first run when empty.
	DeviceID string `json:"device_id" yaml:"device_id"`

	// DeviceName is the human-readable device label.
	DeviceName string `json:"device_name" yaml:"device_name"`

	// Mode selects the sync strategy: one-time, periodic or realtime.
	Mode SyncMode `json:"mode" yaml:"mode"`

	// Interval is the cadence for the periodic strategy.
	Interval time.Duration `json:"interval" yaml:"interval"`

	// BatchSize caps records grouped into one remote write cycle.
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// ConflictStrategy is the default automatic resolution strategy.
	ConflictStrategy ResolutionStrategy `json:"conflict_strategy" yaml:"conflict_strategy"`

	// DedupMaxAge bounds how long dedup entries are kept.
	DedupMaxAge time.Duration `json:"dedup_max_age" yaml:"dedup_max_age"`

	// ConflictDaysToKeep bounds retention of resolved conflict records.
	ConflictDaysToKeep int `json:"conflict_days_to_keep" yaml:"conflict_days_to_keep"`

	Local   LocalStoreConfig   `json:"local" yaml:"local"`
	Queue   OfflineQueueConfig `json:"queue" yaml:"queue"`
	Retry   RetryConfig        `json:"-" yaml:"-"`
	Watch   WatchConfig        `json:"-" yaml:"-"`
	S3      *S3StoreConfig     `json:"s3,omitempty" yaml:"s3,omitempty"`
	Breaker BreakerConfig      `json:"breaker" yaml:"breaker"`
}

// BreakerConfig configures the remote-store circuit breaker.
type BreakerConfig struct {
	MaxFailures  int           `json:"max_failures" yaml:"max_failures"`
	ResetTimeout time.Duration `json:"reset_timeout" yaml:"reset_timeout"`
}

// UnmarshalYAML accepts duration strings like "1m30s" for ResetTimeout.
func (b *BreakerConfig) UnmarshalYAML(value *yaml.Node) error {
	type alias BreakerConfig
	aux := struct {
		ResetTimeout string `yaml:"reset_timeout"`
		*alias
	}{alias: (*alias)(b)}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	if aux.ResetTimeout != "" {
		d, err := time.ParseDuration(aux.ResetTimeout)
		if err != nil {
			return fmt.Errorf("parse reset_timeout: %w", err)
		}
		b.ResetTimeout = d
	}
	return nil
}

// UnmarshalYAML accepts duration strings like "5m" for the interval fields.
func (c *SyncConfig) UnmarshalYAML(value *yaml.Node) error {
	type alias SyncConfig
	aux := struct {
		Interval    string `yaml:"interval"`
		DedupMaxAge string `yaml:"dedup_max_age"`
		*alias
	}{alias: (*alias)(c)}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	if aux.Interval != "" {
		d, err := time.ParseDuration(aux.Interval)
		if err != nil {
			return fmt.Errorf("parse interval: %w", err)
		}
		c.Interval = d
	}
	if aux.DedupMaxAge != "" {
		d, err := time.ParseDuration(aux.DedupMaxAge)
		if err != nil {
			return fmt.Errorf("parse dedup_max_age: %w", err)
		}
		c.DedupMaxAge = d
	}
	return nil
}

// DefaultSyncConfig returns a config with sensible defaults. DeviceID is left
// empty; the engine generates one on first use.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Mode:               ModePeriodic,
		Interval:           5 * time.Minute,
		BatchSize:          500,
		ConflictStrategy:   ResolveMerge,
		DedupMaxAge:        90 * 24 * time.Hour,
		ConflictDaysToKeep: 30,
		Local:              DefaultLocalStoreConfig("usagesync.db"),
		Queue:              OfflineQueueConfig{MaxRetries: 3},
		Retry:              DefaultRetryConfig(),
		Watch:              DefaultWatchConfig(),
		Breaker:            BreakerConfig{MaxFailures: 5, ResetTimeout: time.Minute},
	}
}

// LoadSyncConfig reads a YAML config file, layered over defaults.
func LoadSyncConfig(path string) (SyncConfig, error) {
	cfg := DefaultSyncConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the config for inconsistencies.
func (c SyncConfig) Validate() error {
	switch c.Mode {
	case ModeOneTime, ModePeriodic, ModeRealtime:
	default:
		return fmt.Errorf("invalid sync mode %q", c.Mode)
	}
	if c.Mode == ModePeriodic && c.Interval <= 0 {
		return fmt.Errorf("periodic mode requires a positive interval, got %v", c.Interval)
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch size must not be negative, got %d", c.BatchSize)
	}
	switch c.ConflictStrategy {
	case ResolveLastWriteWins, ResolveMerge, ResolveHigherValue, ResolveManual:
	default:
		return fmt.Errorf("invalid conflict strategy %d", c.ConflictStrategy)
	}
	if c.S3 != nil && c.S3.Bucket == "" {
		return fmt.Errorf("s3 config requires a bucket")
	}
	return nil
}
