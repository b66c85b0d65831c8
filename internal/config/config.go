// Package config provides configuration loading for fixd.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the fixd daemon.
type Config struct {
	Pipeline   PipelineConfig   `koanf:"pipeline"`
	Store      StoreConfig      `koanf:"store"`
	Checkpoint CheckpointConfig `koanf:"checkpoint"`
	Report     ReportConfig     `koanf:"report"`
	Ingest     IngestConfig     `koanf:"ingest"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// PipelineConfig controls the remediation scheduler.
type PipelineConfig struct {
	// Workers is the worker pool size. 0 derives it from host CPU and memory.
	Workers int `koanf:"workers"`

	// Mode selects the execution mode: sequential, bounded-parallel, staged.
	Mode string `koanf:"mode"`

	// MaxAttempts is the per-group retry budget before the circuit opens.
	MaxAttempts int `koanf:"max_attempts"`

	// LearnedThreshold is the minimum confidence for learned rules.
	LearnedThreshold float64 `koanf:"learned_threshold"`

	// LockTimeout bounds file lock acquisition.
	LockTimeout Duration `koanf:"lock_timeout"`

	// StageTimeout bounds each pipeline stage (resolve, apply, verify).
	StageTimeout Duration `koanf:"stage_timeout"`
}

// StoreConfig holds pattern store configuration.
type StoreConfig struct {
	// Path is the append-and-compact rule record file.
	Path string `koanf:"path"`

	// CompactionFactor triggers compaction when the log grows past
	// factor * live rules.
	CompactionFactor int `koanf:"compaction_factor"`

	// CacheTTL bounds how long resolution cache entries are trusted.
	CacheTTL Duration `koanf:"cache_ttl"`
}

// CheckpointConfig holds checkpoint manager configuration.
type CheckpointConfig struct {
	// Dir is the root directory for pre-mutation snapshots.
	Dir string `koanf:"dir"`
}

// ReportConfig holds run report output configuration.
type ReportConfig struct {
	// Dir is where structured run reports are written.
	Dir string `koanf:"dir"`
}

// IngestConfig holds watch-mode configuration.
type IngestConfig struct {
	// DropDir is the directory watched for deposited build logs.
	DropDir string `koanf:"drop_dir"`

	// Pattern is the filename glob for build logs (default: *.log).
	Pattern string `koanf:"pattern"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry export configuration.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Endpoint       string   `koanf:"endpoint"`
	ServiceName    string   `koanf:"service_name"`
	ServiceVersion string   `koanf:"service_version"`
	Insecure       bool     `koanf:"insecure"`
	SamplingRate   float64  `koanf:"sampling_rate"`
	MetricInterval Duration `koanf:"metric_interval"`
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Pipeline.Workers < 0 {
		return fmt.Errorf("pipeline.workers must be >= 0, got %d", c.Pipeline.Workers)
	}
	switch c.Pipeline.Mode {
	case "sequential", "bounded-parallel", "staged":
	default:
		return fmt.Errorf("pipeline.mode must be sequential, bounded-parallel or staged, got %q", c.Pipeline.Mode)
	}
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("pipeline.max_attempts must be >= 1, got %d", c.Pipeline.MaxAttempts)
	}
	if c.Pipeline.LearnedThreshold < 0 || c.Pipeline.LearnedThreshold > 1 {
		return fmt.Errorf("pipeline.learned_threshold must be in [0,1], got %f", c.Pipeline.LearnedThreshold)
	}
	if c.Pipeline.LockTimeout.Duration() <= 0 {
		return fmt.Errorf("pipeline.lock_timeout must be positive")
	}
	if c.Pipeline.StageTimeout.Duration() <= 0 {
		return fmt.Errorf("pipeline.stage_timeout must be positive")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Store.CompactionFactor < 2 {
		return fmt.Errorf("store.compaction_factor must be >= 2, got %d", c.Store.CompactionFactor)
	}
	if c.Checkpoint.Dir == "" {
		return fmt.Errorf("checkpoint.dir is required")
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}
	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		return fmt.Errorf("telemetry.sampling_rate must be in [0,1], got %f", c.Telemetry.SamplingRate)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Pipeline.Mode == "" {
		cfg.Pipeline.Mode = "bounded-parallel"
	}
	if cfg.Pipeline.MaxAttempts == 0 {
		cfg.Pipeline.MaxAttempts = 3
	}
	if cfg.Pipeline.LearnedThreshold == 0 {
		cfg.Pipeline.LearnedThreshold = 0.6
	}
	if cfg.Pipeline.LockTimeout == 0 {
		cfg.Pipeline.LockTimeout = Duration(30 * time.Second)
	}
	if cfg.Pipeline.StageTimeout == 0 {
		cfg.Pipeline.StageTimeout = Duration(5 * time.Minute)
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = defaultStateDir("rules.jsonl")
	}
	if cfg.Store.CompactionFactor == 0 {
		cfg.Store.CompactionFactor = 4
	}
	if cfg.Store.CacheTTL == 0 {
		cfg.Store.CacheTTL = Duration(15 * time.Minute)
	}
	if cfg.Checkpoint.Dir == "" {
		cfg.Checkpoint.Dir = defaultStateDir("checkpoints")
	}
	if cfg.Report.Dir == "" {
		cfg.Report.Dir = defaultStateDir("reports")
	}
	if cfg.Ingest.Pattern == "" {
		cfg.Ingest.Pattern = "*.log"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "fixd"
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = "0.1.0"
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRate == 0 {
		cfg.Telemetry.SamplingRate = 1.0
	}
	if cfg.Telemetry.MetricInterval == 0 {
		cfg.Telemetry.MetricInterval = Duration(15 * time.Second)
	}
}
