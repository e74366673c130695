// Package config defines the orchestrator's typed configuration
// structure, loaded from a single YAML file: one nested sub-struct per
// subsystem, raw seconds/ms stored as ints, and time.Duration exposed
// through accessor methods.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full orchestrator configuration, one struct per
// component plus process-wide Server/Metrics sections.
type Config struct {
	Storage struct {
		Dir                      string `yaml:"dir"`
		WALBufferSize            int    `yaml:"wal_buffer_size"`
		WALFlushIntervalMs       int    `yaml:"wal_flush_interval_ms"`
		SnapshotIntervalSeconds  int    `yaml:"snapshot_interval_seconds"`
	} `yaml:"storage"`

	Queue struct {
		DedupWindowSeconds      int `yaml:"dedup_window_seconds"`
		DefaultJobTimeoutSeconds int `yaml:"default_job_timeout_seconds"`
		MaxQueueDepth           int `yaml:"max_queue_depth"`
	} `yaml:"queue"`

	Fleet struct {
		StaleRobotTimeoutSeconds  int        `yaml:"stale_robot_timeout_seconds"`
		FleetSweepIntervalSeconds int        `yaml:"fleet_sweep_interval_seconds"`
		Pools                     []PoolSpec `yaml:"pools"`
	} `yaml:"fleet"`

	Dispatch struct {
		DispatchIntervalSeconds int    `yaml:"dispatch_interval_seconds"`
		LoadBalancingStrategy   string `yaml:"load_balancing_strategy"`
	} `yaml:"dispatch"`

	Timeout struct {
		TimeoutCheckIntervalSeconds int `yaml:"timeout_check_interval_seconds"`
	} `yaml:"timeout"`

	Robot struct {
		HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	} `yaml:"robot"`

	Server struct {
		HTTPAddr         string `yaml:"http_addr"`
		GracefulShutdownSeconds int `yaml:"graceful_shutdown_seconds"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// PoolSpec declares a named robot pool: membership is derived from the
// required tags, and allowed_workflows (when set) restricts what members
// may run.
type PoolSpec struct {
	Name              string   `yaml:"name"`
	RequiredTags      []string `yaml:"required_tags"`
	MaxConcurrentJobs int      `yaml:"max_concurrent_jobs,omitempty"`
	AllowedWorkflows  []string `yaml:"allowed_workflows,omitempty"`
}

// Defaults mirrors each option's documented default.
func Defaults() *Config {
	cfg := &Config{}
	cfg.Storage.Dir = "./data"
	cfg.Storage.WALBufferSize = 100
	cfg.Storage.WALFlushIntervalMs = 10
	cfg.Storage.SnapshotIntervalSeconds = 300
	cfg.Queue.DedupWindowSeconds = 300
	cfg.Queue.DefaultJobTimeoutSeconds = 3600
	cfg.Queue.MaxQueueDepth = 100_000
	cfg.Fleet.StaleRobotTimeoutSeconds = 60
	cfg.Fleet.FleetSweepIntervalSeconds = 10
	cfg.Dispatch.DispatchIntervalSeconds = 5
	cfg.Dispatch.LoadBalancingStrategy = "least_loaded"
	cfg.Timeout.TimeoutCheckIntervalSeconds = 30
	cfg.Robot.HeartbeatIntervalSeconds = 10
	cfg.Server.HTTPAddr = ":8080"
	cfg.Server.GracefulShutdownSeconds = 60
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090
	return cfg
}

// Load reads and parses a YAML config file, falling back to Defaults()
// for any field the file omits.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.Queue.DedupWindowSeconds) * time.Second
}

func (c *Config) DefaultJobTimeout() time.Duration {
	return time.Duration(c.Queue.DefaultJobTimeoutSeconds) * time.Second
}

func (c *Config) StaleRobotTimeout() time.Duration {
	return time.Duration(c.Fleet.StaleRobotTimeoutSeconds) * time.Second
}

func (c *Config) DispatchInterval() time.Duration {
	return time.Duration(c.Dispatch.DispatchIntervalSeconds) * time.Second
}

func (c *Config) TimeoutCheckInterval() time.Duration {
	return time.Duration(c.Timeout.TimeoutCheckIntervalSeconds) * time.Second
}

func (c *Config) GracefulShutdown() time.Duration {
	return time.Duration(c.Server.GracefulShutdownSeconds) * time.Second
}

func (c *Config) WALFlushInterval() time.Duration {
	return time.Duration(c.Storage.WALFlushIntervalMs) * time.Millisecond
}

func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.Storage.SnapshotIntervalSeconds) * time.Second
}
