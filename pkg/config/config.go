package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the full orchestrator configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Storage    StorageConfig    `yaml:"storage"`
	Resources  ResourcesConfig  `yaml:"resources"`
	Optimizer  OptimizerConfig  `yaml:"optimizer"`
	Worker     WorkerConfig     `yaml:"worker"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds persistence configuration
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// ResourcesConfig holds resource monitor configuration
type ResourcesConfig struct {
	CacheTTL        int    `yaml:"cache_ttl"`         // seconds
	GPUProbeTimeout int    `yaml:"gpu_probe_timeout"` // seconds
	DiskPath        string `yaml:"disk_path"`
	MinFreeDiskMB   int    `yaml:"min_free_disk_mb"`
	MinFreeMemoryMB int    `yaml:"min_free_memory_mb"`
}

// OptimizerConfig holds config optimizer tunables. Thresholds are
// memory pressure ratios (required / available).
type OptimizerConfig struct {
	RuntimeFloorMB       int     `yaml:"runtime_floor_mb"`
	ModelMultiplier      float64 `yaml:"model_multiplier"`
	PerSampleMB          float64 `yaml:"per_sample_mb"`
	DatasetResidentCapMB int     `yaml:"dataset_resident_cap_mb"`
	SafetyFactor         float64 `yaml:"safety_factor"`
	UsableMemoryFraction float64 `yaml:"usable_memory_fraction"`
	SevereThreshold      float64 `yaml:"severe_threshold"`
	HighThreshold        float64 `yaml:"high_threshold"`
	ModerateThreshold    float64 `yaml:"moderate_threshold"`
	MaxBatchSize         int     `yaml:"max_batch_size"`
	TargetEffectiveBatch int     `yaml:"target_effective_batch"`
}

// WorkerConfig describes how worker processes are launched
type WorkerConfig struct {
	Command      string   `yaml:"command"`
	Args         []string `yaml:"args"`
	WorkingDir   string   `yaml:"working_dir"`
	StderrTailKB int      `yaml:"stderr_tail_kb"`
}

// SupervisorConfig holds supervised service lifecycle tunables
type SupervisorConfig struct {
	StartTimeout       int     `yaml:"start_timeout"`       // seconds
	StopGrace          int     `yaml:"stop_grace"`          // seconds
	HealthInterval     int     `yaml:"health_interval"`     // seconds
	HealthTimeout      int     `yaml:"health_timeout"`      // seconds
	UnhealthyThreshold int     `yaml:"unhealthy_threshold"` // consecutive failures
	MaxRestarts        int     `yaml:"max_restarts"`
	BackoffBaseMS      int     `yaml:"backoff_base_ms"`
	BackoffMultiplier  float64 `yaml:"backoff_multiplier"`
	BackoffCap         int     `yaml:"backoff_cap"`         // seconds
	StableResetAfter   int     `yaml:"stable_reset_after"`  // seconds
	SampleInterval     int     `yaml:"sample_interval"`     // seconds
	MemoryCeilingMB    int     `yaml:"memory_ceiling_mb"`   // 0 disables
	CPUCeilingPercent  float64 `yaml:"cpu_ceiling_percent"` // 0 disables
}

// SchedulerConfig holds job scheduling tunables
type SchedulerConfig struct {
	MaxConcurrentJobs int      `yaml:"max_concurrent_jobs"`
	TickInterval      int      `yaml:"tick_interval"` // seconds
	JobTimeout        int      `yaml:"job_timeout"`   // seconds
	OOMPatterns       []string `yaml:"oom_patterns"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8090,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			DatabasePath: "./data/modelforge.db",
		},
		Resources: ResourcesConfig{
			CacheTTL:        60,
			GPUProbeTimeout: 5,
			DiskPath:        ".",
			MinFreeDiskMB:   1024,
			MinFreeMemoryMB: 256,
		},
		Optimizer: OptimizerConfig{
			RuntimeFloorMB:       1536,
			ModelMultiplier:      4.0,
			PerSampleMB:          50,
			DatasetResidentCapMB: 512,
			SafetyFactor:         1.2,
			UsableMemoryFraction: 0.6,
			SevereThreshold:      1.5,
			HighThreshold:        1.2,
			ModerateThreshold:    0.9,
			MaxBatchSize:         32,
			TargetEffectiveBatch: 8,
		},
		Worker: WorkerConfig{
			Command:      "python3",
			Args:         []string{"-u", "./workers/ml_service.py"},
			WorkingDir:   "",
			StderrTailKB: 8,
		},
		Supervisor: SupervisorConfig{
			StartTimeout:       30,
			StopGrace:          5,
			HealthInterval:     30,
			HealthTimeout:      3,
			UnhealthyThreshold: 2,
			MaxRestarts:        5,
			BackoffBaseMS:      1000,
			BackoffMultiplier:  2.0,
			BackoffCap:         60,
			StableResetAfter:   300,
			SampleInterval:     15,
			MemoryCeilingMB:    0,
			CPUCeilingPercent:  0,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentJobs: 2,
			TickInterval:      5,
			JobTimeout:        600,
			OOMPatterns: []string{
				"MemoryError",
				"CUDA out of memory",
				"out of memory",
				"OOM",
				"Killed",
			},
		},
	}
}

// Load reads configuration from an optional YAML file, applies
// environment variable overrides, and validates the result. An empty
// path loads defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides select fields from MODELFORGE_* environment variables.
func (c *Config) applyEnv() {
	c.Server.Host = getEnv("MODELFORGE_HOST", c.Server.Host)
	c.Server.Port = getEnvAsInt("MODELFORGE_PORT", c.Server.Port)
	c.Logging.Level = getEnv("MODELFORGE_LOG_LEVEL", c.Logging.Level)
	c.Storage.DatabasePath = getEnv("MODELFORGE_DB_PATH", c.Storage.DatabasePath)
	c.Worker.Command = getEnv("MODELFORGE_WORKER_COMMAND", c.Worker.Command)
	c.Scheduler.MaxConcurrentJobs = getEnvAsInt("MODELFORGE_MAX_CONCURRENT_JOBS", c.Scheduler.MaxConcurrentJobs)
	c.Scheduler.JobTimeout = getEnvAsInt("MODELFORGE_JOB_TIMEOUT", c.Scheduler.JobTimeout)
	c.Supervisor.MaxRestarts = getEnvAsInt("MODELFORGE_MAX_RESTARTS", c.Supervisor.MaxRestarts)
}

// Validate checks the configuration for values the orchestrator cannot
// run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	if c.Worker.Command == "" {
		return fmt.Errorf("worker command is required")
	}
	if c.Scheduler.MaxConcurrentJobs < 1 {
		return fmt.Errorf("max_concurrent_jobs must be at least 1: %d", c.Scheduler.MaxConcurrentJobs)
	}
	if c.Scheduler.TickInterval < 1 {
		return fmt.Errorf("tick_interval must be at least 1 second: %d", c.Scheduler.TickInterval)
	}
	if c.Scheduler.JobTimeout < 1 {
		return fmt.Errorf("job_timeout must be at least 1 second: %d", c.Scheduler.JobTimeout)
	}
	if c.Supervisor.MaxRestarts < 0 {
		return fmt.Errorf("max_restarts must be non-negative: %d", c.Supervisor.MaxRestarts)
	}
	if c.Supervisor.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be at least 1: %f", c.Supervisor.BackoffMultiplier)
	}
	if c.Optimizer.SafetyFactor < 1 {
		return fmt.Errorf("safety_factor must be at least 1: %f", c.Optimizer.SafetyFactor)
	}
	if c.Optimizer.UsableMemoryFraction <= 0 || c.Optimizer.UsableMemoryFraction > 1 {
		return fmt.Errorf("usable_memory_fraction must be in (0, 1]: %f", c.Optimizer.UsableMemoryFraction)
	}
	if c.Optimizer.ModerateThreshold > c.Optimizer.HighThreshold ||
		c.Optimizer.HighThreshold > c.Optimizer.SevereThreshold {
		return fmt.Errorf("optimizer thresholds must be ordered moderate <= high <= severe")
	}
	if c.Resources.CacheTTL < 1 {
		return fmt.Errorf("resources cache_ttl must be at least 1 second: %d", c.Resources.CacheTTL)
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
