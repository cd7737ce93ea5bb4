package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Tasks  TasksConfig  `yaml:"tasks"`
	Logger LoggerConfig `yaml:"logger"`
	Tracer TracerConfig `yaml:"tracer"`
}

// TasksConfig holds background task manager settings.
type TasksConfig struct {
	MaxRunning      int           `yaml:"max_running"`      // max concurrently running tasks
	TaskTTL         time.Duration `yaml:"task_ttl"`         // evict finished tasks after this
	MaxBufferLines  int           `yaml:"max_buffer_lines"` // retained output lines per task
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // TTL sweep period
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Tasks: TasksConfig{
			MaxRunning:      10,
			TaskTTL:         30 * time.Minute,
			MaxBufferLines:  10000,
			CleanupInterval: 1 * time.Minute,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file and applies env var overrides.
// A missing file is not an error: defaults plus env overrides are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides overlays BGTASK_* environment variables onto cfg.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BGTASK_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("BGTASK_LOG_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("BGTASK_LOG_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("BGTASK_TRACER_ENABLED"); v != "" {
		cfg.Tracer.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("BGTASK_TASKS_MAX_RUNNING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tasks.MaxRunning = n
		}
	}
	if v := os.Getenv("BGTASK_TASKS_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Tasks.TaskTTL = d
		}
	}
	if v := os.Getenv("BGTASK_TASKS_MAX_BUFFER_LINES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tasks.MaxBufferLines = n
		}
	}
}

// Validate checks the configuration for values that cannot work at runtime.
func Validate(cfg *Config) error {
	if cfg.Tasks.MaxRunning < 0 {
		return fmt.Errorf("config: tasks.max_running must be >= 0, got %d", cfg.Tasks.MaxRunning)
	}
	if cfg.Tasks.MaxBufferLines < 0 {
		return fmt.Errorf("config: tasks.max_buffer_lines must be >= 0, got %d", cfg.Tasks.MaxBufferLines)
	}
	switch cfg.Logger.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: logger.format must be text or json, got %q", cfg.Logger.Format)
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		return fmt.Errorf("config: tracer.exporter must be noop or stdout, got %q", cfg.Tracer.Exporter)
	}
	return nil
}
