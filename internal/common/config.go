package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Executor    ExecutorConfig  `toml:"executor"`
	Crawler     CrawlerConfig   `toml:"crawler"`
	Logging     LoggingConfig   `toml:"logging"`
	WebSocket   WebSocketConfig `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// SchedulerConfig controls the cron scheduler behaviour
type SchedulerConfig struct {
	ReloadIntervalHours int    `toml:"reload_interval_hours"` // Hours between full reconciles (minimum 1)
	MisfireGrace        string `toml:"misfire_grace"`         // Window after a missed fire during which the trigger still fires once (e.g. "1h")
	MaxConcurrentFires  int    `toml:"max_concurrent_fires"`  // Maximum concurrent instances per persistent job
}

// ExecutorConfig controls the task executor worker pools
type ExecutorConfig struct {
	Workers         int    `toml:"workers"`          // Bounded worker pool size for task execution
	IsolatedWorkers int    `toml:"isolated_workers"` // Secondary pool for process-isolated workloads
	TestTimeout     string `toml:"test_timeout"`     // Timeout for crawler dry runs (e.g. "30s")
}

// CrawlerConfig contains settings for crawler definitions and their config files
type CrawlerConfig struct {
	ConfigsDir     string        `toml:"configs_dir"`      // Directory holding per-crawler JSON config files
	UserAgent      string        `toml:"user_agent"`       // Default user agent for the reference web crawler
	RequestDelay   time.Duration `toml:"request_delay"`    // Minimum delay between requests to the same host
	RequestTimeout time.Duration `toml:"request_timeout"`  // HTTP request timeout
	MaxTestPages   int           `toml:"max_test_pages"`   // Page cap applied to crawler dry runs
	MaxTestResults int           `toml:"max_test_results"` // Article cap applied to crawler dry runs
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs
}

// WebSocketConfig contains configuration for the progress event transport
type WebSocketConfig struct {
	ThrottleIntervals map[string]string `toml:"throttle_intervals"` // Per-event rate limits, e.g. task_progress = "500ms"
}

// NewDefaultConfig returns a config populated with defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8085,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/harvester",
			},
		},
		Scheduler: SchedulerConfig{
			ReloadIntervalHours: 1,
			MisfireGrace:        "1h",
			MaxConcurrentFires:  3,
		},
		Executor: ExecutorConfig{
			Workers:         10,
			IsolatedWorkers: 5,
			TestTimeout:     "30s",
		},
		Crawler: CrawlerConfig{
			ConfigsDir:     "./configs/crawlers",
			UserAgent:      "Harvester/1.0",
			RequestDelay:   500 * time.Millisecond,
			RequestTimeout: 30 * time.Second,
			MaxTestPages:   3,
			MaxTestResults: 10,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05.000",
		},
		WebSocket: WebSocketConfig{
			ThrottleIntervals: map[string]string{},
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority:
// defaults -> file1 -> file2 -> ... -> env. Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	// Reload interval is clamped to a minimum of one hour
	if config.Scheduler.ReloadIntervalHours < 1 {
		config.Scheduler.ReloadIntervalHours = 1
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("HARVESTER_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("HARVESTER_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("HARVESTER_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if path := os.Getenv("HARVESTER_DATABASE_PATH"); path != "" {
		config.Storage.Badger.Path = path
	}

	if hours := os.Getenv("HARVESTER_SCHEDULE_RELOAD_INTERVAL_HR"); hours != "" {
		if h, err := strconv.Atoi(hours); err == nil {
			config.Scheduler.ReloadIntervalHours = h
		}
	}

	if workers := os.Getenv("HARVESTER_EXECUTOR_WORKERS"); workers != "" {
		if w, err := strconv.Atoi(workers); err == nil && w > 0 {
			config.Executor.Workers = w
		}
	}
	if workers := os.Getenv("HARVESTER_EXECUTOR_ISOLATED_WORKERS"); workers != "" {
		if w, err := strconv.Atoi(workers); err == nil && w > 0 {
			config.Executor.IsolatedWorkers = w
		}
	}

	if dir := os.Getenv("HARVESTER_CRAWLER_CONFIGS_DIR"); dir != "" {
		config.Crawler.ConfigsDir = dir
	}

	if level := os.Getenv("HARVESTER_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("HARVESTER_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			trimmed := strings.TrimSpace(o)
			if trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// MisfireGraceDuration returns the parsed misfire grace window, defaulting to one hour
func (c *SchedulerConfig) MisfireGraceDuration() time.Duration {
	if d, err := time.ParseDuration(c.MisfireGrace); err == nil && d > 0 {
		return d
	}
	return time.Hour
}

// TestTimeoutDuration returns the parsed crawler test timeout, defaulting to 30 seconds
func (c *ExecutorConfig) TestTimeoutDuration() time.Duration {
	if d, err := time.ParseDuration(c.TestTimeout); err == nil && d > 0 {
		return d
	}
	return 30 * time.Second
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}
