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
	Pipeline    PipelineConfig  `toml:"pipeline"`
	Merger      MergerConfig    `toml:"merger"`
	WebSocket   WebSocketConfig `toml:"websocket"`
	Logging     LoggingConfig   `toml:"logging"`
	Claude      ClaudeConfig    `toml:"claude"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger     BadgerConfig     `toml:"badger"`
	Filesystem FilesystemConfig `toml:"filesystem"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// FilesystemConfig configures the local object store used for uploaded drawings
type FilesystemConfig struct {
	Documents string `toml:"documents"` // Directory for stored drawing pages
}

// PipelineConfig controls task execution, retries, and the stalled-document watchdog
type PipelineConfig struct {
	Workers        int    `toml:"workers"`          // Number of concurrent stage workers
	QueueSize      int    `toml:"queue_size"`       // Task queue buffer size
	StageTimeout   string `toml:"stage_timeout"`    // e.g., "2m" - per-stage execution timeout
	MaxRetries     int    `toml:"max_retries"`      // Max retries per stage before fatal failure
	RetryBaseDelay string `toml:"retry_base_delay"` // e.g., "2s" - base delay, doubled per retry
	RetryMaxDelay  string `toml:"retry_max_delay"`  // e.g., "1m" - backoff cap
	StallCeiling   string `toml:"stall_ceiling"`    // e.g., "30m" - watchdog flags documents older than this
}

// MergerConfig holds the fuzzy deduplication thresholds for result merging
type MergerConfig struct {
	LabelDistance      int     `toml:"label_distance"`      // Max edit distance for label matching
	DimensionTolerance float64 `toml:"dimension_tolerance"` // Relative numeric tolerance for dimension matching
	ConfidenceEpsilon  float64 `toml:"confidence_epsilon"`  // Confidences within epsilon are averaged
}

// WebSocketConfig controls the live connection hub
type WebSocketConfig struct {
	HeartbeatInterval string `toml:"heartbeat_interval"` // e.g., "30s" - ping interval; silence beyond 2x = dead
	ProgressThrottle  string `toml:"progress_throttle"`  // e.g., "250ms" - min interval between non-terminal broadcasts, empty = no throttle
	MinLogLevel       string `toml:"min_log_level"`      // Minimum log level forwarded to clients as notifications
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// ClaudeConfig configures the Anthropic-backed OCR/analysis collaborator
type ClaudeConfig struct {
	APIKey    string `toml:"api_key"`
	Model     string `toml:"model"`
	Timeout   string `toml:"timeout"`
	MaxTokens int    `toml:"max_tokens"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8085,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path:           "./data/takeoff.db",
				ResetOnStartup: false,
			},
			Filesystem: FilesystemConfig{
				Documents: "./data/documents",
			},
		},
		Pipeline: PipelineConfig{
			Workers:        4,
			QueueSize:      256,
			StageTimeout:   "2m",
			MaxRetries:     3,
			RetryBaseDelay: "2s",
			RetryMaxDelay:  "1m",
			StallCeiling:   "30m",
		},
		Merger: MergerConfig{
			LabelDistance:      2,
			DimensionTolerance: 0.05,
			ConfidenceEpsilon:  0.1,
		},
		WebSocket: WebSocketConfig{
			HeartbeatInterval: "30s",
			ProgressThrottle:  "",
			MinLogLevel:       "warn",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
		Claude: ClaudeConfig{
			Model:     "claude-sonnet-4-20250514",
			Timeout:   "90s",
			MaxTokens: 8192,
		},
	}
}

// LoadFromFiles loads configuration from defaults, then overlays each config
// file in order (later files override earlier ones), then applies environment
// variable overrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := DefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies TAKEOFF_* environment variable overrides
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("TAKEOFF_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.Port = port
		}
	}
	if v := os.Getenv("TAKEOFF_HOST"); v != "" {
		config.Server.Host = v
	}
	if v := os.Getenv("TAKEOFF_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("TAKEOFF_BADGER_PATH"); v != "" {
		config.Storage.Badger.Path = v
	}
	if v := os.Getenv("TAKEOFF_CLAUDE_API_KEY"); v != "" {
		config.Claude.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && config.Claude.APIKey == "" {
		config.Claude.APIKey = v
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

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline workers must be positive, got %d", c.Pipeline.Workers)
	}
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("pipeline max_retries cannot be negative, got %d", c.Pipeline.MaxRetries)
	}
	if c.Merger.LabelDistance < 0 {
		return fmt.Errorf("merger label_distance cannot be negative, got %d", c.Merger.LabelDistance)
	}
	if c.Merger.DimensionTolerance < 0 {
		return fmt.Errorf("merger dimension_tolerance cannot be negative, got %f", c.Merger.DimensionTolerance)
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"pipeline.stage_timeout", c.Pipeline.StageTimeout},
		{"pipeline.retry_base_delay", c.Pipeline.RetryBaseDelay},
		{"pipeline.retry_max_delay", c.Pipeline.RetryMaxDelay},
		{"pipeline.stall_ceiling", c.Pipeline.StallCeiling},
		{"websocket.heartbeat_interval", c.WebSocket.HeartbeatInterval},
	} {
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", field.name, field.value)
		}
	}
	return nil
}

// StageTimeoutDuration returns the parsed per-stage timeout
func (c *PipelineConfig) StageTimeoutDuration() time.Duration {
	return parseDurationOr(c.StageTimeout, 2*time.Minute)
}

// RetryBaseDelayDuration returns the parsed retry base delay
func (c *PipelineConfig) RetryBaseDelayDuration() time.Duration {
	return parseDurationOr(c.RetryBaseDelay, 2*time.Second)
}

// RetryMaxDelayDuration returns the parsed retry backoff cap
func (c *PipelineConfig) RetryMaxDelayDuration() time.Duration {
	return parseDurationOr(c.RetryMaxDelay, time.Minute)
}

// StallCeilingDuration returns the parsed watchdog stall ceiling
func (c *PipelineConfig) StallCeilingDuration() time.Duration {
	return parseDurationOr(c.StallCeiling, 30*time.Minute)
}

// HeartbeatIntervalDuration returns the parsed websocket heartbeat interval
func (c *WebSocketConfig) HeartbeatIntervalDuration() time.Duration {
	return parseDurationOr(c.HeartbeatInterval, 30*time.Second)
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
