// Package config provides configuration management for stagego applications
package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/najoast/stagego/core"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// String returns the string representation of Environment
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvStaging, EnvProduction:
		return true
	default:
		return false
	}
}

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	return string(l)
}

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// Log formats
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// WorkerMode selects how actors added with worker: true are hosted.
type WorkerMode string

const (
	// WorkerNone disables workers; adding a worker actor fails.
	WorkerNone WorkerMode = "none"
	// WorkerLocal hosts each worker stage on goroutines of this process.
	WorkerLocal WorkerMode = "local"
	// WorkerTCP reaches a worker process over TCP.
	WorkerTCP WorkerMode = "tcp"
)

// IsValid checks if the worker mode is known
func (m WorkerMode) IsValid() bool {
	switch m {
	case WorkerNone, WorkerLocal, WorkerTCP:
		return true
	default:
		return false
	}
}

// Config represents the complete application configuration. Durations are
// written as strings ("5s") in YAML and as nanoseconds in JSON.
type Config struct {
	// Application configuration
	App AppConfig `yaml:"app" json:"app"`

	// Logging configuration
	Log LogConfig `yaml:"log" json:"log"`

	// Actor tree configuration
	Stage StageConfig `yaml:"stage" json:"stage"`

	// Worker hosting configuration
	Worker WorkerConfig `yaml:"worker" json:"worker"`

	// Websocket endpoint configuration
	Remote RemoteConfig `yaml:"remote" json:"remote"`

	// Custom configurations (for application actor types)
	Custom map[string]any `yaml:"custom,omitempty" json:"custom,omitempty"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string            `yaml:"name" json:"name"`
	Version     string            `yaml:"version" json:"version"`
	Environment Environment       `yaml:"environment" json:"environment"`
	Debug       bool              `yaml:"debug" json:"debug"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Metadata    map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Log level
	Level LogLevel `yaml:"level" json:"level"`

	// Log format (json, text)
	Format string `yaml:"format" json:"format"`

	// Output destination (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`

	// Include the source position of each record
	AddSource bool `yaml:"add_source" json:"add_source"`

	// Attributes added to every record
	Fields map[string]any `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// StageConfig contains the naming settings of the actor tree
type StageConfig struct {
	// Path separator, "." or "/"
	PathSeparator string `yaml:"path_separator" json:"path_separator"`

	// Prefix prepended to every type name
	TypePath string `yaml:"type_path" json:"type_path"`

	// Prefix prepended to every include name
	IncludePath string `yaml:"include_path" json:"include_path"`

	// Directory holding include fragments as JSON or YAML files
	IncludeDir string `yaml:"include_dir,omitempty" json:"include_dir,omitempty"`

	// Reload include fragments when their files change
	WatchIncludes bool `yaml:"watch_includes" json:"watch_includes"`

	// Capacity of the stage job queue
	MailboxSize int `yaml:"mailbox_size" json:"mailbox_size"`
}

// WorkerConfig contains worker hosting settings
type WorkerConfig struct {
	// Hosting mode (none, local, tcp)
	Mode WorkerMode `yaml:"mode" json:"mode"`

	// Worker process address in tcp mode
	Address string `yaml:"address" json:"address"`

	// Dial timeout in tcp mode
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`

	// Heartbeat interval in tcp mode
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`

	// Largest accepted frame in tcp mode
	MaxFrameSize int `yaml:"max_frame_size" json:"max_frame_size"`
}

// RemoteConfig contains the websocket endpoint settings
type RemoteConfig struct {
	// Serve the stage over a websocket
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Listening address
	Address string `yaml:"address" json:"address"`

	// HTTP path of the endpoint
	Path string `yaml:"path" json:"path"`

	// Origins accepted during the handshake; empty accepts any
	AllowedOrigins []string `yaml:"allowed_origins,omitempty" json:"allowed_origins,omitempty"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "stagego-app",
			Version:     "1.0.0",
			Environment: EnvDevelopment,
			Debug:       true,
			Description: "stagego application",
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Format: LogFormatText,
			Output: "stdout",
		},
		Stage: StageConfig{
			PathSeparator: core.SeparatorDot,
			MailboxSize:   core.DefaultMailboxSize,
		},
		Worker: WorkerConfig{
			Mode:              WorkerLocal,
			Address:           "127.0.0.1:7400",
			DialTimeout:       10 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			MaxFrameSize:      16 * 1024 * 1024,
		},
		Remote: RemoteConfig{
			Enabled: false,
			Address: "127.0.0.1:7401",
			Path:    "/stage",
		},
		Custom: make(map[string]any),
	}
}

// Clone returns a deep copy of the configuration
func (c *Config) Clone() *Config {
	clone := *c
	clone.App.Metadata = maps.Clone(c.App.Metadata)
	clone.Log.Fields = maps.Clone(c.Log.Fields)
	clone.Remote.AllowedOrigins = slices.Clone(c.Remote.AllowedOrigins)
	clone.Custom = maps.Clone(c.Custom)
	return &clone
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return ErrInvalidAppName
	}
	if !c.App.Environment.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidEnvironment, c.App.Environment)
	}

	if !c.Log.Level.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Log.Level)
	}
	if c.Log.Format != LogFormatText && c.Log.Format != LogFormatJSON {
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Log.Format)
	}

	if !core.ValidSeparator(c.Stage.PathSeparator) {
		return fmt.Errorf("%w: %q", ErrInvalidSeparator, c.Stage.PathSeparator)
	}
	if c.Stage.MailboxSize <= 0 {
		return ErrInvalidMailboxSize
	}

	if !c.Worker.Mode.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidWorkerMode, c.Worker.Mode)
	}
	if c.Worker.Mode == WorkerTCP && c.Worker.Address == "" {
		return fmt.Errorf("%w: worker address", ErrInvalidAddress)
	}

	if c.Remote.Enabled {
		if c.Remote.Address == "" {
			return fmt.Errorf("%w: remote address", ErrInvalidAddress)
		}
		if !strings.HasPrefix(c.Remote.Path, "/") {
			return fmt.Errorf("%w: %q", ErrInvalidRemotePath, c.Remote.Path)
		}
	}

	return nil
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}

// IsDebugEnabled returns true if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.App.Environment == EnvDevelopment
}
