package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFormat represents the configuration file format
type ConfigFormat string

const (
	FormatYAML ConfigFormat = "yaml"
	FormatJSON ConfigFormat = "json"
)

// DefaultEnvPrefix prefixes the environment variables read by a Loader.
const DefaultEnvPrefix = "STAGEGO"

// Loader handles configuration loading from files and the environment.
// Values are layered: defaults, then the file, then environment variables.
type Loader struct {
	// Configuration search paths
	searchPaths []string

	// Environment variable prefix
	envPrefix string

	// Default configuration
	defaultConfig *Config
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	paths := []string{".", "./config", "./configs", "/etc/stagego"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".stagego"))
	}

	return &Loader{
		searchPaths:   paths,
		envPrefix:     DefaultEnvPrefix,
		defaultConfig: DefaultConfig(),
	}
}

// SetSearchPaths sets the configuration file search paths
func (l *Loader) SetSearchPaths(paths []string) *Loader {
	l.searchPaths = paths
	return l
}

// SetEnvPrefix sets the environment variable prefix
func (l *Loader) SetEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// SetDefaultConfig sets the default configuration
func (l *Loader) SetDefaultConfig(config *Config) *Loader {
	l.defaultConfig = config
	return l
}

// Load loads configuration from the specified file. An empty filename
// searches the search paths and falls back to the defaults.
func (l *Loader) Load(filename string) (*Config, error) {
	if filename == "" {
		return l.AutoLoad()
	}
	return l.LoadFromFile(filename)
}

// LoadFromFile loads configuration from a specific file
func (l *Loader) LoadFromFile(filename string) (*Config, error) {
	format, err := formatOf(filename)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigFileNotFound, filename)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	config, err := l.build(data, format)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from file %s: %w", filename, err)
	}
	return config, nil
}

// LoadFromReader loads configuration from an io.Reader
func (l *Loader) LoadFromReader(reader io.Reader, format ConfigFormat) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration data: %w", err)
	}
	return l.build(data, format)
}

// AutoLoad automatically discovers and loads configuration
func (l *Loader) AutoLoad() (*Config, error) {
	configFile, err := l.findConfigFile()
	if errors.Is(err, ErrConfigFileNotFound) {
		return l.build(nil, "")
	}
	if err != nil {
		return nil, err
	}
	return l.LoadFromFile(configFile)
}

// build layers data and the environment over the defaults and validates the
// result. Empty data keeps the defaults.
func (l *Loader) build(data []byte, format ConfigFormat) (*Config, error) {
	base := l.defaultConfig
	if base == nil {
		base = DefaultConfig()
	}
	config := base.Clone()

	if len(bytes.TrimSpace(data)) > 0 {
		if err := parseConfig(data, format, config); err != nil {
			return nil, err
		}
	}

	if err := l.loadFromEnv(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigValidateError, err)
	}
	return config, nil
}

// findConfigFile searches for configuration files in search paths
func (l *Loader) findConfigFile() (string, error) {
	filenames := []string{
		"stagego.yaml", "stagego.yml", "stagego.json",
		"config.yaml", "config.yml", "config.json",
	}

	for _, searchPath := range l.searchPaths {
		for _, filename := range filenames {
			fullPath := filepath.Join(searchPath, filename)
			if info, err := os.Stat(fullPath); err == nil && !info.IsDir() {
				return fullPath, nil
			}
		}
	}
	return "", ErrConfigFileNotFound
}

func formatOf(filename string) (ConfigFormat, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(filename))
	}
}

// parseConfig decodes data over the values already in config
func parseConfig(data []byte, format ConfigFormat, config *Config) error {
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("%w: yaml: %w", ErrConfigParseError, err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("%w: json: %w", ErrConfigParseError, err)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	return nil
}

// envBinding applies one environment variable to a configuration.
type envBinding struct {
	key   string
	apply func(c *Config, val string) error
}

func setString(field func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, val string) error {
		*field(c) = val
		return nil
	}
}

func setBool(field func(c *Config) *bool) func(*Config, string) error {
	return func(c *Config, val string) error {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func setInt(field func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, val string) error {
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func setDuration(field func(c *Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, val string) error {
		d, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

var envBindings = []envBinding{
	{"APP_NAME", setString(func(c *Config) *string { return &c.App.Name })},
	{"APP_VERSION", setString(func(c *Config) *string { return &c.App.Version })},
	{"APP_ENVIRONMENT", func(c *Config, val string) error {
		c.App.Environment = Environment(val)
		return nil
	}},
	{"APP_DEBUG", setBool(func(c *Config) *bool { return &c.App.Debug })},

	{"LOG_LEVEL", func(c *Config, val string) error {
		c.Log.Level = LogLevel(strings.ToLower(val))
		return nil
	}},
	{"LOG_FORMAT", setString(func(c *Config) *string { return &c.Log.Format })},
	{"LOG_OUTPUT", setString(func(c *Config) *string { return &c.Log.Output })},

	{"STAGE_PATH_SEPARATOR", setString(func(c *Config) *string { return &c.Stage.PathSeparator })},
	{"STAGE_TYPE_PATH", setString(func(c *Config) *string { return &c.Stage.TypePath })},
	{"STAGE_INCLUDE_PATH", setString(func(c *Config) *string { return &c.Stage.IncludePath })},
	{"STAGE_INCLUDE_DIR", setString(func(c *Config) *string { return &c.Stage.IncludeDir })},
	{"STAGE_WATCH_INCLUDES", setBool(func(c *Config) *bool { return &c.Stage.WatchIncludes })},
	{"STAGE_MAILBOX_SIZE", setInt(func(c *Config) *int { return &c.Stage.MailboxSize })},

	{"WORKER_MODE", func(c *Config, val string) error {
		c.Worker.Mode = WorkerMode(strings.ToLower(val))
		return nil
	}},
	{"WORKER_ADDRESS", setString(func(c *Config) *string { return &c.Worker.Address })},
	{"WORKER_DIAL_TIMEOUT", setDuration(func(c *Config) *time.Duration { return &c.Worker.DialTimeout })},

	{"REMOTE_ENABLED", setBool(func(c *Config) *bool { return &c.Remote.Enabled })},
	{"REMOTE_ADDRESS", setString(func(c *Config) *string { return &c.Remote.Address })},
	{"REMOTE_PATH", setString(func(c *Config) *string { return &c.Remote.Path })},
	{"REMOTE_ALLOWED_ORIGINS", func(c *Config, val string) error {
		var origins []string
		for _, o := range strings.Split(val, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.Remote.AllowedOrigins = origins
		return nil
	}},
}

// loadFromEnv loads configuration overrides from environment variables
func (l *Loader) loadFromEnv(config *Config) error {
	for _, b := range envBindings {
		name := l.envPrefix + "_" + b.key
		val := os.Getenv(name)
		if val == "" {
			continue
		}
		if err := b.apply(config, val); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrEnvironmentVarError, name, err)
		}
	}
	return nil
}
