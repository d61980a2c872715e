// Package config handles configuration loading for conductor.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/conductor/internal/llm"
	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/orchestrator/policy"
)

// Session store drivers.
const (
	SessionDriverMemory  = "memory"
	SessionDriverSQLite  = "sqlite"
	SessionDriverSQLite3 = "sqlite3"
)

// ProjectConfigName is the project-level override file.
const ProjectConfigName = ".conductor.yaml"

// Config holds all configuration for conductor.
type Config struct {
	Anthropic    llm.Config         `mapstructure:"anthropic"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Dispatch     DispatchConfig     `mapstructure:"dispatch"`
	Sessions     SessionsConfig     `mapstructure:"sessions"`
	Logging      logging.Config     `mapstructure:"logging"`
	Server       ServerConfig       `mapstructure:"server"`
	// ProfilesFile adds capability profiles from YAML to the built-ins.
	ProfilesFile string `mapstructure:"profiles_file"`
	// TemplatesFile adds shorthand templates from YAML to the built-ins.
	TemplatesFile string `mapstructure:"templates_file"`
}

// OrchestratorConfig holds planning loop settings.
type OrchestratorConfig struct {
	MaxRounds      int           `mapstructure:"max_rounds"`
	TeardownOnDone bool          `mapstructure:"teardown_on_done"`
	EventBuffer    int           `mapstructure:"event_buffer"`
	EventDropAfter time.Duration `mapstructure:"event_drop_after"`
}

// DispatchConfig holds task execution settings.
type DispatchConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	InboxBuffer    int           `mapstructure:"inbox_buffer"`
	ReadRetries    int           `mapstructure:"read_retries"`
	// MaxIterations bounds model calls per task for the Claude runner.
	MaxIterations int `mapstructure:"max_iterations"`
	// ProtectedPaths adds globs or extensions workers may not modify.
	ProtectedPaths []string `mapstructure:"protected_paths"`
}

// SessionsConfig selects and tunes the session store.
type SessionsConfig struct {
	// Driver is memory, sqlite (pure Go) or sqlite3 (cgo).
	Driver string `mapstructure:"driver"`
	// Path is the database file. Empty means .conductor/sessions.db.
	Path string `mapstructure:"path"`
	// RetainClosed bounds how many closed sessions the memory store keeps.
	RetainClosed int `mapstructure:"retain_closed"`
	// Lease is how long a database claim outlives its last heartbeat.
	Lease time.Duration `mapstructure:"lease"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// Policy converts the config into orchestrator limits.
func (c *Config) Policy() *policy.Config {
	p := policy.Default()
	p.Rounds.MaxRounds = c.Orchestrator.MaxRounds
	p.Sessions.TeardownOnDone = c.Orchestrator.TeardownOnDone
	p.Events.BufferSize = c.Orchestrator.EventBuffer
	p.Events.DropAfter = c.Orchestrator.EventDropAfter
	p.Dispatch.DefaultTimeout = c.Dispatch.DefaultTimeout
	p.Dispatch.MaxConcurrency = c.Dispatch.MaxConcurrency
	p.Dispatch.InboxBuffer = c.Dispatch.InboxBuffer
	_ = p.Validate()
	return p
}

// Validate rejects settings the rest of the program cannot work with.
func (c *Config) Validate() error {
	switch c.Sessions.Driver {
	case SessionDriverMemory, SessionDriverSQLite, SessionDriverSQLite3:
	default:
		return fmt.Errorf("sessions.driver: unknown driver %q", c.Sessions.Driver)
	}
	if c.Dispatch.ReadRetries < 0 {
		return errors.New("dispatch.read_retries must not be negative")
	}
	return nil
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, CONDUCTOR_SECTION_KEY)
// 2. Project config (.conductor.yaml in current directory or parent)
// 3. User config (~/.config/conductor/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		pv := viper.New()
		pv.SetConfigFile(projectConfig)
		if err := pv.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config: %w", err)
		}
		if err := v.MergeConfigMap(pv.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return decode(v)
}

// LoadFromPath loads configuration from a specific file on top of defaults.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY", "CONDUCTOR_ANTHROPIC_API_KEY")
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	cfg.Sessions.Driver = strings.ToLower(cfg.Sessions.Driver)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to the user config file. The API key is never written.
func Save(cfg *Config) error {
	dir := getUserConfigDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(dir, "config.yaml"))

	v.Set("anthropic.model", cfg.Anthropic.Model)
	v.Set("anthropic.max_tokens", cfg.Anthropic.MaxTokens)
	v.Set("anthropic.use_bedrock", cfg.Anthropic.UseBedrock)
	v.Set("anthropic.aws_region", cfg.Anthropic.AWSRegion)
	v.Set("anthropic.aws_profile", cfg.Anthropic.AWSProfile)
	v.Set("orchestrator.max_rounds", cfg.Orchestrator.MaxRounds)
	v.Set("orchestrator.teardown_on_done", cfg.Orchestrator.TeardownOnDone)
	v.Set("orchestrator.event_buffer", cfg.Orchestrator.EventBuffer)
	v.Set("orchestrator.event_drop_after", cfg.Orchestrator.EventDropAfter.String())
	v.Set("dispatch.default_timeout", cfg.Dispatch.DefaultTimeout.String())
	v.Set("dispatch.max_concurrency", cfg.Dispatch.MaxConcurrency)
	v.Set("dispatch.inbox_buffer", cfg.Dispatch.InboxBuffer)
	v.Set("dispatch.read_retries", cfg.Dispatch.ReadRetries)
	v.Set("dispatch.max_iterations", cfg.Dispatch.MaxIterations)
	v.Set("dispatch.protected_paths", cfg.Dispatch.ProtectedPaths)
	v.Set("sessions.driver", cfg.Sessions.Driver)
	v.Set("sessions.path", cfg.Sessions.Path)
	v.Set("sessions.retain_closed", cfg.Sessions.RetainClosed)
	v.Set("sessions.lease", cfg.Sessions.Lease.String())
	v.Set("logging.level", cfg.Logging.Level)
	v.Set("logging.format", cfg.Logging.Format)
	v.Set("logging.file", cfg.Logging.File)
	v.Set("server.addr", cfg.Server.Addr)
	v.Set("profiles_file", cfg.ProfilesFile)
	v.Set("templates_file", cfg.TemplatesFile)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", d.Anthropic.Model)
	v.SetDefault("anthropic.max_tokens", d.Anthropic.MaxTokens)
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")

	v.SetDefault("orchestrator.max_rounds", d.Orchestrator.MaxRounds)
	v.SetDefault("orchestrator.teardown_on_done", d.Orchestrator.TeardownOnDone)
	v.SetDefault("orchestrator.event_buffer", d.Orchestrator.EventBuffer)
	v.SetDefault("orchestrator.event_drop_after", d.Orchestrator.EventDropAfter.String())

	v.SetDefault("dispatch.default_timeout", d.Dispatch.DefaultTimeout.String())
	v.SetDefault("dispatch.max_concurrency", d.Dispatch.MaxConcurrency)
	v.SetDefault("dispatch.inbox_buffer", d.Dispatch.InboxBuffer)
	v.SetDefault("dispatch.read_retries", d.Dispatch.ReadRetries)
	v.SetDefault("dispatch.max_iterations", d.Dispatch.MaxIterations)
	v.SetDefault("dispatch.protected_paths", []string{})

	v.SetDefault("sessions.driver", d.Sessions.Driver)
	v.SetDefault("sessions.path", "")
	v.SetDefault("sessions.retain_closed", d.Sessions.RetainClosed)
	v.SetDefault("sessions.lease", d.Sessions.Lease.String())

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.quiet", false)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("profiles_file", "")
	v.SetDefault("templates_file", "")
}

// getUserConfigDir returns the XDG config directory for conductor.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "conductor")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "conductor")
	}
	return filepath.Join(home, ".config", "conductor")
}

// findProjectConfig searches for .conductor.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		path := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return ""
		}
		cwd = parent
	}
}

// Default returns a Config with default values.
func Default() *Config {
	p := policy.Default()
	return &Config{
		Anthropic: llm.Config{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: llm.DefaultMaxTokens,
		},
		Orchestrator: OrchestratorConfig{
			MaxRounds:      p.Rounds.MaxRounds,
			TeardownOnDone: p.Sessions.TeardownOnDone,
			EventBuffer:    p.Events.BufferSize,
			EventDropAfter: p.Events.DropAfter,
		},
		Dispatch: DispatchConfig{
			DefaultTimeout: p.Dispatch.DefaultTimeout,
			MaxConcurrency: p.Dispatch.MaxConcurrency,
			InboxBuffer:    p.Dispatch.InboxBuffer,
			ReadRetries:    2,
			MaxIterations:  llm.DefaultMaxIterations,
		},
		Sessions: SessionsConfig{
			Driver:       SessionDriverSQLite,
			RetainClosed: 256,
			Lease:        2 * time.Minute,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "console",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8420",
		},
	}
}
