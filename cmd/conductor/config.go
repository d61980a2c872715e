package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify conductor configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/conductor/config.yaml
Project-specific overrides can be placed in .conductor.yaml
The API key is read from ANTHROPIC_API_KEY or the config file and is never written.`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		switch len(args) {
		case 0:
			for _, f := range configFields {
				fmt.Printf("%s: %s\n", f.key, f.get(cfg))
			}
			fmt.Printf("credentials: %s\n", config.GetAPIKeySource(cfg))
			return nil
		case 1:
			value, err := getConfigValue(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		default:
			if err := setConfigValue(cfg, args[0], args[1]); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Printf("Set %s = %s\n", args[0], args[1])
			return nil
		}
	},
}

// configField is one settable dot-notation key.
type configField struct {
	key string
	get func(*config.Config) string
	set func(*config.Config, string) error
}

var errReadOnlyKey = errors.New("read-only key")

var configFields = []configField{
	{
		key: "anthropic.api_key",
		get: func(c *config.Config) string {
			if c.Anthropic.APIKey == "" {
				return "(not set)"
			}
			return config.MaskAPIKey(c.Anthropic.APIKey)
		},
	},
	{
		key: "anthropic.model",
		get: func(c *config.Config) string { return c.Anthropic.Model },
		set: func(c *config.Config, v string) error { c.Anthropic.Model = v; return nil },
	},
	{
		key: "anthropic.max_tokens",
		get: func(c *config.Config) string { return strconv.FormatInt(c.Anthropic.MaxTokens, 10) },
		set: func(c *config.Config, v string) error { return setInt64(&c.Anthropic.MaxTokens, v) },
	},
	{
		key: "anthropic.use_bedrock",
		get: func(c *config.Config) string { return strconv.FormatBool(c.Anthropic.UseBedrock) },
		set: func(c *config.Config, v string) error { return setBool(&c.Anthropic.UseBedrock, v) },
	},
	{
		key: "anthropic.aws_region",
		get: func(c *config.Config) string { return c.Anthropic.AWSRegion },
		set: func(c *config.Config, v string) error { c.Anthropic.AWSRegion = v; return nil },
	},
	{
		key: "orchestrator.max_rounds",
		get: func(c *config.Config) string { return strconv.Itoa(c.Orchestrator.MaxRounds) },
		set: func(c *config.Config, v string) error { return setInt(&c.Orchestrator.MaxRounds, v) },
	},
	{
		key: "orchestrator.teardown_on_done",
		get: func(c *config.Config) string { return strconv.FormatBool(c.Orchestrator.TeardownOnDone) },
		set: func(c *config.Config, v string) error { return setBool(&c.Orchestrator.TeardownOnDone, v) },
	},
	{
		key: "dispatch.default_timeout",
		get: func(c *config.Config) string { return c.Dispatch.DefaultTimeout.String() },
		set: func(c *config.Config, v string) error { return setDuration(&c.Dispatch.DefaultTimeout, v) },
	},
	{
		key: "dispatch.max_concurrency",
		get: func(c *config.Config) string { return strconv.Itoa(c.Dispatch.MaxConcurrency) },
		set: func(c *config.Config, v string) error { return setInt(&c.Dispatch.MaxConcurrency, v) },
	},
	{
		key: "dispatch.read_retries",
		get: func(c *config.Config) string { return strconv.Itoa(c.Dispatch.ReadRetries) },
		set: func(c *config.Config, v string) error { return setInt(&c.Dispatch.ReadRetries, v) },
	},
	{
		key: "dispatch.max_iterations",
		get: func(c *config.Config) string { return strconv.Itoa(c.Dispatch.MaxIterations) },
		set: func(c *config.Config, v string) error { return setInt(&c.Dispatch.MaxIterations, v) },
	},
	{
		key: "sessions.driver",
		get: func(c *config.Config) string { return c.Sessions.Driver },
		set: func(c *config.Config, v string) error { c.Sessions.Driver = strings.ToLower(v); return nil },
	},
	{
		key: "sessions.path",
		get: func(c *config.Config) string { return c.Sessions.Path },
		set: func(c *config.Config, v string) error { c.Sessions.Path = v; return nil },
	},
	{
		key: "logging.level",
		get: func(c *config.Config) string { return c.Logging.Level },
		set: func(c *config.Config, v string) error { c.Logging.Level = v; return nil },
	},
	{
		key: "logging.format",
		get: func(c *config.Config) string { return c.Logging.Format },
		set: func(c *config.Config, v string) error { c.Logging.Format = v; return nil },
	},
	{
		key: "server.addr",
		get: func(c *config.Config) string { return c.Server.Addr },
		set: func(c *config.Config, v string) error { c.Server.Addr = v; return nil },
	},
	{
		key: "profiles_file",
		get: func(c *config.Config) string { return c.ProfilesFile },
		set: func(c *config.Config, v string) error { c.ProfilesFile = v; return nil },
	},
	{
		key: "templates_file",
		get: func(c *config.Config) string { return c.TemplatesFile },
		set: func(c *config.Config, v string) error { c.TemplatesFile = v; return nil },
	},
}

func lookupField(key string) (configField, error) {
	key = strings.ToLower(key)
	for _, f := range configFields {
		if f.key == key {
			return f, nil
		}
	}
	return configField{}, fmt.Errorf("unknown configuration key: %s", key)
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	f, err := lookupField(key)
	if err != nil {
		return "", err
	}
	return f.get(cfg), nil
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	f, err := lookupField(key)
	if err != nil {
		return err
	}
	if f.set == nil {
		return fmt.Errorf("%s: %w (set ANTHROPIC_API_KEY instead)", f.key, errReadOnlyKey)
	}
	if err := f.set(cfg, value); err != nil {
		return fmt.Errorf("invalid value for %s: %w", f.key, err)
	}
	return nil
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, v string) error {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
