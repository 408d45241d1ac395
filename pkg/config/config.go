// Package config loads and validates maestro configuration.
//
// Configuration is env-first: PORT, HOST, API_KEY, PANE_TOOL_PATH,
// REVIEWER_CLI_PATH and DATABASE_URL always win. An optional maestro.yaml
// in the config directory supplies tunables (detector patterns, intervals,
// retention) merged over built-in defaults.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config is the umbrella configuration object returned by Initialize()
// and threaded through the application at startup.
type Config struct {
	configDir string

	Server     *ServerConfig     `yaml:"server"`
	Supervisor *SupervisorConfig `yaml:"supervisor"`
	Detector   *DetectorConfig   `yaml:"detector"`
	Reviewer   *ReviewerConfig   `yaml:"reviewer"`
	Handoff    *HandoffConfig    `yaml:"handoff"`
	FanOut     *FanOutConfig     `yaml:"fanout"`
	Retention  *RetentionConfig  `yaml:"retention"`
	Slack      *SlackConfig      `yaml:"slack"`
	GitHub     *GitHubConfig     `yaml:"github"`
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Initialize loads, merges, and validates configuration.
//
// Steps performed:
//  1. Start from built-in defaults
//  2. Merge maestro.yaml from configDir if present
//  3. Apply environment variable overrides
//  4. Validate the result
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)

	cfg := defaultConfig(configDir)

	path := filepath.Join(configDir, "maestro.yaml")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, NewLoadError("maestro.yaml", fmt.Errorf("%w: %v", ErrInvalidYAML, err))
		}
		if err := mergo.Merge(cfg, &fileCfg, mergo.WithOverride); err != nil {
			return nil, NewLoadError("maestro.yaml", err)
		}
		log.Info("Loaded configuration file", "path", path)
	case os.IsNotExist(err):
		log.Info("No maestro.yaml found, using defaults")
	default:
		return nil, NewLoadError("maestro.yaml", err)
	}

	applyEnvOverrides(cfg)

	if err := NewValidator(cfg).ValidateAll(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"auth_enabled", cfg.Server.APIKey != "",
		"slack_enabled", cfg.Slack.Enabled())

	return cfg, nil
}

func defaultConfig(configDir string) *Config {
	return &Config{
		configDir:  configDir,
		Server:     DefaultServerConfig(),
		Supervisor: DefaultSupervisorConfig(),
		Detector:   DefaultDetectorConfig(),
		Reviewer:   DefaultReviewerConfig(),
		Handoff:    DefaultHandoffConfig(),
		FanOut:     DefaultFanOutConfig(),
		Retention:  DefaultRetentionConfig(),
		Slack:      &SlackConfig{},
		GitHub:     &GitHubConfig{},
	}
}

// applyEnvOverrides applies the documented environment variables on top of
// whatever the YAML produced. Env always wins.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("PANE_TOOL_PATH"); v != "" {
		cfg.Supervisor.PaneToolPath = v
	}
	if v := os.Getenv("REVIEWER_CLI_PATH"); v != "" {
		cfg.Reviewer.CLIPath = v
	}
	if v := os.Getenv("REVIEW_STOP_HOOK"); v == "true" || v == "1" {
		cfg.Reviewer.StopHookEnabled = true
	}
	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" {
		cfg.Slack.Token = v
	}
	if v := os.Getenv("SLACK_CHANNEL"); v != "" {
		cfg.Slack.Channel = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		cfg.GitHub.Token = v
	}
}

// SlackConfig holds optional Slack notification mirroring settings.
// Mirroring is disabled unless both token and channel are set.
type SlackConfig struct {
	Token   string `yaml:"-"`
	Channel string `yaml:"channel,omitempty"`
}

// Enabled reports whether Slack mirroring is configured.
func (s *SlackConfig) Enabled() bool {
	return s != nil && s.Token != "" && s.Channel != ""
}

// GitHubConfig holds settings for the tracker issue importer.
type GitHubConfig struct {
	Token string `yaml:"-"`
	// APIBaseURL overrides the GitHub API endpoint (GitHub Enterprise).
	APIBaseURL string `yaml:"api_base_url,omitempty"`
}
