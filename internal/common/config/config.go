// Package config provides configuration management for issuepilot.
// It supports loading configuration from environment variables, a config
// file (JSON or YAML), and defaults, merged through a single loader.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for issuepilot.
type Config struct {
	Version             int                `mapstructure:"version"`
	Server              ServerConfig       `mapstructure:"server"`
	Tracker             TrackerConfig      `mapstructure:"tracker"`
	NATS                NATSConfig         `mapstructure:"nats"`
	Logging             LoggingConfig      `mapstructure:"logging"`
	Paths               PathsConfig        `mapstructure:"paths"`
	Repositories        []RepositoryConfig `mapstructure:"repositories"`
	Providers           []ProviderConfig   `mapstructure:"providers"`
	DefaultProvider     string             `mapstructure:"defaultProvider"`
	DefaultWorktreeMode string             `mapstructure:"defaultWorktreeMode"`
	LabelRules          LabelRules         `mapstructure:"labelRules"`
	Execution           ExecutionConfig    `mapstructure:"execution"`
	Health              HealthConfig       `mapstructure:"health"`
	Poller              PollerConfig       `mapstructure:"poller"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// TrackerConfig holds the upstream issue tracker connection settings.
type TrackerConfig struct {
	Endpoint      string `mapstructure:"endpoint"`
	APIToken      string `mapstructure:"apiToken"`
	WebhookSecret string `mapstructure:"webhookSecret"`
	// AgentName is the delegate name webhook events must address for the
	// relevance filter to admit them.
	AgentName string `mapstructure:"agentName"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// PathsConfig holds the persistent state layout roots.
type PathsConfig struct {
	StateRoot    string `mapstructure:"stateRoot"`    // default: ~/.issuepilot
	WorktreeBase string `mapstructure:"worktreeBase"` // default: <stateRoot>/worktrees
	SessionBase  string `mapstructure:"sessionBase"`  // default: <stateRoot>/sessions
	LogPath      string `mapstructure:"logPath"`      // default: <stateRoot>/logs
	TokenPath    string `mapstructure:"tokenPath"`    // default: ~/.issuepilot-auth/tokens.json
}

// RepositoryConfig describes one target repository and its routing keys.
type RepositoryConfig struct {
	ID          string   `mapstructure:"id"`
	Path        string   `mapstructure:"path"`
	BaseBranch  string   `mapstructure:"baseBranch"`
	Labels      []string `mapstructure:"labels"`
	ProjectKeys []string `mapstructure:"projectKeys"`
	Teams       []string `mapstructure:"teams"`
}

// ProviderConfig describes one execution provider.
type ProviderConfig struct {
	Type       string `mapstructure:"type"`
	Name       string `mapstructure:"name"`
	Priority   int    `mapstructure:"priority"`
	Credential string `mapstructure:"credential"`
	Endpoint   string `mapstructure:"endpoint"`
	Model      string `mapstructure:"model"`
	Enabled    bool   `mapstructure:"enabled"`
	// OAuth marks providers whose credential is managed by the token
	// refresh daemon rather than a static API key.
	OAuth bool `mapstructure:"oauth"`
}

// LabelRules maps tracker labels to admission modes.
type LabelRules struct {
	AutoExecute   []string `mapstructure:"autoExecute"`
	ManualExecute []string `mapstructure:"manualExecute"`
}

// ExecutionConfig bounds agent execution.
type ExecutionConfig struct {
	TimeoutMs   int `mapstructure:"timeoutMs"`   // per-execution deadline
	MaxAttempts int `mapstructure:"maxAttempts"` // provider switches
	MaxRetries  int `mapstructure:"maxRetries"`  // retries within one provider
}

// HealthConfig controls the health monitor sweep.
type HealthConfig struct {
	IntervalMs      int `mapstructure:"intervalMs"`
	ProbeTimeoutMs  int `mapstructure:"probeTimeoutMs"`
	CacheTTLSeconds int `mapstructure:"cacheTtlSeconds"`
}

// PollerConfig controls the reconciliation poller.
type PollerConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	IntervalMin    int      `mapstructure:"intervalMin"`
	MaxIntervalMin int      `mapstructure:"maxIntervalMin"`
	Labels         []string `mapstructure:"labels"`
	States         []string `mapstructure:"states"`
	Concurrency    int      `mapstructure:"concurrency"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Timeout returns the execution deadline as a time.Duration.
func (e *ExecutionConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutMs) * time.Millisecond
}

// Interval returns the health sweep interval as a time.Duration.
func (h *HealthConfig) Interval() time.Duration {
	return time.Duration(h.IntervalMs) * time.Millisecond
}

// ProbeTimeout returns the per-probe timeout as a time.Duration.
func (h *HealthConfig) ProbeTimeout() time.Duration {
	return time.Duration(h.ProbeTimeoutMs) * time.Millisecond
}

// CacheTTL returns the health cache TTL as a time.Duration.
func (h *HealthConfig) CacheTTL() time.Duration {
	return time.Duration(h.CacheTTLSeconds) * time.Second
}

// Interval returns the poll interval as a time.Duration.
func (p *PollerConfig) Interval() time.Duration {
	return time.Duration(p.IntervalMin) * time.Minute
}

// MaxInterval returns the poll interval ceiling as a time.Duration.
func (p *PollerConfig) MaxInterval() time.Duration {
	return time.Duration(p.MaxIntervalMin) * time.Minute
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ISSUEPILOT_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	stateRoot := filepath.Join(home, ".issuepilot")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Tracker defaults
	v.SetDefault("tracker.endpoint", "https://api.linear.app/graphql")
	v.SetDefault("tracker.apiToken", "")
	v.SetDefault("tracker.webhookSecret", "")
	v.SetDefault("tracker.agentName", "issuepilot")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "issuepilot")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// State layout defaults
	v.SetDefault("paths.stateRoot", stateRoot)
	v.SetDefault("paths.worktreeBase", filepath.Join(stateRoot, "worktrees"))
	v.SetDefault("paths.sessionBase", filepath.Join(stateRoot, "sessions"))
	v.SetDefault("paths.logPath", filepath.Join(stateRoot, "logs"))
	v.SetDefault("paths.tokenPath", filepath.Join(home, ".issuepilot-auth", "tokens.json"))

	// Routing defaults
	v.SetDefault("defaultProvider", "")
	v.SetDefault("defaultWorktreeMode", "fresh")
	v.SetDefault("labelRules.autoExecute", []string{"auto"})
	v.SetDefault("labelRules.manualExecute", []string{})

	// Execution defaults
	v.SetDefault("execution.timeoutMs", 300000)
	v.SetDefault("execution.maxAttempts", 3)
	v.SetDefault("execution.maxRetries", 3)

	// Health defaults
	v.SetDefault("health.intervalMs", 30000)
	v.SetDefault("health.probeTimeoutMs", 5000)
	v.SetDefault("health.cacheTtlSeconds", 30)

	// Poller defaults
	v.SetDefault("poller.enabled", true)
	v.SetDefault("poller.intervalMin", 30)
	v.SetDefault("poller.maxIntervalMin", 60)
	v.SetDefault("poller.labels", []string{"auto"})
	v.SetDefault("poller.states", []string{"Todo"})
	v.SetDefault("poller.concurrency", 5)
}

// bindEnvAliases registers explicit env bindings, including the
// backward-compatible variable names from the previous scheme.
func bindEnvAliases(v *viper.Viper) {
	_ = v.BindEnv("server.port", "ISSUEPILOT_SERVER_PORT", "PORT")
	_ = v.BindEnv("server.host", "ISSUEPILOT_SERVER_HOST", "HOST")
	_ = v.BindEnv("tracker.apiToken", "ISSUEPILOT_TRACKER_API_TOKEN", "LINEAR_API_TOKEN")
	_ = v.BindEnv("tracker.webhookSecret", "ISSUEPILOT_TRACKER_WEBHOOK_SECRET", "LINEAR_WEBHOOK_SECRET")
	_ = v.BindEnv("tracker.agentName", "ISSUEPILOT_TRACKER_AGENT_NAME", "AGENT_NAME")
	_ = v.BindEnv("execution.timeoutMs", "ISSUEPILOT_EXECUTION_TIMEOUT_MS", "DEFAULT_TIMEOUT_MS")
	_ = v.BindEnv("health.intervalMs", "ISSUEPILOT_HEALTH_INTERVAL_MS", "HEALTH_CHECK_INTERVAL_MS")
	_ = v.BindEnv("paths.worktreeBase", "ISSUEPILOT_PATHS_WORKTREE_BASE", "WORKTREE_BASE_DIR")
	_ = v.BindEnv("paths.sessionBase", "ISSUEPILOT_PATHS_SESSION_BASE", "SESSION_BASE_DIR")
	_ = v.BindEnv("paths.logPath", "ISSUEPILOT_PATHS_LOG_PATH", "LOG_DIR")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ISSUEPILOT_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath(os.Getenv("ISSUEPILOT_CONFIG"))
}

// LoadWithPath reads configuration from the specified file or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ISSUEPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvAliases(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/issuepilot/")
	}

	// Read config file. An explicit path must exist; default locations are
	// optional.
	if err := v.ReadInConfig(); err != nil {
		if configPath != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	applyProviderCredentialEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyProviderCredentialEnv fills provider credentials from the
// conventional per-provider environment variables when the config file
// leaves them empty (e.g. ANTHROPIC_API_KEY for type "anthropic").
func applyProviderCredentialEnv(cfg *Config) {
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.Credential != "" {
			continue
		}
		envKey := strings.ToUpper(p.Type) + "_API_KEY"
		if val := os.Getenv(envKey); val != "" {
			p.Credential = val
		}
	}
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validModes := map[string]bool{"fresh": true, "reuse": true, "branch-per-issue": true}
	if !validModes[cfg.DefaultWorktreeMode] {
		errs = append(errs, "defaultWorktreeMode must be one of: fresh, reuse, branch-per-issue")
	}

	seen := make(map[string]bool)
	for _, repo := range cfg.Repositories {
		if repo.ID == "" {
			errs = append(errs, "repository id is required")
			continue
		}
		if seen[repo.ID] {
			errs = append(errs, fmt.Sprintf("duplicate repository id '%s'", repo.ID))
		}
		seen[repo.ID] = true
		if repo.Path == "" {
			errs = append(errs, fmt.Sprintf("repository '%s': path is required", repo.ID))
		}
	}

	seenProviders := make(map[string]bool)
	for _, p := range cfg.Providers {
		if p.Type == "" {
			errs = append(errs, "provider type is required")
			continue
		}
		if seenProviders[p.Type] {
			errs = append(errs, fmt.Sprintf("duplicate provider type '%s'", p.Type))
		}
		seenProviders[p.Type] = true
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if cfg.Execution.MaxAttempts <= 0 {
		errs = append(errs, "execution.maxAttempts must be positive")
	}
	if cfg.Poller.Concurrency <= 0 {
		errs = append(errs, "poller.concurrency must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// BaseBranchOrDefault returns the repository's base branch, falling back to main.
func (r *RepositoryConfig) BaseBranchOrDefault() string {
	if r.BaseBranch == "" {
		return "main"
	}
	return r.BaseBranch
}
