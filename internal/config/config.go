// Package config loads and validates the SwarmOps daemon configuration.
// Configuration is read from a YAML file via viper, with every key
// overridable through SWARMOPS_-prefixed environment variables.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete SwarmOps configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Guard    GuardConfig    `mapstructure:"guard"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Review   ReviewConfig   `mapstructure:"review"`
	Registry RegistryConfig `mapstructure:"registry"`
	Merge    MergeConfig    `mapstructure:"merge"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Store    StoreConfig    `mapstructure:"store"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the HTTP API listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// AuthToken, when non-empty, is required as a bearer token on all
	// /api routes. Webhook senders must carry it too.
	AuthToken string `mapstructure:"auth_token"`
}

// GuardConfig controls spawn admission: the circuit breaker and the
// sliding rate window.
type GuardConfig struct {
	// FailureThreshold is how many consecutive spawn failures open the circuit.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// CooldownSeconds is how long the circuit stays open once tripped.
	CooldownSeconds int `mapstructure:"cooldown_seconds"`
	// WindowSeconds is the width of the spawn rate window.
	WindowSeconds int `mapstructure:"window_seconds"`
	// WindowLimit is the number of spawns admitted per window.
	WindowLimit int `mapstructure:"window_limit"`
}

// RetryConfig controls per-task retry behavior.
type RetryConfig struct {
	// MaxAttempts is the retry budget per task. The failure after the
	// budget is spent escalates instead of retrying.
	MaxAttempts int `mapstructure:"max_attempts"`
	// BaseDelaySeconds is the first retry's backoff delay.
	BaseDelaySeconds int `mapstructure:"base_delay_seconds"`
	// MaxDelaySeconds caps the exponential backoff.
	MaxDelaySeconds int `mapstructure:"max_delay_seconds"`
}

// ReviewConfig controls the multi-reviewer approval chain.
type ReviewConfig struct {
	// RolesFile is a YAML file defining reviewer roles. Empty means the
	// built-in role set.
	RolesFile string `mapstructure:"roles_file"`
	// FrontendGlobs override the patterns that decide whether a diff
	// touches frontend code (and so whether design review applies).
	FrontendGlobs []string `mapstructure:"frontend_globs"`
}

// RegistryConfig controls the duplicate-spawn registry.
type RegistryConfig struct {
	// StaleAgeMinutes is how long a non-completed entry may go without a
	// liveness update before a sweep removes it.
	StaleAgeMinutes int `mapstructure:"stale_age_minutes"`
	// SweepIntervalMinutes is how often the daemon sweeps stale entries
	// (0 disables the background sweep).
	SweepIntervalMinutes int `mapstructure:"sweep_interval_minutes"`
}

// MergeConfig controls phase-branch merging.
type MergeConfig struct {
	// MaxConflictRounds caps resolver attempts per phase before
	// escalating. 0 means unbounded.
	MaxConflictRounds int `mapstructure:"max_conflict_rounds"`
}

// RunnerConfig controls pipeline sequencing.
type RunnerConfig struct {
	// StaggerSeconds is the minimum spacing between worker spawns.
	StaggerSeconds int `mapstructure:"stagger_seconds"`
	// StopOnFailure makes new runs halt on a non-optional exhausted step
	// instead of skipping it, unless the run says otherwise.
	StopOnFailure bool `mapstructure:"stop_on_failure"`
}

// GatewayConfig points at the agent gateway workers are spawned through.
type GatewayConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
	// TimeoutSeconds bounds each spawn call.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// StoreConfig controls state persistence.
type StoreConfig struct {
	// Backend selects the persistence layer: "file" or "sqlite".
	Backend string `mapstructure:"backend"`
	// DataDir holds the store files. Empty means ConfigDir()/data.
	DataDir string `mapstructure:"data_dir"`
}

// LoggingConfig controls the structured log output.
type LoggingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Level   string `mapstructure:"level"`
	// MaxSizeMB is the log file size that triggers rotation.
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is how many rotated files to keep.
	MaxBackups int `mapstructure:"max_backups"`
}

// Cooldown returns the circuit cooldown as a duration.
func (g *GuardConfig) Cooldown() time.Duration {
	return time.Duration(g.CooldownSeconds) * time.Second
}

// Window returns the rate window width as a duration.
func (g *GuardConfig) Window() time.Duration {
	return time.Duration(g.WindowSeconds) * time.Second
}

// BaseDelay returns the first backoff delay as a duration.
func (r *RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelaySeconds) * time.Second
}

// MaxDelay returns the backoff cap as a duration.
func (r *RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelaySeconds) * time.Second
}

// StaleAge returns the registry staleness horizon as a duration.
func (r *RegistryConfig) StaleAge() time.Duration {
	return time.Duration(r.StaleAgeMinutes) * time.Minute
}

// SweepInterval returns the sweep cadence as a duration (0 = disabled).
func (r *RegistryConfig) SweepInterval() time.Duration {
	return time.Duration(r.SweepIntervalMinutes) * time.Minute
}

// Stagger returns the spawn spacing as a duration.
func (r *RunnerConfig) Stagger() time.Duration {
	return time.Duration(r.StaggerSeconds) * time.Second
}

// Timeout returns the gateway call timeout as a duration.
func (g *GatewayConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

// ResolveDataDir returns the store directory, defaulting under the
// config directory when unset and expanding a leading ~.
func (s *StoreConfig) ResolveDataDir() string {
	if s.DataDir == "" {
		return filepath.Join(ConfigDir(), "data")
	}
	path := s.DataDir
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return path
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 7430,
		},
		Guard: GuardConfig{
			FailureThreshold: 5,
			CooldownSeconds:  60,
			WindowSeconds:    20,
			WindowLimit:      5,
		},
		Retry: RetryConfig{
			MaxAttempts:      3,
			BaseDelaySeconds: 5,
			MaxDelaySeconds:  60,
		},
		Review: ReviewConfig{
			RolesFile:     "",
			FrontendGlobs: []string{},
		},
		Registry: RegistryConfig{
			StaleAgeMinutes:      60,
			SweepIntervalMinutes: 10,
		},
		Merge: MergeConfig{
			MaxConflictRounds: 0, // unbounded; the resolver loop is self-limiting
		},
		Runner: RunnerConfig{
			StaggerSeconds: 3,
			StopOnFailure:  false,
		},
		Gateway: GatewayConfig{
			BaseURL:        "http://localhost:7431",
			TimeoutSeconds: 30,
		},
		Store: StoreConfig{
			Backend: "file",
			DataDir: "",
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// SetDefaults registers default values with viper.
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("server.host", defaults.Server.Host)
	viper.SetDefault("server.port", defaults.Server.Port)
	viper.SetDefault("server.auth_token", defaults.Server.AuthToken)

	viper.SetDefault("guard.failure_threshold", defaults.Guard.FailureThreshold)
	viper.SetDefault("guard.cooldown_seconds", defaults.Guard.CooldownSeconds)
	viper.SetDefault("guard.window_seconds", defaults.Guard.WindowSeconds)
	viper.SetDefault("guard.window_limit", defaults.Guard.WindowLimit)

	viper.SetDefault("retry.max_attempts", defaults.Retry.MaxAttempts)
	viper.SetDefault("retry.base_delay_seconds", defaults.Retry.BaseDelaySeconds)
	viper.SetDefault("retry.max_delay_seconds", defaults.Retry.MaxDelaySeconds)

	viper.SetDefault("review.roles_file", defaults.Review.RolesFile)
	viper.SetDefault("review.frontend_globs", defaults.Review.FrontendGlobs)

	viper.SetDefault("registry.stale_age_minutes", defaults.Registry.StaleAgeMinutes)
	viper.SetDefault("registry.sweep_interval_minutes", defaults.Registry.SweepIntervalMinutes)

	viper.SetDefault("merge.max_conflict_rounds", defaults.Merge.MaxConflictRounds)

	viper.SetDefault("runner.stagger_seconds", defaults.Runner.StaggerSeconds)
	viper.SetDefault("runner.stop_on_failure", defaults.Runner.StopOnFailure)

	viper.SetDefault("gateway.base_url", defaults.Gateway.BaseURL)
	viper.SetDefault("gateway.token", defaults.Gateway.Token)
	viper.SetDefault("gateway.timeout_seconds", defaults.Gateway.TimeoutSeconds)

	viper.SetDefault("store.backend", defaults.Store.Backend)
	viper.SetDefault("store.data_dir", defaults.Store.DataDir)

	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
}

// Load reads the configuration from viper into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults when
// loading fails.
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "swarmops")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".swarmops"
	}
	return filepath.Join(home, ".config", "swarmops")
}

// ConfigFile returns the path to the config file.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
