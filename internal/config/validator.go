package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string // the config field path, e.g. "guard.failure_threshold"
	Value   any    // the invalid value
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidStoreBackends returns the list of valid store backends.
func ValidStoreBackends() []string {
	return []string{"file", "sqlite"}
}

// Validate checks the Config for invalid values and returns all
// validation errors found.
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validateGuard()...)
	errors = append(errors, c.validateRetry()...)
	errors = append(errors, c.validateRegistry()...)
	errors = append(errors, c.validateMerge()...)
	errors = append(errors, c.validateRunner()...)
	errors = append(errors, c.validateGateway()...)
	errors = append(errors, c.validateStore()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "server.port",
			Value:   c.Server.Port,
			Message: "must be between 1 and 65535",
		})
	}
	return errors
}

func (c *Config) validateGuard() []ValidationError {
	var errors []ValidationError
	if c.Guard.FailureThreshold < 1 {
		errors = append(errors, ValidationError{
			Field:   "guard.failure_threshold",
			Value:   c.Guard.FailureThreshold,
			Message: "must be at least 1",
		})
	}
	if c.Guard.CooldownSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "guard.cooldown_seconds",
			Value:   c.Guard.CooldownSeconds,
			Message: "must be at least 1",
		})
	}
	if c.Guard.WindowSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "guard.window_seconds",
			Value:   c.Guard.WindowSeconds,
			Message: "must be at least 1",
		})
	}
	if c.Guard.WindowLimit < 1 {
		errors = append(errors, ValidationError{
			Field:   "guard.window_limit",
			Value:   c.Guard.WindowLimit,
			Message: "must be at least 1",
		})
	}
	return errors
}

func (c *Config) validateRetry() []ValidationError {
	var errors []ValidationError
	if c.Retry.MaxAttempts < 0 {
		errors = append(errors, ValidationError{
			Field:   "retry.max_attempts",
			Value:   c.Retry.MaxAttempts,
			Message: "must not be negative (0 disables retries)",
		})
	}
	if c.Retry.BaseDelaySeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "retry.base_delay_seconds",
			Value:   c.Retry.BaseDelaySeconds,
			Message: "must be at least 1",
		})
	}
	if c.Retry.MaxDelaySeconds < c.Retry.BaseDelaySeconds {
		errors = append(errors, ValidationError{
			Field:   "retry.max_delay_seconds",
			Value:   c.Retry.MaxDelaySeconds,
			Message: "must not be less than retry.base_delay_seconds",
		})
	}
	return errors
}

func (c *Config) validateRegistry() []ValidationError {
	var errors []ValidationError
	if c.Registry.StaleAgeMinutes < 1 {
		errors = append(errors, ValidationError{
			Field:   "registry.stale_age_minutes",
			Value:   c.Registry.StaleAgeMinutes,
			Message: "must be at least 1",
		})
	}
	if c.Registry.SweepIntervalMinutes < 0 {
		errors = append(errors, ValidationError{
			Field:   "registry.sweep_interval_minutes",
			Value:   c.Registry.SweepIntervalMinutes,
			Message: "must not be negative (0 disables the sweep)",
		})
	}
	return errors
}

func (c *Config) validateMerge() []ValidationError {
	var errors []ValidationError
	if c.Merge.MaxConflictRounds < 0 {
		errors = append(errors, ValidationError{
			Field:   "merge.max_conflict_rounds",
			Value:   c.Merge.MaxConflictRounds,
			Message: "must not be negative (0 means unbounded)",
		})
	}
	return errors
}

func (c *Config) validateRunner() []ValidationError {
	var errors []ValidationError
	if c.Runner.StaggerSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "runner.stagger_seconds",
			Value:   c.Runner.StaggerSeconds,
			Message: "must not be negative",
		})
	}
	return errors
}

func (c *Config) validateGateway() []ValidationError {
	var errors []ValidationError
	if c.Gateway.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "gateway.base_url",
			Value:   c.Gateway.BaseURL,
			Message: "is required",
		})
	} else if u, err := url.Parse(c.Gateway.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "gateway.base_url",
			Value:   c.Gateway.BaseURL,
			Message: "must be an absolute URL",
		})
	}
	if c.Gateway.TimeoutSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "gateway.timeout_seconds",
			Value:   c.Gateway.TimeoutSeconds,
			Message: "must be at least 1",
		})
	}
	return errors
}

func (c *Config) validateStore() []ValidationError {
	var errors []ValidationError
	if !slices.Contains(ValidStoreBackends(), c.Store.Backend) {
		errors = append(errors, ValidationError{
			Field:   "store.backend",
			Value:   c.Store.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidStoreBackends(), ", ")),
		})
	}
	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError
	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if c.Logging.MaxSizeMB < 1 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be at least 1",
		})
	}
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must not be negative",
		})
	}
	return errors
}
