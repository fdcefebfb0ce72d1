package config

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "git.clone_timeout")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
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

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidProviders returns the provider names accepted in remote.extra_hosts
func ValidProviders() []string {
	return []string{"github", "gitlab", "bitbucket", "azure", "codeberg", "gitea", "sourcehut", "generic"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateGit()...)
	errors = append(errors, c.validateRemote()...)
	errors = append(errors, c.validateCapsule()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// validateGit validates the GitConfig
func (c *Config) validateGit() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Git.Binary) == "" {
		errors = append(errors, ValidationError{
			Field:   "git.binary",
			Value:   c.Git.Binary,
			Message: "must not be empty",
		})
	}

	timeouts := []struct {
		field string
		value time.Duration
	}{
		{"git.default_timeout", c.Git.DefaultTimeout},
		{"git.clone_timeout", c.Git.CloneTimeout},
		{"git.fetch_timeout", c.Git.FetchTimeout},
	}
	for _, to := range timeouts {
		if to.value <= 0 {
			errors = append(errors, ValidationError{
				Field:   to.field,
				Value:   to.value,
				Message: "must be positive",
			})
		}
	}

	const minOutputBytes = 4 * 1024
	const maxOutputBytes = 256 * 1024 * 1024
	if c.Git.MaxOutputBytes < minOutputBytes {
		errors = append(errors, ValidationError{
			Field:   "git.max_output_bytes",
			Value:   c.Git.MaxOutputBytes,
			Message: fmt.Sprintf("must be at least %d bytes", minOutputBytes),
		})
	}
	if c.Git.MaxOutputBytes > maxOutputBytes {
		errors = append(errors, ValidationError{
			Field:   "git.max_output_bytes",
			Value:   c.Git.MaxOutputBytes,
			Message: fmt.Sprintf("exceeds maximum of %d bytes", maxOutputBytes),
		})
	}

	if c.Git.DefaultDepth < 0 {
		errors = append(errors, ValidationError{
			Field:   "git.default_depth",
			Value:   c.Git.DefaultDepth,
			Message: "must be non-negative (0 = full history)",
		})
	}

	return errors
}

// validateRemote validates the RemoteConfig
func (c *Config) validateRemote() []ValidationError {
	var errors []ValidationError

	for host, provider := range c.Remote.ExtraHosts {
		if strings.TrimSpace(host) == "" || strings.ContainsAny(host, "/:@ ") {
			errors = append(errors, ValidationError{
				Field:   "remote.extra_hosts",
				Value:   host,
				Message: "must be a bare hostname",
			})
		}
		if !slices.Contains(ValidProviders(), strings.ToLower(provider)) {
			errors = append(errors, ValidationError{
				Field:   "remote.extra_hosts." + host,
				Value:   provider,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidProviders(), ", ")),
			})
		}
	}

	return errors
}

// validateCapsule validates the CapsuleConfig
func (c *Config) validateCapsule() []ValidationError {
	var errors []ValidationError

	if c.Capsule.EntropyThreshold <= 0 || c.Capsule.EntropyThreshold > 8 {
		errors = append(errors, ValidationError{
			Field:   "capsule.entropy_threshold",
			Value:   c.Capsule.EntropyThreshold,
			Message: "must be in (0, 8] bits per character",
		})
	}
	if c.Capsule.MinSecretLength < 8 {
		errors = append(errors, ValidationError{
			Field:   "capsule.min_secret_length",
			Value:   c.Capsule.MinSecretLength,
			Message: "must be at least 8",
		})
	}
	for _, p := range c.Capsule.ImmutablePaths {
		if strings.TrimSpace(p) == "" {
			errors = append(errors, ValidationError{
				Field:   "capsule.immutable_paths",
				Value:   p,
				Message: "entries must not be empty",
			})
		}
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if c.Logging.MaxSizeMB < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be non-negative",
		})
	}
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
