package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateSharedSecret validates a gateway shared secret
func (v *Validator) ValidateSharedSecret(secret string) error {
	if secret == "" {
		return nil // Authentication disabled
	}
	if len(secret) < 16 {
		return fmt.Errorf("shared secret must be at least 16 characters, got %d", len(secret))
	}
	return nil
}

// ValidateSigningKey validates the credential verification key
func (v *Validator) ValidateSigningKey(key string) error {
	if key == "" {
		return fmt.Errorf("signing key cannot be empty")
	}
	if len(key) < 32 {
		return fmt.Errorf("signing key must be at least 32 characters, got %d", len(key))
	}
	return nil
}

// ValidateMasterKey validates the credential store master key. The key
// must be base64 and decode to exactly 32 bytes.
func (v *Validator) ValidateMasterKey(key string) error {
	if key == "" {
		return nil // Credential store runs without encryption at rest
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return fmt.Errorf("master key must be base64 encoded: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("master key must decode to 32 bytes, got %d", len(raw))
	}
	return nil
}

// ValidateBridgeURL validates the bridge endpoint URL
func (v *Validator) ValidateBridgeURL(raw string) error {
	if raw == "" {
		return nil // Bridge disabled, direct store only
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid bridge URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("bridge URL scheme must be ws or wss, got %s", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("bridge URL requires a host")
	}
	return nil
}

// ValidateSweepSchedule validates the checkpoint retention schedule
func (v *Validator) ValidateSweepSchedule(schedule string) error {
	if schedule == "" {
		return fmt.Errorf("sweep schedule cannot be empty")
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateGranularity validates the rate limit key granularity
func (v *Validator) ValidateGranularity(granularity string) error {
	if granularity == "" {
		return nil // Use default
	}

	validGranularities := []string{"service", "tool_tenant"}
	for _, valid := range validGranularities {
		if granularity == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid rate limit granularity: %s (must be one of: %s)", granularity, strings.Join(validGranularities, ", "))
}

// ValidateSandboxRuntime validates the sandbox runtime selection
func (v *Validator) ValidateSandboxRuntime(runtime string) error {
	if runtime == "" {
		return nil // Use default
	}

	validRuntimes := []string{"host", "docker"}
	for _, valid := range validRuntimes {
		if runtime == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid sandbox runtime: %s (must be one of: %s)", runtime, strings.Join(validRuntimes, ", "))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	if err := v.ValidateSharedSecret(cfg.Gateway.SharedSecret); err != nil {
		errors = append(errors, err)
	}

	if err := v.ValidateSigningKey(cfg.Permission.SigningKey); err != nil {
		errors = append(errors, err)
	}

	if err := v.ValidateMasterKey(cfg.Credentials.MasterKey); err != nil {
		errors = append(errors, err)
	}

	if err := v.ValidateBridgeURL(cfg.Bridge.URL); err != nil {
		errors = append(errors, err)
	}

	if err := v.ValidateSweepSchedule(cfg.Checkpoint.SweepSchedule); err != nil {
		errors = append(errors, err)
	}

	if err := v.ValidateGranularity(cfg.RateLimit.Granularity); err != nil {
		errors = append(errors, err)
	}

	if err := v.ValidateSandboxRuntime(cfg.Sandbox.Runtime); err != nil {
		errors = append(errors, err)
	}

	if cfg.Checkpoint.MicroRetentionHours < 0 {
		errors = append(errors, fmt.Errorf("checkpoint micro_retention_hours must be >= 0"))
	}
	if cfg.Checkpoint.MacroRetentionDays < 0 {
		errors = append(errors, fmt.Errorf("checkpoint macro_retention_days must be >= 0"))
	}
	if cfg.Bridge.ReconnectMaxSeconds < 0 {
		errors = append(errors, fmt.Errorf("bridge reconnect_max_seconds must be >= 0"))
	}
	if cfg.Credentials.DefaultTTL <= 0 {
		errors = append(errors, fmt.Errorf("credentials default_ttl must be positive"))
	}

	return errors
}
