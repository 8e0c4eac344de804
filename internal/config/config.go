package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main toolplane configuration
type Config struct {
	// Data directory for local state (stores, checkpoints, logs)
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Gateway server
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Webhook ingress for collaborator callbacks
	Webhook WebhookConfig `json:"webhook" mapstructure:"webhook"`

	// Tool registry
	Registry RegistryConfig `json:"registry" mapstructure:"registry"`

	// Circuit breakers around external services
	Breaker BreakerConfig `json:"breaker" mapstructure:"breaker"`

	// Rate limiting admission control
	RateLimit RateLimitConfig `json:"rate_limit" mapstructure:"rate_limit"`

	// Permission checking
	Permission PermissionConfig `json:"permission" mapstructure:"permission"`

	// Checkpointing
	Checkpoint CheckpointConfig `json:"checkpoint" mapstructure:"checkpoint"`

	// Bridge client
	Bridge BridgeConfig `json:"bridge" mapstructure:"bridge"`

	// Ephemeral credential store
	Credentials CredentialConfig `json:"credentials" mapstructure:"credentials"`

	// Execution orchestrator
	Executor ExecutorConfig `json:"executor" mapstructure:"executor"`

	// Sandbox provisioning
	Sandbox SandboxConfig `json:"sandbox" mapstructure:"sandbox"`

	// Shared Redis backend (optional; bridge shared cache and limiter store)
	Redis RedisConfig `json:"redis" mapstructure:"redis"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port               int    `json:"port" mapstructure:"port"`
	Host               string `json:"host" mapstructure:"host"`
	SharedSecret       string `json:"shared_secret" mapstructure:"shared_secret"`
	RequestsPerMinute  int    `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrentCalls int    `json:"max_concurrent_calls" mapstructure:"max_concurrent_calls"`
	DrainTimeout       int    `json:"drain_timeout" mapstructure:"drain_timeout"` // seconds
}

// WebhookConfig holds webhook ingress configuration
type WebhookConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Port    int    `json:"port" mapstructure:"port"`
	Host    string `json:"host" mapstructure:"host"`
	Secret  string `json:"secret" mapstructure:"secret"`
	Timeout int    `json:"timeout" mapstructure:"timeout"` // seconds
}

// RegistryConfig holds tool registry configuration
type RegistryConfig struct {
	DatabasePath string `json:"database_path" mapstructure:"database_path"`
	CacheTTL     int    `json:"cache_ttl" mapstructure:"cache_ttl"` // seconds
}

// BreakerConfig holds circuit breaker defaults. Per-tool manifests may
// override thresholds for the services they call.
type BreakerConfig struct {
	FailureThreshold int `json:"failure_threshold" mapstructure:"failure_threshold"`
	SuccessThreshold int `json:"success_threshold" mapstructure:"success_threshold"`
	TimeoutSeconds   int `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	HalfOpenMaxCalls int `json:"half_open_max_calls" mapstructure:"half_open_max_calls"`
	WindowSeconds    int `json:"window_seconds" mapstructure:"window_seconds"`
}

// RateLimitConfig holds token bucket configuration
type RateLimitConfig struct {
	// Granularity is "service" or "tool_tenant"
	Granularity string  `json:"granularity" mapstructure:"granularity"`
	Capacity    int     `json:"capacity" mapstructure:"capacity"`
	RefillRate  float64 `json:"refill_rate" mapstructure:"refill_rate"` // tokens/sec
	// Store is "memory" or "redis"
	Store string `json:"store" mapstructure:"store"`
}

// PermissionConfig holds permission checker configuration
type PermissionConfig struct {
	SigningKey      string `json:"signing_key" mapstructure:"signing_key"`
	Issuer          string `json:"issuer" mapstructure:"issuer"`
	CacheTTL        int    `json:"cache_ttl" mapstructure:"cache_ttl"`                 // seconds, local cap
	OracleTimeoutMS int    `json:"oracle_timeout_ms" mapstructure:"oracle_timeout_ms"` // hundreds of ms
	PolicyFile      string `json:"policy_file" mapstructure:"policy_file"`
}

// CheckpointConfig holds checkpoint manager configuration
type CheckpointConfig struct {
	Dir                    string `json:"dir" mapstructure:"dir"`
	DatabasePath           string `json:"database_path" mapstructure:"database_path"`
	MicroIntervalSeconds   int    `json:"micro_interval_seconds" mapstructure:"micro_interval_seconds"`
	MicroRetentionHours    int    `json:"micro_retention_hours" mapstructure:"micro_retention_hours"`
	MacroRetentionDays     int    `json:"macro_retention_days" mapstructure:"macro_retention_days"`
	CompressThresholdBytes int    `json:"compress_threshold_bytes" mapstructure:"compress_threshold_bytes"`
	DeltaThresholdBytes    int    `json:"delta_threshold_bytes" mapstructure:"delta_threshold_bytes"`
	ExternalThresholdBytes int    `json:"external_threshold_bytes" mapstructure:"external_threshold_bytes"`
	ExternalDir            string `json:"external_dir" mapstructure:"external_dir"`
	SweepSchedule          string `json:"sweep_schedule" mapstructure:"sweep_schedule"`
}

// BridgeConfig holds bridge client configuration
type BridgeConfig struct {
	URL                 string `json:"url" mapstructure:"url"`
	CallTimeoutMS       int    `json:"call_timeout_ms" mapstructure:"call_timeout_ms"`
	SharedCacheTTL      int    `json:"shared_cache_ttl" mapstructure:"shared_cache_ttl"` // seconds
	LocalCacheSize      int    `json:"local_cache_size" mapstructure:"local_cache_size"`
	DirectStorePath     string `json:"direct_store_path" mapstructure:"direct_store_path"`
	ReconnectMaxSeconds int    `json:"reconnect_max_seconds" mapstructure:"reconnect_max_seconds"`
}

// CredentialConfig holds ephemeral credential store configuration
type CredentialConfig struct {
	StorePath  string `json:"store_path" mapstructure:"store_path"`
	MasterKey  string `json:"master_key" mapstructure:"master_key"` // base64, 32 bytes
	DefaultTTL int    `json:"default_ttl" mapstructure:"default_ttl"`
}

// ExecutorConfig holds execution orchestrator configuration
type ExecutorConfig struct {
	MaxConcurrent          int    `json:"max_concurrent" mapstructure:"max_concurrent"`
	DefaultTimeoutSeconds  int    `json:"default_timeout_seconds" mapstructure:"default_timeout_seconds"`
	CancelGraceSeconds     int    `json:"cancel_grace_seconds" mapstructure:"cancel_grace_seconds"`
	ApprovalTiersSeconds   []int  `json:"approval_tiers_seconds" mapstructure:"approval_tiers_seconds"`
	InvocationDatabasePath string `json:"invocation_database_path" mapstructure:"invocation_database_path"`
}

// SandboxConfig defines sandbox provisioning settings
type SandboxConfig struct {
	Runtime     string `json:"runtime" mapstructure:"runtime"` // host, docker
	WorkdirBase string `json:"workdir_base" mapstructure:"workdir_base"`
	DockerImage string `json:"docker_image" mapstructure:"docker_image"`
}

// RedisConfig holds shared Redis backend settings
type RedisConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Addr     string `json:"addr" mapstructure:"addr"`
	Password string `json:"password" mapstructure:"password"`
	DB       int    `json:"db" mapstructure:"db"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Gateway: GatewayConfig{
			Port:               8080,
			Host:               "0.0.0.0",
			SharedSecret:       "",
			RequestsPerMinute:  120,
			MaxConcurrentCalls: 32,
			DrainTimeout:       30,
		},
		Webhook: WebhookConfig{
			Enabled: false,
			Port:    3000,
			Host:    "0.0.0.0",
			Timeout: 30,
		},
		Registry: RegistryConfig{
			CacheTTL: 60,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			TimeoutSeconds:   30,
			HalfOpenMaxCalls: 3,
			WindowSeconds:    60,
		},
		RateLimit: RateLimitConfig{
			Granularity: "service",
			Capacity:    20,
			RefillRate:  10,
			Store:       "memory",
		},
		Permission: PermissionConfig{
			Issuer:          "toolplane",
			CacheTTL:        300,
			OracleTimeoutMS: 500,
		},
		Checkpoint: CheckpointConfig{
			MicroIntervalSeconds:   30,
			MicroRetentionHours:    24,
			MacroRetentionDays:     30,
			CompressThresholdBytes: 10 * 1024,
			DeltaThresholdBytes:    100 * 1024,
			ExternalThresholdBytes: 1024 * 1024,
			SweepSchedule:          "@hourly",
		},
		Bridge: BridgeConfig{
			CallTimeoutMS:       800,
			SharedCacheTTL:      300,
			LocalCacheSize:      1024,
			ReconnectMaxSeconds: 60,
		},
		Credentials: CredentialConfig{
			DefaultTTL: 300,
		},
		Executor: ExecutorConfig{
			MaxConcurrent:         16,
			DefaultTimeoutSeconds: 60,
			CancelGraceSeconds:    5,
			ApprovalTiersSeconds:  []int{300, 900, 3600},
		},
		Sandbox: SandboxConfig{
			Runtime: "host",
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway port must be between 1 and 65535, got %d", c.Gateway.Port)
	}
	if c.Webhook.Enabled {
		if c.Webhook.Port <= 0 || c.Webhook.Port > 65535 {
			return fmt.Errorf("webhook port must be between 1 and 65535, got %d", c.Webhook.Port)
		}
		if c.Webhook.Secret == "" {
			return fmt.Errorf("webhook secret is required when the webhook ingress is enabled")
		}
	}

	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure_threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("breaker success_threshold must be positive, got %d", c.Breaker.SuccessThreshold)
	}
	if c.Breaker.HalfOpenMaxCalls <= 0 {
		return fmt.Errorf("breaker half_open_max_calls must be positive, got %d", c.Breaker.HalfOpenMaxCalls)
	}
	if c.Breaker.TimeoutSeconds <= 0 {
		return fmt.Errorf("breaker timeout_seconds must be positive, got %d", c.Breaker.TimeoutSeconds)
	}

	if c.RateLimit.Granularity != "service" && c.RateLimit.Granularity != "tool_tenant" {
		return fmt.Errorf("rate_limit granularity must be service or tool_tenant, got %s", c.RateLimit.Granularity)
	}
	if c.RateLimit.Capacity <= 0 {
		return fmt.Errorf("rate_limit capacity must be positive, got %d", c.RateLimit.Capacity)
	}
	if c.RateLimit.RefillRate <= 0 {
		return fmt.Errorf("rate_limit refill_rate must be positive, got %f", c.RateLimit.RefillRate)
	}
	if c.RateLimit.Store != "memory" && c.RateLimit.Store != "redis" {
		return fmt.Errorf("rate_limit store must be memory or redis, got %s", c.RateLimit.Store)
	}
	if c.RateLimit.Store == "redis" && !c.Redis.Enabled {
		return fmt.Errorf("rate_limit store is redis but the redis backend is not enabled")
	}

	if c.Permission.SigningKey == "" {
		return fmt.Errorf("permission signing_key is required to verify capability credentials")
	}
	if c.Permission.OracleTimeoutMS <= 0 || c.Permission.OracleTimeoutMS > 5000 {
		return fmt.Errorf("permission oracle_timeout_ms must be between 1 and 5000, got %d", c.Permission.OracleTimeoutMS)
	}

	if c.Checkpoint.MicroIntervalSeconds <= 0 {
		return fmt.Errorf("checkpoint micro_interval_seconds must be positive, got %d", c.Checkpoint.MicroIntervalSeconds)
	}
	if c.Checkpoint.CompressThresholdBytes <= 0 {
		return fmt.Errorf("checkpoint compress_threshold_bytes must be positive, got %d", c.Checkpoint.CompressThresholdBytes)
	}
	if c.Checkpoint.ExternalThresholdBytes <= c.Checkpoint.DeltaThresholdBytes {
		return fmt.Errorf("checkpoint external_threshold_bytes must exceed delta_threshold_bytes")
	}

	if c.Executor.MaxConcurrent <= 0 {
		return fmt.Errorf("executor max_concurrent must be positive, got %d", c.Executor.MaxConcurrent)
	}
	if c.Executor.DefaultTimeoutSeconds <= 0 {
		return fmt.Errorf("executor default_timeout_seconds must be positive, got %d", c.Executor.DefaultTimeoutSeconds)
	}
	if len(c.Executor.ApprovalTiersSeconds) == 0 {
		return fmt.Errorf("executor approval_tiers_seconds requires at least one tier")
	}
	for i := 1; i < len(c.Executor.ApprovalTiersSeconds); i++ {
		if c.Executor.ApprovalTiersSeconds[i] <= c.Executor.ApprovalTiersSeconds[i-1] {
			return fmt.Errorf("executor approval_tiers_seconds must escalate: tier %d (%ds) does not exceed tier %d (%ds)",
				i, c.Executor.ApprovalTiersSeconds[i], i-1, c.Executor.ApprovalTiersSeconds[i-1])
		}
	}

	if c.Sandbox.Runtime != "" && c.Sandbox.Runtime != "host" && c.Sandbox.Runtime != "docker" {
		return fmt.Errorf("invalid sandbox runtime: %s", c.Sandbox.Runtime)
	}
	if c.Sandbox.Runtime == "docker" && c.Sandbox.DockerImage == "" {
		return fmt.Errorf("sandbox docker_image is required for the docker runtime")
	}

	return nil
}

// OracleTimeout returns the oracle timeout as a duration
func (c *PermissionConfig) OracleTimeout() time.Duration {
	return time.Duration(c.OracleTimeoutMS) * time.Millisecond
}

// BridgeCallTimeout returns the per-call bridge timeout as a duration
func (c *BridgeConfig) BridgeCallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutMS) * time.Millisecond
}

// ApprovalTiers converts the configured escalation tiers to durations
func (c *ExecutorConfig) ApprovalTiers() []time.Duration {
	tiers := make([]time.Duration, 0, len(c.ApprovalTiersSeconds))
	for _, s := range c.ApprovalTiersSeconds {
		tiers = append(tiers, time.Duration(s)*time.Second)
	}
	return tiers
}
