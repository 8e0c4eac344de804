package tool

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cenkalti/backoff/v4"
	"github.com/xeipuuv/gojsonschema"
)

// Kind identifies the protocol a tool speaks.
type Kind string

const (
	KindNative  Kind = "native"
	KindMCP     Kind = "mcp"
	KindOpenAPI Kind = "openapi"
)

// Lifecycle represents the publication state of a manifest version.
type Lifecycle string

const (
	LifecycleActive     Lifecycle = "active"
	LifecycleDeprecated Lifecycle = "deprecated"
	LifecycleSunset     Lifecycle = "sunset"
	LifecycleRemoved    Lifecycle = "removed"
)

// ResourceLimits bounds what one execution may consume.
type ResourceLimits struct {
	MaxCPU         float64 `json:"max_cpu,omitempty"`        // CPU cores
	MaxMemoryMB    int     `json:"max_memory_mb,omitempty"`  // Memory in MB
	MaxProcesses   int     `json:"max_processes,omitempty"`  // Process count
	TimeoutSeconds int     `json:"timeout_seconds,omitempty"`
}

// Timeout returns the execution deadline, or 0 when unset.
func (r *ResourceLimits) Timeout() time.Duration {
	if r == nil || r.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// RetryPolicy configures how a tool's own external calls may be retried.
// The execution layer never retries invocations itself.
type RetryPolicy struct {
	MaxAttempts      int     `json:"max_attempts"`
	InitialBackoffMS int     `json:"initial_backoff_ms"`
	Multiplier       float64 `json:"multiplier"`
	MaxBackoffMS     int     `json:"max_backoff_ms,omitempty"`
}

// Backoff builds a bounded exponential backoff from the policy.
func (p *RetryPolicy) Backoff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialBackoffMS > 0 {
		eb.InitialInterval = time.Duration(p.InitialBackoffMS) * time.Millisecond
	}
	if p.Multiplier > 1 {
		eb.Multiplier = p.Multiplier
	}
	if p.MaxBackoffMS > 0 {
		eb.MaxInterval = time.Duration(p.MaxBackoffMS) * time.Millisecond
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return backoff.WithMaxRetries(eb, uint64(attempts-1))
}

// BreakerThresholds overrides the circuit breaker defaults for the
// external service a tool calls.
type BreakerThresholds struct {
	FailureThreshold int `json:"failure_threshold"`
	SuccessThreshold int `json:"success_threshold"`
	TimeoutSeconds   int `json:"timeout_seconds"`
	HalfOpenMaxCalls int `json:"half_open_max_calls"`
}

// NativeSpec describes a tool implemented in-process.
type NativeSpec struct {
	Handler string `json:"handler"` // registered handler name
}

// MCPSpec describes a tool bridged from an MCP server.
type MCPSpec struct {
	ServerURL  string `json:"server_url"`
	RemoteName string `json:"remote_name"`
}

// OpenAPISpec describes a tool bridged from an OpenAPI operation.
type OpenAPISpec struct {
	BaseURL     string `json:"base_url"`
	OperationID string `json:"operation_id"`
	Method      string `json:"method"`
	Path        string `json:"path"`
}

// Manifest describes one published version of a tool. A manifest is
// immutable once published; a new version is a new record. Only the
// lifecycle state may change afterwards.
type Manifest struct {
	ID          string `json:"tool_id"`
	Version     string `json:"version"`
	Kind        Kind   `json:"kind"`
	Description string `json:"description,omitempty"`

	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`

	// Permissions lists the credential names the tool needs injected.
	Permissions []string `json:"permissions,omitempty"`

	// Service identifies the external service the tool calls, keying
	// its circuit breaker and rate-limit bucket. Empty for pure-local
	// tools.
	Service string `json:"service,omitempty"`

	TimeoutSeconds   int                `json:"timeout_seconds,omitempty"`
	RequiresApproval bool               `json:"requires_approval,omitempty"`
	Retry            *RetryPolicy       `json:"retry,omitempty"`
	Breaker          *BreakerThresholds `json:"breaker,omitempty"`
	Limits           *ResourceLimits    `json:"limits,omitempty"`

	// Exactly one of the variant specs must be set, matching Kind.
	Native  *NativeSpec  `json:"native,omitempty"`
	MCP     *MCPSpec     `json:"mcp,omitempty"`
	OpenAPI *OpenAPISpec `json:"openapi,omitempty"`

	Lifecycle   Lifecycle `json:"lifecycle"`
	PublishedAt time.Time `json:"published_at"`
}

// Timeout returns the invocation deadline for this tool, preferring the
// resource-limit timeout over the manifest default.
func (m *Manifest) Timeout(fallback time.Duration) time.Duration {
	if t := m.Limits.Timeout(); t > 0 {
		return t
	}
	if m.TimeoutSeconds > 0 {
		return time.Duration(m.TimeoutSeconds) * time.Second
	}
	return fallback
}

// Invocable reports whether this manifest version may still be invoked.
// Sunset and removed versions are rejected at admission.
func (m *Manifest) Invocable() bool {
	return m.Lifecycle == LifecycleActive || m.Lifecycle == LifecycleDeprecated
}

// Validate checks manifest integrity before publication.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("tool_id is required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("invalid version %q: %w", m.Version, err)
	}

	switch m.Kind {
	case KindNative:
		if m.Native == nil || m.Native.Handler == "" {
			return fmt.Errorf("native manifest requires a handler name")
		}
	case KindMCP:
		if m.MCP == nil || m.MCP.ServerURL == "" {
			return fmt.Errorf("mcp manifest requires a server URL")
		}
	case KindOpenAPI:
		if m.OpenAPI == nil || m.OpenAPI.BaseURL == "" || m.OpenAPI.Path == "" {
			return fmt.Errorf("openapi manifest requires a base URL and path")
		}
	default:
		return fmt.Errorf("unknown tool kind %q", m.Kind)
	}

	switch m.Lifecycle {
	case LifecycleActive, LifecycleDeprecated, LifecycleSunset, LifecycleRemoved:
	case "":
		return fmt.Errorf("lifecycle is required")
	default:
		return fmt.Errorf("unknown lifecycle %q", m.Lifecycle)
	}

	if len(m.InputSchema) > 0 {
		if _, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(m.InputSchema)); err != nil {
			return fmt.Errorf("invalid input schema: %w", err)
		}
	}
	if len(m.OutputSchema) > 0 {
		if _, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(m.OutputSchema)); err != nil {
			return fmt.Errorf("invalid output schema: %w", err)
		}
	}

	if m.Retry != nil && m.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry max_attempts must not be negative")
	}
	if m.Limits != nil && m.Limits.TimeoutSeconds < 0 {
		return fmt.Errorf("limits timeout_seconds must not be negative")
	}

	return nil
}
