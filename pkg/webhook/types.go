package webhook

import (
	"context"
	"time"
)

// WebhookConfig defines one ingress endpoint
type WebhookConfig struct {
	Path               string         // URL path (e.g., "/hooks/policy.changed")
	Method             string         // HTTP method (POST, GET, PUT, DELETE)
	Handler            WebhookHandler // Processing function
	Secret             string         // Signature verification secret
	SignatureHeader    string         // Header carrying the signature (default "X-Toolplane-Signature")
	SignatureAlgorithm string         // Signature algorithm ("sha256" or "sha1")
	Timeout            time.Duration  // Handler timeout (default: 30s)
	Description        string         // Human-readable description
}

// WebhookHandler processes a verified ingress request. The context
// carries the handler timeout.
type WebhookHandler func(ctx context.Context, params WebhookParams) (WebhookResponse, error)

// WebhookParams contains parsed webhook request data
type WebhookParams struct {
	Body    interface{}       // Parsed request body
	Headers map[string]string // Request headers
	Query   map[string]string // Query parameters
}

// WebhookResponse defines the webhook response
type WebhookResponse struct {
	Status  int               // HTTP status code
	Body    interface{}       // Response body (JSON serialized)
	Headers map[string]string // Custom response headers
}

// PolicyChangedEvent announces that grant policy changed upstream for
// one or more subjects; their cached permission decisions must not
// outlive the change.
type PolicyChangedEvent struct {
	Subjects []string `json:"subjects"`
	Reason   string   `json:"reason,omitempty"`
}

// BridgeChangedEvent names bridge cache keys whose upstream data
// changed.
type BridgeChangedEvent struct {
	Keys   []string `json:"keys"`
	Reason string   `json:"reason,omitempty"`
}

// ApprovalDecisionEvent carries an operator decision made out of band
// (ticketing system, chat approval flow) for a parked invocation.
type ApprovalDecisionEvent struct {
	InvocationID string `json:"invocation_id"`
	Approved     bool   `json:"approved"`
	Approver     string `json:"approver"`
	Reason       string `json:"reason,omitempty"`
}

// WebhookRegistryEntry represents a persisted webhook configuration
type WebhookRegistryEntry struct {
	Path               string `json:"path"`
	Method             string `json:"method"`
	Secret             string `json:"secret,omitempty"`
	SignatureHeader    string `json:"signatureHeader,omitempty"`
	SignatureAlgorithm string `json:"signatureAlgorithm,omitempty"`
	Timeout            int64  `json:"timeout,omitempty"` // milliseconds
	Description        string `json:"description,omitempty"`
}

// WebhookRegistry is the persisted registry structure
type WebhookRegistry struct {
	Version     int                    `json:"version"`
	Webhooks    []WebhookRegistryEntry `json:"webhooks"`
	LastUpdated int64                  `json:"lastUpdated"`
}

// WebhookMetrics tracks per-endpoint request counts and latency
type WebhookMetrics struct {
	Path                string  `json:"path"`
	Method              string  `json:"method"`
	TotalRequests       int64   `json:"totalRequests"`
	SuccessCount        int64   `json:"successCount"`
	FailureCount        int64   `json:"failureCount"`
	AverageResponseTime float64 `json:"averageResponseTime"` // milliseconds
	LastRequestAt       int64   `json:"lastRequestAt,omitempty"`
}

// ServerOptions configures the webhook server
type ServerOptions struct {
	Port               int           // Server port (default: 3000)
	Host               string        // Server host (default: "0.0.0.0")
	RegistryPath       string        // Path to webhook registry file
	RateLimitPerMinute int           // Requests per minute per IP (default: 100)
	DefaultTimeout     time.Duration // Default handler timeout (default: 30s)
}
