package permission

import (
	"context"
	"time"
)

// AuthRequest is the question posed to the authorization oracle
type AuthRequest struct {
	Subject     string                 `json:"subject"`
	TenantID    string                 `json:"tenant_id"`
	ToolID      string                 `json:"tool_id"`
	ToolVersion string                 `json:"tool_version"`
	Context     map[string]interface{} `json:"context,omitempty"`
}

// OracleDecision is the oracle's answer. TTL bounds how long the
// checker may cache it; zero means use the local default.
type OracleDecision struct {
	Allowed bool          `json:"allowed"`
	Reason  string        `json:"reason"`
	TTL     time.Duration `json:"ttl"`
}

// Oracle answers contextual authorization questions the credential's
// static grants cannot: tenant standing, spend limits, time-of-day
// policy. Implementations must honor ctx cancellation; the checker
// calls with a short deadline and denies on any error.
type Oracle interface {
	Authorize(ctx context.Context, req AuthRequest) (OracleDecision, error)
}

// OracleFunc adapts a function to the Oracle interface
type OracleFunc func(ctx context.Context, req AuthRequest) (OracleDecision, error)

// Authorize implements Oracle
func (f OracleFunc) Authorize(ctx context.Context, req AuthRequest) (OracleDecision, error) {
	return f(ctx, req)
}
