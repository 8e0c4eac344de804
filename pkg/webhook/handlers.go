package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/arcfield/toolplane/pkg/fault"
)

// defaultSignatureHeader carries the HMAC for all built-in ingress
// endpoints.
const defaultSignatureHeader = "X-Toolplane-Signature"

// PolicyChangedOptions configures the policy-change ingress.
type PolicyChangedOptions struct {
	Secret string
	// InvalidateSubject purges cached permission decisions for one
	// subject and reports how many entries were dropped.
	InvalidateSubject func(subject string) int
}

// CreatePolicyChangedHandler builds the ingress endpoint for upstream
// policy changes. Each named subject has its cached permission
// decisions purged so the next invocation re-consults the oracle.
func CreatePolicyChangedHandler(options PolicyChangedOptions) WebhookConfig {
	return WebhookConfig{
		Path:               "/hooks/policy.changed",
		Method:             http.MethodPost,
		Secret:             options.Secret,
		SignatureHeader:    defaultSignatureHeader,
		SignatureAlgorithm: "sha256",
		Timeout:            10 * time.Second,
		Description:        "Purges cached permission decisions for subjects whose policy changed",
		Handler: func(ctx context.Context, params WebhookParams) (WebhookResponse, error) {
			var event PolicyChangedEvent
			if resp, ok := decodeEvent(params.Body, &event); !ok {
				return resp, nil
			}
			if len(event.Subjects) == 0 {
				return badRequest("subjects is required"), nil
			}

			purged := 0
			if options.InvalidateSubject != nil {
				for _, subject := range event.Subjects {
					purged += options.InvalidateSubject(subject)
				}
			}

			return WebhookResponse{
				Status: http.StatusOK,
				Body: map[string]interface{}{
					"status":   "applied",
					"subjects": len(event.Subjects),
					"purged":   purged,
				},
			}, nil
		},
	}
}

// BridgeChangedOptions configures the bridge-change ingress.
type BridgeChangedOptions struct {
	Secret string
	// Invalidate purges one bridge cache key from all tiers.
	Invalidate func(key string)
}

// CreateBridgeChangedHandler builds the ingress endpoint for bridge
// data-change notifications: named cache keys are dropped so the next
// fetch goes back to the bridge.
func CreateBridgeChangedHandler(options BridgeChangedOptions) WebhookConfig {
	return WebhookConfig{
		Path:               "/hooks/bridge.changed",
		Method:             http.MethodPost,
		Secret:             options.Secret,
		SignatureHeader:    defaultSignatureHeader,
		SignatureAlgorithm: "sha256",
		Timeout:            10 * time.Second,
		Description:        "Purges bridge cache entries whose upstream data changed",
		Handler: func(ctx context.Context, params WebhookParams) (WebhookResponse, error) {
			var event BridgeChangedEvent
			if resp, ok := decodeEvent(params.Body, &event); !ok {
				return resp, nil
			}
			if len(event.Keys) == 0 {
				return badRequest("keys is required"), nil
			}

			if options.Invalidate != nil {
				for _, key := range event.Keys {
					options.Invalidate(key)
				}
			}

			return WebhookResponse{
				Status: http.StatusOK,
				Body: map[string]interface{}{
					"status": "applied",
					"keys":   len(event.Keys),
				},
			}, nil
		},
	}
}

// ApprovalDecisionOptions configures the out-of-band approval ingress.
type ApprovalDecisionOptions struct {
	Secret string
	// Decide applies an operator decision to a parked invocation.
	Decide func(ctx context.Context, invocationID string, approved bool, approver, reason string) error
}

// CreateApprovalDecisionHandler builds the ingress endpoint for
// approval decisions arriving from external processes. An unknown or
// no-longer-parked invocation answers 404 rather than failing the hook.
func CreateApprovalDecisionHandler(options ApprovalDecisionOptions) WebhookConfig {
	return WebhookConfig{
		Path:               "/hooks/approval.decision",
		Method:             http.MethodPost,
		Secret:             options.Secret,
		SignatureHeader:    defaultSignatureHeader,
		SignatureAlgorithm: "sha256",
		Timeout:            10 * time.Second,
		Description:        "Applies an operator approval decision to a suspended invocation",
		Handler: func(ctx context.Context, params WebhookParams) (WebhookResponse, error) {
			var event ApprovalDecisionEvent
			if resp, ok := decodeEvent(params.Body, &event); !ok {
				return resp, nil
			}
			if event.InvocationID == "" {
				return badRequest("invocation_id is required"), nil
			}
			if event.Approver == "" {
				return badRequest("approver is required"), nil
			}

			if options.Decide == nil {
				return WebhookResponse{
					Status: http.StatusServiceUnavailable,
					Body:   map[string]string{"error": "approval handling is not wired"},
				}, nil
			}

			if err := options.Decide(ctx, event.InvocationID, event.Approved, event.Approver, event.Reason); err != nil {
				if fault.IsCode(err, fault.CodeInvocationNotFound) {
					return WebhookResponse{
						Status: http.StatusNotFound,
						Body:   map[string]string{"error": fault.Sanitize(err).Message},
					}, nil
				}
				return WebhookResponse{}, err
			}

			return WebhookResponse{
				Status: http.StatusOK,
				Body: map[string]interface{}{
					"status":        "applied",
					"invocation_id": event.InvocationID,
					"approved":      event.Approved,
				},
			}, nil
		},
	}
}

// decodeEvent remarshals the parsed JSON body into a typed event.
// A false return carries the 400 response to send.
func decodeEvent(body interface{}, out interface{}) (WebhookResponse, bool) {
	if body == nil {
		return badRequest("request body is required"), false
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return badRequest("invalid payload"), false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return badRequest("failed to parse payload"), false
	}
	return WebhookResponse{}, true
}

func badRequest(msg string) WebhookResponse {
	return WebhookResponse{
		Status: http.StatusBadRequest,
		Body:   map[string]string{"error": msg},
	}
}

// CreateCustomHandler creates a webhook configuration for an arbitrary
// path and handler.
func CreateCustomHandler(path string, method string, handler WebhookHandler, options ...func(*WebhookConfig)) WebhookConfig {
	config := WebhookConfig{
		Path:    path,
		Method:  method,
		Handler: handler,
		Timeout: 30 * time.Second,
	}

	for _, opt := range options {
		opt(&config)
	}

	return config
}

// WithSecret sets the webhook secret for signature verification
func WithSecret(secret string, algorithm string, header string) func(*WebhookConfig) {
	return func(config *WebhookConfig) {
		config.Secret = secret
		config.SignatureAlgorithm = algorithm
		config.SignatureHeader = header
	}
}

// WithTimeout sets the webhook handler timeout
func WithTimeout(timeout time.Duration) func(*WebhookConfig) {
	return func(config *WebhookConfig) {
		config.Timeout = timeout
	}
}

// WithDescription sets the webhook description
func WithDescription(description string) func(*WebhookConfig) {
	return func(config *WebhookConfig) {
		config.Description = description
	}
}
