package webhook_test

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/arcfield/toolplane/pkg/webhook"
)

// Example demonstrates basic webhook server usage
func Example() {
	options := webhook.ServerOptions{
		Port:               3000,
		Host:               "0.0.0.0",
		RateLimitPerMinute: 100,
		RegistryPath:       filepath.Join(os.TempDir(), "toolplane-webhooks.json"),
	}

	server, err := webhook.NewServer(options, zerolog.Nop())
	if err != nil {
		panic(err)
	}

	// Register a custom webhook
	config := webhook.WebhookConfig{
		Path:   "/hooks/custom",
		Method: http.MethodPost,
		Handler: func(ctx context.Context, params webhook.WebhookParams) (webhook.WebhookResponse, error) {
			fmt.Printf("Received webhook: %v\n", params.Body)
			return webhook.WebhookResponse{
				Status: http.StatusOK,
				Body:   map[string]string{"status": "received"},
			}, nil
		},
	}

	if err := server.RegisterWebhook(config); err != nil {
		panic(err)
	}

	// Start server (in production, this would be in a goroutine)
	// server.Start()

	fmt.Println("Webhook server configured")
	// Output: Webhook server configured
}

// ExampleCreatePolicyChangedHandler demonstrates wiring policy-change
// notifications to the permission cache.
func ExampleCreatePolicyChangedHandler() {
	handler := webhook.CreatePolicyChangedHandler(webhook.PolicyChangedOptions{
		Secret: "policy-webhook-secret",
		InvalidateSubject: func(subject string) int {
			fmt.Printf("Purging cached decisions for %s\n", subject)
			return 0
		},
	})

	fmt.Printf("Policy ingress configured at %s\n", handler.Path)
	// Output: Policy ingress configured at /hooks/policy.changed
}

// ExampleCreateBridgeChangedHandler demonstrates wiring upstream
// data-change notifications to the bridge cache.
func ExampleCreateBridgeChangedHandler() {
	handler := webhook.CreateBridgeChangedHandler(webhook.BridgeChangedOptions{
		Secret: "bridge-webhook-secret",
		Invalidate: func(key string) {
			fmt.Printf("Dropping bridge cache key %s\n", key)
		},
	})

	fmt.Printf("Bridge ingress configured at %s\n", handler.Path)
	// Output: Bridge ingress configured at /hooks/bridge.changed
}

// ExampleCreateApprovalDecisionHandler demonstrates accepting approval
// decisions from an external console.
func ExampleCreateApprovalDecisionHandler() {
	handler := webhook.CreateApprovalDecisionHandler(webhook.ApprovalDecisionOptions{
		Secret: "approval-webhook-secret",
		Decide: func(ctx context.Context, invocationID string, approved bool, approver, reason string) error {
			fmt.Printf("Decision for %s by %s: approved=%v\n", invocationID, approver, approved)
			return nil
		},
	})

	fmt.Printf("Approval ingress configured at %s\n", handler.Path)
	// Output: Approval ingress configured at /hooks/approval.decision
}

// ExampleCreateCustomHandler demonstrates custom webhook with options
func ExampleCreateCustomHandler() {
	handler := webhook.CreateCustomHandler(
		"/hooks/audit-export",
		http.MethodPost,
		func(ctx context.Context, params webhook.WebhookParams) (webhook.WebhookResponse, error) {
			return webhook.WebhookResponse{Status: http.StatusOK}, nil
		},
		webhook.WithSecret("export-secret", "sha256", "X-Export-Signature"),
		webhook.WithDescription("Audit export callback"),
	)

	fmt.Printf("Custom webhook configured at %s with signature verification\n", handler.Path)
	// Output: Custom webhook configured at /hooks/audit-export with signature verification
}
