package observability

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent represents a structured event for the audit log. Events for
// the same tenant carry a monotonically increasing sequence number so
// consumers can verify per-tenant ordering.
type AuditEvent struct {
	Type         string                 `json:"event_type"`
	Timestamp    time.Time              `json:"timestamp"`
	Tenant       string                 `json:"tenant,omitempty"`
	Actor        string                 `json:"actor,omitempty"` // subject or approver identity
	InvocationID string                 `json:"invocation_id,omitempty"`
	Action       string                 `json:"action"` // e.g., "invocation_completed", "approval_decided"
	Status       string                 `json:"status"` // "success", "failure", "pending", "denied"
	Seq          uint64                 `json:"seq"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	TraceID      string                 `json:"trace_id,omitempty"`
}

// AuditLogger handles recording and persisting audit events
type AuditLogger struct {
	logger    zerolog.Logger
	mu        sync.Mutex
	file      *os.File
	tenantSeq map[string]uint64
}

var (
	auditOnce sync.Once
	auditInst *AuditLogger
)

// GetAuditLogger returns the global audit logger instance
func GetAuditLogger() *AuditLogger {
	auditOnce.Do(func() {
		// Default to stderr if not initialized
		auditInst = &AuditLogger{
			logger:    zerolog.New(os.Stderr).With().Timestamp().Logger(),
			tenantSeq: make(map[string]uint64),
		}
	})
	return auditInst
}

// InitAuditLogger points the global audit logger at an append-only JSONL file
func InitAuditLogger(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	auditInst = &AuditLogger{
		logger:    zerolog.New(file).With().Timestamp().Logger(),
		file:      file,
		tenantSeq: make(map[string]uint64),
	}
	return nil
}

// Record emits an audit event to the log file and optionally to OpenTelemetry.
// Emission order is preserved per tenant: the sequence number is assigned
// under the same lock that writes the line.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Extract tracing info if available
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()

		// Also record as a span event for Otel
		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.tenant", event.Tenant),
			attribute.String("audit.invocation_id", event.InvocationID),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.tenantSeq[event.Tenant]++
	event.Seq = a.tenantSeq[event.Tenant]

	// Direct JSON logging to file/logger
	entry := a.logger.Log().
		Str("type", event.Type).
		Str("tenant", event.Tenant).
		Str("actor", event.Actor).
		Str("invocation_id", event.InvocationID).
		Str("action", event.Action).
		Str("status", event.Status).
		Uint64("seq", event.Seq).
		Str("trace_id", event.TraceID)

	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}

	entry.Msg("")
}

// Close closes the audit logger's file handle
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}

// Helper methods for common events

func RecordInvocationAudit(ctx context.Context, tenant, actor, invocationID, action, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:         "invocation",
		Tenant:       tenant,
		Actor:        actor,
		InvocationID: invocationID,
		Action:       action,
		Status:       status,
		Metadata:     metadata,
	})
}

func RecordAdmissionAudit(ctx context.Context, tenant, actor, invocationID, kind string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:         "admission",
		Tenant:       tenant,
		Actor:        actor,
		InvocationID: invocationID,
		Action:       "denied:" + kind,
		Status:       "denied",
		Metadata:     metadata,
	})
}

func RecordApprovalAudit(ctx context.Context, tenant, approver, invocationID, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:         "approval",
		Tenant:       tenant,
		Actor:        approver,
		InvocationID: invocationID,
		Action:       "approval_decided",
		Status:       status,
		Metadata:     metadata,
	})
}

func RecordSecurityAudit(ctx context.Context, action, actor, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "security",
		Actor:    actor,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}

func RecordConfigAudit(ctx context.Context, action, actor string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "config",
		Actor:    actor,
		Action:   action,
		Status:   "success",
		Metadata: metadata,
	})
}
