package tracing

import (
	"context"
	"testing"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}

	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestWithTraceID(t *testing.T) {
	ctx := context.Background()
	traceID := "test-trace-id"

	ctx = WithTraceID(ctx, traceID)

	retrieved := GetTraceID(ctx)
	if retrieved != traceID {
		t.Errorf("Expected trace ID %s, got %s", traceID, retrieved)
	}
}

func TestWithInvocationID(t *testing.T) {
	ctx := context.Background()
	invocationID := "inv-123"

	ctx = WithInvocationID(ctx, invocationID)

	retrieved := GetInvocationID(ctx)
	if retrieved != invocationID {
		t.Errorf("Expected invocation ID %s, got %s", invocationID, retrieved)
	}
}

func TestWithTenantID(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant-a"

	ctx = WithTenantID(ctx, tenantID)

	retrieved := GetTenantID(ctx)
	if retrieved != tenantID {
		t.Errorf("Expected tenant ID %s, got %s", tenantID, retrieved)
	}
}

func TestWithSubject(t *testing.T) {
	ctx := context.Background()
	subject := "agent-7"

	ctx = WithSubject(ctx, subject)

	retrieved := GetSubject(ctx)
	if retrieved != subject {
		t.Errorf("Expected subject %s, got %s", subject, retrieved)
	}
}

func TestGetTraceIDEmpty(t *testing.T) {
	ctx := context.Background()

	if GetTraceID(ctx) != "" {
		t.Error("Expected empty trace ID from background context")
	}
}

func TestGetInvocationIDEmpty(t *testing.T) {
	ctx := context.Background()

	if GetInvocationID(ctx) != "" {
		t.Error("Expected empty invocation ID from background context")
	}
}

func TestGetTenantIDEmpty(t *testing.T) {
	ctx := context.Background()

	if GetTenantID(ctx) != "" {
		t.Error("Expected empty tenant ID from background context")
	}
}

func TestGetSubjectEmpty(t *testing.T) {
	ctx := context.Background()

	if GetSubject(ctx) != "" {
		t.Error("Expected empty subject from background context")
	}
}

func TestFromContext(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithInvocationID(ctx, "inv-1")
	ctx = WithTenantID(ctx, "tenant-1")
	ctx = WithSubject(ctx, "agent-1")
	ctx = WithRequestID(ctx, "req-1")

	tc := FromContext(ctx)

	if tc.TraceID != "trace-1" {
		t.Errorf("Expected trace-1, got %s", tc.TraceID)
	}
	if tc.InvocationID != "inv-1" {
		t.Errorf("Expected inv-1, got %s", tc.InvocationID)
	}
	if tc.TenantID != "tenant-1" {
		t.Errorf("Expected tenant-1, got %s", tc.TenantID)
	}
	if tc.Subject != "agent-1" {
		t.Errorf("Expected agent-1, got %s", tc.Subject)
	}
	if tc.RequestID != "req-1" {
		t.Errorf("Expected req-1, got %s", tc.RequestID)
	}
}

func TestNewContext(t *testing.T) {
	tc := &TraceContext{
		TraceID:      "trace-2",
		InvocationID: "inv-2",
		TenantID:     "tenant-2",
		Subject:      "agent-2",
		RequestID:    "req-2",
	}

	ctx := NewContext(context.Background(), tc)

	if GetTraceID(ctx) != "trace-2" {
		t.Error("Trace ID not propagated")
	}
	if GetInvocationID(ctx) != "inv-2" {
		t.Error("Invocation ID not propagated")
	}
	if GetTenantID(ctx) != "tenant-2" {
		t.Error("Tenant ID not propagated")
	}
	if GetSubject(ctx) != "agent-2" {
		t.Error("Subject not propagated")
	}
	if GetRequestID(ctx) != "req-2" {
		t.Error("Request ID not propagated")
	}
}

func TestNewContextPartial(t *testing.T) {
	tc := &TraceContext{
		TraceID: "trace-only",
	}

	ctx := NewContext(context.Background(), tc)

	if GetTraceID(ctx) != "trace-only" {
		t.Error("Trace ID not propagated")
	}
	if GetInvocationID(ctx) != "" {
		t.Error("Invocation ID should be empty")
	}
}

func TestNewRequestContext(t *testing.T) {
	ctx := NewRequestContext(context.Background())

	if GetTraceID(ctx) == "" {
		t.Error("Expected a generated trace ID")
	}
}

func TestNewInvocationContext(t *testing.T) {
	ctx := NewInvocationContext(context.Background(), "inv-9", "tenant-9", "agent-9")

	if GetTraceID(ctx) == "" {
		t.Error("Expected a generated trace ID when parent has none")
	}
	if GetInvocationID(ctx) != "inv-9" {
		t.Error("Invocation ID not set")
	}
	if GetTenantID(ctx) != "tenant-9" {
		t.Error("Tenant ID not set")
	}
	if GetSubject(ctx) != "agent-9" {
		t.Error("Subject not set")
	}
}

func TestNewInvocationContextKeepsTrace(t *testing.T) {
	parent := WithTraceID(context.Background(), "trace-keep")
	ctx := NewInvocationContext(parent, "inv-10", "", "")

	if GetTraceID(ctx) != "trace-keep" {
		t.Error("Expected parent trace ID to be preserved")
	}
}

func TestContextPropagation(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "propagated")

	inner := func(ctx context.Context) string {
		return GetTraceID(ctx)
	}

	if inner(ctx) != "propagated" {
		t.Error("Context did not propagate through function call")
	}
}
