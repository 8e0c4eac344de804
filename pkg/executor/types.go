// Package executor coordinates the lifecycle of one tool invocation:
// admission, approval suspension, sandbox provisioning, supervised
// execution with periodic checkpoints, and terminal teardown. Many
// invocations run concurrently; each has a single owner and its state
// transitions are totally ordered.
package executor

import (
	"encoding/json"
	"time"

	"github.com/arcfield/toolplane/pkg/fault"
	"github.com/arcfield/toolplane/pkg/sandbox"
)

// Status is the lifecycle state of an invocation.
type Status string

const (
	StatusPending          Status = "pending"
	StatusPendingApproval  Status = "pending_approval"
	StatusRunning          Status = "running"
	StatusSuccess          Status = "success"
	StatusError            Status = "error"
	StatusTimeout          Status = "timeout"
	StatusCancelled        Status = "cancelled"
	StatusPermissionDenied Status = "permission_denied"
)

// Terminal reports whether the status is final. Terminal invocations
// never transition again; resume starts a new attempt on the same
// record.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusTimeout, StatusCancelled, StatusPermissionDenied:
		return true
	}
	return false
}

// Resumable reports whether a terminal invocation may be resumed from
// its retained checkpoint.
func (s Status) Resumable() bool {
	return s == StatusError || s == StatusTimeout
}

// Request is one invocation attempt as accepted from the gateway.
type Request struct {
	// InvocationID is caller-supplied for idempotent submission;
	// generated when empty.
	InvocationID string `json:"invocation_id,omitempty"`

	ToolID string `json:"tool_id"`
	// ToolVersion is an exact version or a semver range; ranges resolve
	// to the highest invocable version.
	ToolVersion string `json:"tool_version"`

	// Credential is the caller's signed capability credential.
	Credential string `json:"credential"`

	Params map[string]interface{} `json:"params,omitempty"`

	// CallerLimits is the caller's resource envelope. Tool limits are
	// carved out of it; zero fields are unbounded.
	CallerLimits sandbox.Allocation `json:"caller_limits,omitempty"`
}

// ErrorDetail is the caller-facing error stored on a failed invocation.
type ErrorDetail struct {
	Code      fault.Code `json:"code"`
	Message   string     `json:"message"`
	Retryable bool       `json:"retryable"`
}

// errorDetailOf flattens any error into the stored form.
func errorDetailOf(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	fe := fault.Sanitize(err)
	return &ErrorDetail{Code: fe.Code, Message: fe.Message, Retryable: fe.Retryable}
}

// Invocation is one attempt to run a tool. Created at admission,
// mutated only by the executor that owns it.
type Invocation struct {
	ID          string `json:"invocation_id"`
	ToolID      string `json:"tool_id"`
	ToolVersion string `json:"tool_version"`
	TenantID    string `json:"tenant_id,omitempty"`
	Subject     string `json:"subject,omitempty"`

	Params map[string]interface{} `json:"params,omitempty"`
	Limits sandbox.Allocation     `json:"limits"`

	Status Status          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorDetail    `json:"error,omitempty"`

	// Approval bookkeeping, populated when the manifest gates on a
	// human decision.
	ApprovalTier     int       `json:"approval_tier,omitempty"`
	ApprovalDeadline time.Time `json:"approval_deadline,omitempty"`
	Approver         string    `json:"approver,omitempty"`

	// CheckpointID is the retained resume point, set when a resumable
	// invocation reaches error or timeout.
	CheckpointID string `json:"checkpoint_id,omitempty"`

	Attempt    int       `json:"attempt"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Event is one lifecycle notification fanned out to subscribers.
// Events for a single invocation are emitted in transition order.
type Event struct {
	Type         string                 `json:"type"`
	InvocationID string                 `json:"invocation_id"`
	ToolID       string                 `json:"tool_id"`
	TenantID     string                 `json:"tenant_id,omitempty"`
	Status       Status                 `json:"status"`
	At           time.Time              `json:"at"`
	Detail       map[string]interface{} `json:"detail,omitempty"`
}

// Event types.
const (
	EventStarted         = "invocation.started"
	EventPendingApproval = "invocation.pending_approval"
	EventApproved        = "invocation.approved"
	EventCheckpointed    = "invocation.checkpointed"
	EventCompleted       = "invocation.completed"
)
