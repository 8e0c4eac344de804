package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/arcfield/toolplane/pkg/checkpoint"
	"github.com/arcfield/toolplane/pkg/executor"
	"github.com/arcfield/toolplane/pkg/fault"
	"github.com/arcfield/toolplane/pkg/sandbox"
	"github.com/arcfield/toolplane/pkg/tool"
)

// pollIntervalMS is the suggested invocations.status poll cadence
// returned with async responses.
const pollIntervalMS = 1000

// registerBuiltinMethods registers all built-in RPC methods. Invoke and
// cancel are mutations, so their responses replay under an idempotency
// key; the read methods never cache.
func (s *Server) registerBuiltinMethods() {
	_ = s.router.RegisterIdempotentMethod("tools.invoke", s.handleToolsInvoke)
	_ = s.router.RegisterIdempotentMethod("invocations.cancel", s.handleInvocationsCancel)
	_ = s.router.RegisterMethod("tools.list", s.handleToolsList)
	_ = s.router.RegisterMethod("invocations.status", s.handleInvocationsStatus)
	_ = s.router.RegisterMethod("invocations.resume", s.handleInvocationsResume)
	_ = s.router.RegisterMethod("approvals.decide", s.handleApprovalsDecide)
}

// handleToolsInvoke handles the tools.invoke RPC method. The default is
// a synchronous call that returns the terminal snapshot; async_mode
// returns the admitted record immediately with poll metadata.
func (s *Server) handleToolsInvoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	toolID, ok := params["tool_id"].(string)
	if !ok || toolID == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "tool_id parameter is required and must be a string"}
	}

	credential, ok := params["credential"].(string)
	if !ok || credential == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "credential parameter is required and must be a string"}
	}

	req := executor.Request{
		ToolID:     toolID,
		Credential: credential,
	}
	if version, ok := params["tool_version"].(string); ok {
		req.ToolVersion = version
	}
	if invocationID, ok := params["invocation_id"].(string); ok {
		req.InvocationID = invocationID
	}
	if toolParams, ok := params["params"].(map[string]interface{}); ok {
		req.Params = toolParams
	}
	if limits, ok := params["caller_limits"].(map[string]interface{}); ok {
		req.CallerLimits = allocationFromParams(limits)
	}

	asyncMode, _ := params["async_mode"].(bool)

	inv, done, err := s.exec.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	if asyncMode {
		return asyncView(inv), nil
	}
	return s.awaitOutcome(ctx, inv, done)
}

// handleToolsList handles the tools.list RPC method. Listing fails
// soft: registry trouble yields an empty catalog, never an error.
func (s *Server) handleToolsList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	manifests := s.registry.List(ctx)

	tools := make([]map[string]interface{}, 0, len(manifests))
	for _, m := range manifests {
		tools = append(tools, manifestView(m))
	}

	return map[string]interface{}{
		"tools": tools,
		"count": len(tools),
	}, nil
}

// handleInvocationsStatus handles the invocations.status RPC method.
func (s *Server) handleInvocationsStatus(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	invocationID, ok := params["invocation_id"].(string)
	if !ok || invocationID == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "invocation_id parameter is required and must be a string"}
	}

	inv, cp, progress, err := s.exec.Status(ctx, invocationID)
	if err != nil {
		return nil, err
	}

	view := invocationView(inv)
	if cp != nil {
		view["checkpoint"] = checkpointView(cp)
	}
	if progress != nil {
		view["progress"] = progress
	}
	return view, nil
}

// handleInvocationsCancel handles the invocations.cancel RPC method.
// Cancelling a terminal invocation is not an error; the response says
// nothing was done.
func (s *Server) handleInvocationsCancel(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	invocationID, ok := params["invocation_id"].(string)
	if !ok || invocationID == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "invocation_id parameter is required and must be a string"}
	}

	reason := "cancelled via gateway"
	if r, ok := params["reason"].(string); ok && r != "" {
		reason = r
	}

	cancelled, message, err := s.exec.Cancel(ctx, invocationID, reason)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"invocation_id": invocationID,
		"cancelled":     cancelled,
		"message":       message,
	}, nil
}

// handleInvocationsResume handles the invocations.resume RPC method:
// a fresh attempt of a failed or timed-out invocation from its retained
// checkpoint. async_mode works the same as on tools.invoke.
func (s *Server) handleInvocationsResume(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	invocationID, ok := params["invocation_id"].(string)
	if !ok || invocationID == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "invocation_id parameter is required and must be a string"}
	}

	asyncMode, _ := params["async_mode"].(bool)

	inv, done, err := s.exec.Resume(ctx, invocationID)
	if err != nil {
		return nil, err
	}

	if asyncMode {
		return asyncView(inv), nil
	}
	return s.awaitOutcome(ctx, inv, done)
}

// handleApprovalsDecide handles the approvals.decide RPC method: an
// operator approving or denying a suspended invocation. The approver
// defaults to the connected client's ID.
func (s *Server) handleApprovalsDecide(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	invocationID, ok := params["invocation_id"].(string)
	if !ok || invocationID == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "invocation_id parameter is required and must be a string"}
	}

	approved, ok := params["approved"].(bool)
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: "approved parameter is required and must be a boolean"}
	}

	approver, _ := params["approver"].(string)
	if approver == "" {
		approver = clientIDFromContext(ctx)
	}
	if approver == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "approver parameter is required"}
	}

	reason, _ := params["reason"].(string)

	if err := s.exec.HandleApprovalDecision(ctx, invocationID, approved, approver, reason); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"invocation_id": invocationID,
		"approved":      approved,
		"approver":      approver,
	}, nil
}

// awaitOutcome blocks until the invocation reaches a terminal state.
// When the caller goes away first the invocation keeps running; they
// get the current record plus poll metadata, same as async_mode.
func (s *Server) awaitOutcome(ctx context.Context, inv *executor.Invocation, done <-chan *executor.Invocation) (interface{}, error) {
	select {
	case final, ok := <-done:
		if !ok || final == nil {
			return nil, fault.New(fault.CodeInternal, "invocation watch ended without a terminal snapshot")
		}
		return invocationView(final), nil
	case <-ctx.Done():
		current, _, _, err := s.exec.Status(context.Background(), inv.ID)
		if err != nil {
			return asyncView(inv), nil
		}
		return asyncView(current), nil
	}
}

// asyncView is the immediate response shape for async submissions:
// the record so far plus where to poll for the outcome.
func asyncView(inv *executor.Invocation) map[string]interface{} {
	view := invocationView(inv)
	view["poll"] = map[string]interface{}{
		"method":      "invocations.status",
		"interval_ms": pollIntervalMS,
	}
	return view
}

// invocationView flattens an invocation record into the wire shape.
// Timestamps are Unix milliseconds; zero-valued fields are omitted.
func invocationView(inv *executor.Invocation) map[string]interface{} {
	view := map[string]interface{}{
		"invocation_id": inv.ID,
		"tool_id":       inv.ToolID,
		"tool_version":  inv.ToolVersion,
		"status":        string(inv.Status),
		"attempt":       inv.Attempt,
		"created_at":    inv.CreatedAt.UnixMilli(),
	}
	if inv.TenantID != "" {
		view["tenant_id"] = inv.TenantID
	}
	if inv.Subject != "" {
		view["subject"] = inv.Subject
	}
	if !inv.StartedAt.IsZero() {
		view["started_at"] = inv.StartedAt.UnixMilli()
	}
	if !inv.FinishedAt.IsZero() {
		view["finished_at"] = inv.FinishedAt.UnixMilli()
	}
	if len(inv.Result) > 0 {
		view["result"] = json.RawMessage(inv.Result)
	}
	if inv.Error != nil {
		view["error"] = map[string]interface{}{
			"code":      string(inv.Error.Code),
			"message":   inv.Error.Message,
			"retryable": inv.Error.Retryable,
		}
	}
	if inv.Status == executor.StatusPendingApproval {
		view["approval_tier"] = inv.ApprovalTier
		if !inv.ApprovalDeadline.IsZero() {
			view["approval_deadline"] = inv.ApprovalDeadline.UnixMilli()
		}
	}
	if inv.Approver != "" {
		view["approver"] = inv.Approver
	}
	if inv.CheckpointID != "" {
		view["checkpoint_id"] = inv.CheckpointID
	}
	return view
}

// manifestView is the catalog entry shape for tools.list. Payload
// schemas ride along so callers can validate before invoking.
func manifestView(m *tool.Manifest) map[string]interface{} {
	view := map[string]interface{}{
		"tool_id":   m.ID,
		"version":   m.Version,
		"kind":      string(m.Kind),
		"lifecycle": string(m.Lifecycle),
	}
	if m.Description != "" {
		view["description"] = m.Description
	}
	if m.Service != "" {
		view["service"] = m.Service
	}
	if m.RequiresApproval {
		view["requires_approval"] = true
	}
	if len(m.InputSchema) > 0 {
		view["input_schema"] = json.RawMessage(m.InputSchema)
	}
	if len(m.OutputSchema) > 0 {
		view["output_schema"] = json.RawMessage(m.OutputSchema)
	}
	if t := m.Timeout(0); t > 0 {
		view["timeout_seconds"] = int(t / time.Second)
	}
	return view
}

// checkpointView exposes checkpoint metadata, never the payload.
func checkpointView(cp *checkpoint.Checkpoint) map[string]interface{} {
	return map[string]interface{}{
		"checkpoint_id": cp.ID,
		"kind":          string(cp.Kind),
		"seq":           cp.Seq,
		"created_at":    cp.CreatedAt.UnixMilli(),
	}
}

// allocationFromParams reads a caller resource envelope from raw JSON
// params. Absent fields stay zero, meaning unbounded.
func allocationFromParams(limits map[string]interface{}) sandbox.Allocation {
	a := sandbox.Allocation{}
	if cpu, ok := limits["max_cpu"].(float64); ok {
		a.MaxCPU = cpu
	}
	if mem, ok := limits["max_memory_mb"].(float64); ok {
		a.MaxMemoryMB = int(mem)
	}
	if procs, ok := limits["max_processes"].(float64); ok {
		a.MaxProcesses = int(procs)
	}
	if secs, ok := limits["timeout_seconds"].(float64); ok {
		a.Timeout = time.Duration(secs) * time.Second
	}
	return a
}
