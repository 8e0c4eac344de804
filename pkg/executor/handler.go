package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/arcfield/toolplane/pkg/checkpoint"
	"github.com/arcfield/toolplane/pkg/credential"
	"github.com/arcfield/toolplane/pkg/fault"
	"github.com/arcfield/toolplane/pkg/sandbox"
	"github.com/arcfield/toolplane/pkg/tool"
)

// Handler runs one tool invocation. The handler owns idempotent resume:
// when params carry restored state the tool must continue from it, not
// repeat side effects performed before the last checkpoint.
type Handler func(ctx context.Context, rt *Runtime, params map[string]interface{}) (interface{}, error)

// HandlerRegistry maps native manifest handler names to implementations.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   zerolog.Logger
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry(logger zerolog.Logger) *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Register installs a native handler under a name manifests reference.
func (r *HandlerRegistry) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("handler name is required")
	}
	if h == nil {
		return fmt.Errorf("handler %s is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler %s already registered", name)
	}
	r.handlers[name] = h
	r.logger.Info().Str("handler", name).Msg("Tool handler registered")
	return nil
}

func (r *HandlerRegistry) get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered handler names.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Runtime is the capability surface handed to a handler for the
// duration of one invocation: its sandbox, its provisioned credentials,
// the guarded external-call path, and checkpointing.
type Runtime struct {
	invocationID string
	toolID       string
	tenantID     string
	service      string

	sandbox     sandbox.Sandbox
	guard       *Guard
	creds       map[string]*credential.Ephemeral
	checkpoints *checkpoint.Manager
	retry       *tool.RetryPolicy
	restored    checkpoint.State

	onCheckpoint func(cp *checkpoint.Checkpoint)

	stateMu sync.Mutex
	state   checkpoint.State
}

// InvocationID returns the owning invocation's ID.
func (rt *Runtime) InvocationID() string { return rt.invocationID }

// Workdir returns the sandbox working directory.
func (rt *Runtime) Workdir() string { return rt.sandbox.Workdir() }

// Exec runs a command inside the invocation's sandbox.
func (rt *Runtime) Exec(ctx context.Context, req sandbox.ExecRequest) (sandbox.ExecResult, error) {
	return rt.sandbox.Execute(ctx, req)
}

// Credential returns a provisioned secret by its manifest-declared
// name. Undeclared names fail: the declared permission set is the
// boundary, enforced before the tool ever runs.
func (rt *Runtime) Credential(name string) (string, error) {
	handle, ok := rt.creds[name]
	if !ok {
		return "", fault.Newf(fault.CodeInvalidCredential,
			"credential %s not declared in tool manifest", name)
	}
	return handle.Value()
}

// Restored returns the checkpoint state this attempt resumed from, or
// nil on a first run. Handlers use it to skip work already done.
func (rt *Runtime) Restored() checkpoint.State { return rt.restored }

// External admits one outbound call through the rate limiter and the
// service's shared circuit breaker, recording the outcome. When the
// manifest carries a retry policy, retryable denials and failures are
// retried with exponential backoff; everything else fails immediately.
func (rt *Runtime) External(ctx context.Context, fn func(context.Context) error) error {
	if rt.retry == nil {
		return rt.guard.Call(ctx, rt.service, rt.toolID, rt.tenantID, fn)
	}
	op := func() error {
		err := rt.guard.Call(ctx, rt.service, rt.toolID, rt.tenantID, fn)
		if err != nil && !fault.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(rt.retry.Backoff(), ctx))
}

// SetState publishes the handler's current execution state for the
// periodic micro-checkpoint loop. Handlers pass a fresh map each time;
// the runtime never mutates it.
func (rt *Runtime) SetState(state checkpoint.State) {
	rt.stateMu.Lock()
	rt.state = state
	rt.stateMu.Unlock()
}

// snapshot returns the latest published state for the micro loop.
func (rt *Runtime) snapshot() (checkpoint.State, bool) {
	rt.stateMu.Lock()
	defer rt.stateMu.Unlock()
	if len(rt.state) == 0 {
		return nil, false
	}
	return rt.state, true
}

// Milestone saves a durable macro checkpoint at a named milestone.
// Unlike micro saves, failures surface to the tool.
func (rt *Runtime) Milestone(ctx context.Context, label string, state checkpoint.State) error {
	return rt.save(ctx, checkpoint.KindMacro, label, state)
}

// Checkpoint saves an explicit named checkpoint, retained indefinitely.
func (rt *Runtime) Checkpoint(ctx context.Context, label string, state checkpoint.State) error {
	return rt.save(ctx, checkpoint.KindNamed, label, state)
}

func (rt *Runtime) save(ctx context.Context, kind checkpoint.Kind, label string, state checkpoint.State) error {
	cp, err := rt.checkpoints.Save(ctx, rt.invocationID, kind, label, state)
	if err != nil {
		return err
	}
	rt.SetState(state)
	if rt.onCheckpoint != nil {
		rt.onCheckpoint(cp)
	}
	return nil
}

// resolveHandler picks the execution path for a manifest: native
// handlers run in-process, MCP and OpenAPI tools are routed through the
// bridge peer that speaks those protocols.
func (e *Executor) resolveHandler(m *tool.Manifest) (Handler, error) {
	switch m.Kind {
	case tool.KindNative:
		h, ok := e.handlers.get(m.Native.Handler)
		if !ok {
			return nil, fault.Newf(fault.CodeExecutionFailed,
				"native handler %s is not registered", m.Native.Handler)
		}
		return h, nil

	case tool.KindMCP:
		if e.bridge == nil {
			return nil, fault.Newf(fault.CodeBridgeUnavailable,
				"tool %s needs the bridge but none is configured", m.ID)
		}
		return e.bridgeHandler("mcp.call", map[string]interface{}{
			"server_url": m.MCP.ServerURL,
			"tool":       m.MCP.RemoteName,
		}), nil

	case tool.KindOpenAPI:
		if e.bridge == nil {
			return nil, fault.Newf(fault.CodeBridgeUnavailable,
				"tool %s needs the bridge but none is configured", m.ID)
		}
		return e.bridgeHandler("openapi.call", map[string]interface{}{
			"base_url":     m.OpenAPI.BaseURL,
			"operation_id": m.OpenAPI.OperationID,
			"method":       m.OpenAPI.Method,
			"path":         m.OpenAPI.Path,
		}), nil

	default:
		return nil, fault.Newf(fault.CodeExecutionFailed, "unknown tool kind %q", m.Kind)
	}
}

// bridgeHandler adapts a bridged protocol call into a Handler. The call
// passes through the guarded external path so bridged backends get the
// same limiter and breaker protection as direct ones.
func (e *Executor) bridgeHandler(method string, target map[string]interface{}) Handler {
	return func(ctx context.Context, rt *Runtime, params map[string]interface{}) (interface{}, error) {
		payload := make(map[string]interface{}, len(target)+1)
		for k, v := range target {
			payload[k] = v
		}
		payload["params"] = params

		var out interface{}
		err := rt.External(ctx, func(ctx context.Context) error {
			raw, err := e.bridge.Call(ctx, method, payload)
			if err != nil {
				return err
			}
			if len(raw) == 0 {
				return nil
			}
			return json.Unmarshal(raw, &out)
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}
