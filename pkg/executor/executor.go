package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/arcfield/toolplane/internal/config"
	"github.com/arcfield/toolplane/internal/observability"
	"github.com/arcfield/toolplane/internal/tracing"
	"github.com/arcfield/toolplane/pkg/breaker"
	"github.com/arcfield/toolplane/pkg/bridge"
	"github.com/arcfield/toolplane/pkg/checkpoint"
	"github.com/arcfield/toolplane/pkg/credential"
	"github.com/arcfield/toolplane/pkg/fault"
	"github.com/arcfield/toolplane/pkg/permission"
	"github.com/arcfield/toolplane/pkg/ratelimit"
	"github.com/arcfield/toolplane/pkg/sandbox"
	"github.com/arcfield/toolplane/pkg/tool"
	"github.com/arcfield/toolplane/pkg/validation"
)

// Deps bundles the collaborators an executor coordinates.
type Deps struct {
	Registry    *tool.Registry
	Checker     *permission.Checker
	Credentials *credential.Store
	Checkpoints *checkpoint.Manager
	Provisioner sandbox.Provisioner
	Limiter     *ratelimit.Limiter
	Breakers    *breaker.Arena
	Bridge      *bridge.Bridge
	Handlers    *HandlerRegistry
}

// Executor owns the invocation lifecycle. Admission happens on the
// caller's goroutine; everything after the pending record exists runs
// on a per-invocation goroutine with bounded execution concurrency.
type Executor struct {
	store       *Store
	registry    *tool.Registry
	checker     *permission.Checker
	credentials *credential.Store
	checkpoints *checkpoint.Manager
	provisioner sandbox.Provisioner
	breakers    *breaker.Arena
	bridge      *bridge.Bridge
	handlers    *HandlerRegistry

	guard     *Guard
	approvals *approvalGate
	hub       *eventHub
	logger    zerolog.Logger

	defaultTimeout time.Duration
	cancelGrace    time.Duration
	microInterval  time.Duration

	// slots bounds how many invocations execute at once. Parked
	// approvals never hold a slot.
	slots chan struct{}
	wg    sync.WaitGroup

	// parkCtx ends first on shutdown, releasing durable waits; runCtx
	// ends only after the drain window, interrupting live handlers.
	parkCtx    context.Context
	parkCancel context.CancelFunc
	runCtx     context.Context
	runCancel  context.CancelFunc

	mu       sync.Mutex
	closed   bool
	handles  map[string]*runHandle
	watchers map[string][]chan *Invocation
}

// runHandle is the control surface for one live invocation goroutine.
type runHandle struct {
	cancelCh chan string
	rt       *Runtime
}

type runResult struct {
	out interface{}
	err error
}

// New opens the invocation store and wires an executor.
func New(cfg config.ExecutorConfig, microInterval time.Duration, deps Deps, logger zerolog.Logger) (*Executor, error) {
	logger = logger.With().Str("component", "executor").Logger()

	store, err := NewStore(cfg.InvocationDatabasePath, logger)
	if err != nil {
		return nil, err
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 16
	}
	defaultTimeout := time.Duration(cfg.DefaultTimeoutSeconds) * time.Second
	if defaultTimeout <= 0 {
		defaultTimeout = time.Minute
	}
	cancelGrace := time.Duration(cfg.CancelGraceSeconds) * time.Second
	if cancelGrace <= 0 {
		cancelGrace = 5 * time.Second
	}
	if microInterval <= 0 {
		microInterval = 30 * time.Second
	}

	hub := &eventHub{}
	parkCtx, parkCancel := context.WithCancel(context.Background())
	runCtx, runCancel := context.WithCancel(context.Background())

	handlers := deps.Handlers
	if handlers == nil {
		handlers = NewHandlerRegistry(logger)
	}

	return &Executor{
		store:          store,
		registry:       deps.Registry,
		checker:        deps.Checker,
		credentials:    deps.Credentials,
		checkpoints:    deps.Checkpoints,
		provisioner:    deps.Provisioner,
		breakers:       deps.Breakers,
		bridge:         deps.Bridge,
		handlers:       handlers,
		guard:          NewGuard(deps.Limiter, deps.Breakers, logger),
		approvals:      newApprovalGate(store, cfg.ApprovalTiers(), hub, logger),
		hub:            hub,
		logger:         logger,
		defaultTimeout: defaultTimeout,
		cancelGrace:    cancelGrace,
		microInterval:  microInterval,
		slots:          make(chan struct{}, maxConcurrent),
		parkCtx:        parkCtx,
		parkCancel:     parkCancel,
		runCtx:         runCtx,
		runCancel:      runCancel,
		handles:        make(map[string]*runHandle),
		watchers:       make(map[string][]chan *Invocation),
	}, nil
}

// Subscribe registers a lifecycle event subscriber.
func (e *Executor) Subscribe(fn Subscriber) {
	e.hub.subscribe(fn)
}

// Handlers exposes the native handler registry for tool registration.
func (e *Executor) Handlers() *HandlerRegistry {
	return e.handlers
}

// Submit admits one invocation: manifest resolution, permission check,
// input validation, then a durable pending record and a dispatched
// owner goroutine. The returned channel delivers the terminal snapshot
// and closes. A failed validation creates no record at all; a denied
// permission creates a terminal permission_denied record.
func (e *Executor) Submit(ctx context.Context, req Request) (*Invocation, <-chan *Invocation, error) {
	ctx, span := tracing.StartSpan(ctx, "toolplane.executor", "executor.submit",
		attribute.String("tool.id", req.ToolID),
		attribute.String("tool.version", req.ToolVersion),
	)
	defer span.End()

	if req.ToolID == "" {
		return nil, nil, fault.New(fault.CodeValidationFailed, "tool_id is required")
	}
	if e.draining() {
		return nil, nil, fault.New(fault.CodeInternal, "executor is draining")
	}

	if req.InvocationID != "" {
		if err := sandbox.ValidateInvocationID(req.InvocationID); err != nil {
			return nil, nil, fault.New(fault.CodeValidationFailed, "invalid invocation_id")
		}
		existing, err := e.store.get(ctx, req.InvocationID)
		if err != nil {
			return nil, nil, err
		}
		if existing != nil {
			return existing, e.watch(existing), nil
		}
	}

	m, err := e.registry.Resolve(ctx, req.ToolID, req.ToolVersion)
	if err != nil {
		return nil, nil, err
	}
	if !m.Invocable() {
		return nil, nil, fault.Newf(fault.CodeVersionNotFound,
			"tool %s version %s is %s and no longer invocable", m.ID, m.Version, m.Lifecycle)
	}

	params := req.Params
	if params == nil {
		params = map[string]interface{}{}
	}

	decision := e.checker.Check(ctx, req.Credential, m.ID, m.Version, nil)
	if decision.Allowed {
		observability.RecordPermissionCheck("allowed")
	} else {
		observability.RecordPermissionCheck("denied")
	}

	id := req.InvocationID
	if id == "" {
		id, err = gonanoid.New()
		if err != nil {
			return nil, nil, fault.Wrap(fault.CodeInternal, "generate invocation ID", err)
		}
	}

	now := time.Now().UTC()
	inv := &Invocation{
		ID:          id,
		ToolID:      m.ID,
		ToolVersion: m.Version,
		TenantID:    decision.TenantID,
		Subject:     decision.Subject,
		Params:      params,
		Limits:      req.CallerLimits,
		Status:      StatusPending,
		Attempt:     1,
		CreatedAt:   now,
	}

	if !decision.Allowed {
		if err := e.store.insert(ctx, inv); err != nil {
			return nil, nil, err
		}
		observability.RecordAdmissionAudit(ctx, inv.TenantID, inv.Subject, inv.ID, "permission", map[string]interface{}{
			"tool_id": m.ID,
			"code":    string(decision.Code),
			"reason":  decision.Reason,
		})
		done := e.watch(inv)
		e.finalize(ctx, inv, StatusPermissionDenied, nil, errorDetailOf(decision.Err()), false)
		return inv, done, nil
	}

	report, err := validation.ValidateInput(params, m.InputSchema)
	if err != nil {
		return nil, nil, fault.Wrap(fault.CodeInternal, "input validation", err)
	}
	if !report.Valid {
		return nil, nil, fault.New(fault.CodeValidationFailed, report.Error())
	}
	if issues := validation.ScreenInput(params); len(issues) > 0 {
		paths := make([]string, 0, len(issues))
		for _, is := range issues {
			paths = append(paths, is.Path)
		}
		e.logger.Warn().
			Str("invocation_id", inv.ID).
			Str("tool_id", m.ID).
			Strs("paths", paths).
			Msg("Input screening flagged suspicious parameters")
		observability.RecordAdmissionAudit(ctx, inv.TenantID, inv.Subject, inv.ID, "input_screen", map[string]interface{}{
			"paths": paths,
		})
	}

	if err := e.store.insert(ctx, inv); err != nil {
		return nil, nil, err
	}
	observability.RecordInvocationAudit(ctx, inv.TenantID, inv.Subject, inv.ID, "submitted", string(StatusPending), map[string]interface{}{
		"tool_id":      m.ID,
		"tool_version": m.Version,
	})
	e.logger.Info().
		Str("invocation_id", inv.ID).
		Str("tool_id", m.ID).
		Str("tool_version", m.Version).
		Msg("Invocation admitted")

	done := e.watch(inv)
	e.dispatch(inv, m, nil)
	return inv, done, nil
}

// Cancel requests cooperative cancellation. Terminal invocations are
// untouched and report "Already completed".
func (e *Executor) Cancel(ctx context.Context, invocationID, reason string) (bool, string, error) {
	inv, err := e.store.get(ctx, invocationID)
	if err != nil {
		return false, "", err
	}
	if inv == nil {
		return false, "", fault.Newf(fault.CodeInvocationNotFound, "invocation %s not found", invocationID)
	}
	if inv.Status.Terminal() {
		return false, "Already completed", nil
	}

	observability.RecordInvocationAudit(ctx, inv.TenantID, inv.Subject, inv.ID, "cancel_requested", string(inv.Status), map[string]interface{}{
		"reason": reason,
	})

	if inv.Status == StatusPendingApproval {
		if err := e.approvals.cancelParked(ctx, inv, reason); err != nil {
			if fault.IsCode(err, fault.CodeInvocationNotFound) {
				return false, "Already completed", nil
			}
			return false, "", err
		}
		return true, "Cancelled while awaiting approval", nil
	}

	e.mu.Lock()
	h, ok := e.handles[invocationID]
	e.mu.Unlock()
	if ok {
		select {
		case h.cancelCh <- reason:
			return true, "Cancellation requested", nil
		default:
			return true, "Cancellation already requested", nil
		}
	}

	// No live owner; the record predates this process and has not been
	// recovered into a goroutine, so finalize it directly.
	detail := cancelDetail(reason)
	did, err := e.store.markTerminal(ctx, invocationID, StatusCancelled, nil, detail, time.Now().UTC())
	if err != nil {
		return false, "", err
	}
	if !did {
		return false, "Already completed", nil
	}
	e.finalize(ctx, inv, StatusCancelled, nil, detail, true)
	return true, "Cancelled", nil
}

// Resume starts a fresh attempt of a resumable invocation from its
// retained checkpoint: new sandbox, new credentials, restored state.
func (e *Executor) Resume(ctx context.Context, invocationID string) (*Invocation, <-chan *Invocation, error) {
	ctx, span := tracing.StartSpan(ctx, "toolplane.executor", "executor.resume",
		attribute.String("invocation.id", invocationID),
	)
	defer span.End()

	if e.draining() {
		return nil, nil, fault.New(fault.CodeInternal, "executor is draining")
	}

	inv, err := e.store.get(ctx, invocationID)
	if err != nil {
		return nil, nil, err
	}
	if inv == nil {
		return nil, nil, fault.Newf(fault.CodeInvocationNotFound, "invocation %s not found", invocationID)
	}
	if !inv.Status.Resumable() {
		return nil, nil, fault.Newf(fault.CodeInvocationNotFound,
			"invocation %s is not resumable (status %s)", invocationID, inv.Status)
	}

	m, err := e.registry.Get(ctx, inv.ToolID, inv.ToolVersion)
	if err != nil {
		return nil, nil, err
	}

	state, cp, err := e.checkpoints.Resume(ctx, invocationID, inv.CheckpointID)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	if err := e.store.markResumed(ctx, invocationID, now); err != nil {
		return nil, nil, err
	}

	inv.Status = StatusRunning
	inv.Attempt++
	inv.StartedAt = now
	inv.Result = nil
	inv.Error = nil
	inv.FinishedAt = time.Time{}

	observability.RecordInvocationAudit(ctx, inv.TenantID, inv.Subject, inv.ID, "resumed", string(StatusRunning), map[string]interface{}{
		"checkpoint_id": cp.ID,
		"attempt":       inv.Attempt,
	})
	e.logger.Info().
		Str("invocation_id", inv.ID).
		Str("checkpoint_id", cp.ID).
		Int("attempt", inv.Attempt).
		Msg("Invocation resumed")

	done := e.watch(inv)
	e.dispatch(inv, m, state)
	return inv, done, nil
}

// Status returns the invocation record, its newest checkpoint, and the
// live progress state when it is currently running.
func (e *Executor) Status(ctx context.Context, invocationID string) (*Invocation, *checkpoint.Checkpoint, map[string]interface{}, error) {
	inv, err := e.store.get(ctx, invocationID)
	if err != nil {
		return nil, nil, nil, err
	}
	if inv == nil {
		return nil, nil, nil, fault.Newf(fault.CodeInvocationNotFound, "invocation %s not found", invocationID)
	}

	cp, err := e.checkpoints.Latest(ctx, invocationID)
	if err != nil {
		e.logger.Debug().Err(err).Str("invocation_id", invocationID).Msg("Latest checkpoint lookup failed")
		cp = nil
	}

	var progress map[string]interface{}
	if inv.Status == StatusRunning {
		e.mu.Lock()
		var rt *Runtime
		if h, ok := e.handles[invocationID]; ok {
			rt = h.rt
		}
		e.mu.Unlock()
		if rt != nil {
			if state, ok := rt.snapshot(); ok {
				progress = map[string]interface{}(state)
			}
		}
	}

	return inv, cp, progress, nil
}

// HandleApprovalDecision applies an operator decision delivered through
// the gateway or the webhook ingress.
func (e *Executor) HandleApprovalDecision(ctx context.Context, invocationID string, approved bool, approver, reason string) error {
	return e.approvals.decide(ctx, invocationID, approved, approver, reason)
}

// Recover re-adopts invocations left behind by the previous process:
// mid-run records become resumable errors, parked approvals and pending
// records get fresh owner goroutines.
func (e *Executor) Recover(ctx context.Context) error {
	running, err := e.store.listByStatus(ctx, StatusRunning)
	if err != nil {
		return err
	}
	for _, inv := range running {
		e.finalize(ctx, inv, StatusError, nil, &ErrorDetail{
			Code:    fault.CodeInternal,
			Message: "interrupted by restart",
		}, false)
	}

	parked, err := e.store.listByStatus(ctx, StatusPendingApproval)
	if err != nil {
		return err
	}
	pending, err := e.store.listByStatus(ctx, StatusPending)
	if err != nil {
		return err
	}

	recovered := 0
	for _, inv := range append(parked, pending...) {
		m, merr := e.registry.Get(ctx, inv.ToolID, inv.ToolVersion)
		if merr != nil {
			e.finalize(ctx, inv, StatusError, nil, errorDetailOf(merr), false)
			continue
		}
		e.dispatch(inv, m, nil)
		recovered++
	}

	if len(running) > 0 || recovered > 0 {
		e.logger.Info().
			Int("interrupted", len(running)).
			Int("readopted", recovered).
			Msg("Recovered invocations from previous run")
	}
	return nil
}

// Shutdown drains the executor: parked approvals detach (their records
// stay durable), live handlers get until ctx expires, then are
// interrupted. New submissions are rejected immediately.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.logger.Info().Msg("Executor draining")
	e.parkCancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn().Msg("Drain window expired, interrupting in-flight invocations")
		e.runCancel()
		<-done
	}

	err := e.store.Close()
	e.logger.Info().Msg("Executor stopped")
	return err
}

// dispatch hands an invocation to its owner goroutine.
func (e *Executor) dispatch(inv *Invocation, m *tool.Manifest, restored checkpoint.State) {
	h := &runHandle{cancelCh: make(chan string, 1)}
	e.mu.Lock()
	e.handles[inv.ID] = h
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(inv, m, h, restored)
}

// run is the single owner of one invocation: approval gate, worker
// slot, then the execution pipeline.
func (e *Executor) run(inv *Invocation, m *tool.Manifest, h *runHandle, restored checkpoint.State) {
	defer e.wg.Done()
	defer e.dropHandle(inv.ID)

	ctx := e.runCtx

	switch {
	case inv.Status == StatusPendingApproval:
		if !e.awaitApproval(ctx, inv, false) {
			return
		}
	case inv.Status == StatusPending && m.RequiresApproval && inv.Approver == "":
		if !e.awaitApproval(ctx, inv, true) {
			return
		}
	}

	select {
	case e.slots <- struct{}{}:
	case <-e.parkCtx.Done():
		// Shutdown while queued; the pending record is re-adopted on
		// the next start.
		return
	case reason := <-h.cancelCh:
		e.finalize(ctx, inv, StatusCancelled, nil, cancelDetail(reason), false)
		return
	}
	defer func() { <-e.slots }()

	e.execute(ctx, inv, m, h, restored)
}

// awaitApproval blocks on the approval gate and reports whether the run
// should proceed. Every non-proceed outcome has already been finalized
// (or deliberately left durable, on shutdown).
func (e *Executor) awaitApproval(ctx context.Context, inv *Invocation, fresh bool) bool {
	out, err := e.approvals.hold(e.parkCtx, inv, fresh)
	if err != nil {
		if e.parkCtx.Err() != nil {
			return false
		}
		e.finalize(ctx, inv, StatusError, nil, errorDetailOf(err), false)
		return false
	}

	if out.approved {
		inv.Approver = out.approver
		inv.Status = StatusPending
		return true
	}

	if out.timedOut {
		detail := &ErrorDetail{Code: fault.CodeApprovalTimeout, Message: "approval window expired"}
		did, terr := e.store.markApprovalTimeout(ctx, inv.ID, detail, time.Now().UTC())
		if terr != nil {
			e.logger.Error().Err(terr).Str("invocation_id", inv.ID).Msg("Failed to expire approval")
			return false
		}
		if did {
			observability.RecordApprovalAudit(ctx, inv.TenantID, "", inv.ID, "expired", map[string]interface{}{
				"tool_id": inv.ToolID,
			})
			e.finalize(ctx, inv, StatusCancelled, nil, detail, true)
			return false
		}
		// An operator decision won the race against the final tier.
		stored, gerr := e.store.get(ctx, inv.ID)
		if gerr != nil || stored == nil {
			return false
		}
		if stored.Status == StatusPending {
			inv.Approver = stored.Approver
			inv.Status = StatusPending
			return true
		}
		e.finalize(ctx, stored, stored.Status, stored.Result, stored.Error, true)
		return false
	}

	e.finalize(ctx, inv, StatusCancelled, nil, &ErrorDetail{
		Code:    fault.CodeInvocationCancelled,
		Message: out.message,
	}, true)
	return false
}

// execute runs the provisioning pipeline and supervises the handler.
func (e *Executor) execute(ctx context.Context, inv *Invocation, m *tool.Manifest, h *runHandle, restored checkpoint.State) {
	ctx, span := tracing.StartSpan(ctx, "toolplane.executor", "executor.run",
		attribute.String("invocation.id", inv.ID),
		attribute.String("tool.id", inv.ToolID),
	)
	defer span.End()

	logger := e.logger.With().
		Str("invocation_id", inv.ID).
		Str("tool_id", inv.ToolID).
		Logger()

	handler, err := e.resolveHandler(m)
	if err != nil {
		e.finalize(ctx, inv, StatusError, nil, errorDetailOf(err), false)
		return
	}

	limits, err := sandbox.SubAllocate(inv.Limits, allocationFromManifest(m))
	if err != nil {
		observability.RecordAdmissionAudit(ctx, inv.TenantID, inv.Subject, inv.ID, "resource", map[string]interface{}{
			"error": err.Error(),
		})
		e.finalize(ctx, inv, StatusError, nil, errorDetailOf(err), false)
		return
	}

	started := time.Now().UTC()
	if inv.Status != StatusRunning {
		if err := e.store.markRunning(ctx, inv.ID, started); err != nil {
			stored, gerr := e.store.get(ctx, inv.ID)
			if gerr == nil && stored != nil && stored.Status.Terminal() {
				e.finalize(ctx, stored, stored.Status, stored.Result, stored.Error, true)
				return
			}
			e.finalize(ctx, inv, StatusError, nil, errorDetailOf(err), false)
			return
		}
		inv.Status = StatusRunning
		inv.StartedAt = started
	} else if !inv.StartedAt.IsZero() {
		started = inv.StartedAt
	}

	budget := limits.Timeout
	if budget <= 0 {
		budget = e.defaultTimeout
	}
	deadline := started.Add(budget)

	// JIT credentials, scoped to this invocation and capped at the
	// remaining budget so no handle outlives the run.
	creds := make(map[string]*credential.Ephemeral, len(m.Permissions))
	env := make(map[string]string, len(m.Permissions))
	defer e.credentials.ScrubInvocation(inv.ID)
	for _, name := range m.Permissions {
		ttl := time.Until(deadline)
		if ttl <= 0 {
			e.finalize(ctx, inv, StatusTimeout, nil, &ErrorDetail{
				Code:    fault.CodeInvocationTimeout,
				Message: fmt.Sprintf("invocation exceeded its %s budget", budget),
			}, false)
			return
		}
		handle, cerr := e.credentials.GetEphemeral(ctx, inv.ID, inv.ToolID, name, ttl)
		if cerr != nil {
			e.finalize(ctx, inv, StatusError, nil, errorDetailOf(cerr), false)
			return
		}
		creds[name] = handle
		if v, verr := handle.Value(); verr == nil {
			env[credentialEnvName(name)] = v
		}
	}

	sb, err := e.provisioner.Provision(ctx, sandbox.Spec{
		InvocationID: inv.ID,
		ToolID:       inv.ToolID,
		Allocation:   limits,
		Env:          env,
		AllowNetwork: m.Service != "",
	})
	if err != nil {
		e.finalize(ctx, inv, StatusError, nil, errorDetailOf(err), false)
		return
	}
	defer func() {
		if rerr := sb.Release(context.Background()); rerr != nil {
			logger.Warn().Err(rerr).Msg("Sandbox release failed")
		}
	}()
	defer e.checkpoints.Release(inv.ID)

	if m.Service != "" && m.Breaker != nil {
		e.breakers.Configure(m.Service, breaker.Config{
			FailureThreshold: m.Breaker.FailureThreshold,
			SuccessThreshold: m.Breaker.SuccessThreshold,
			Timeout:          time.Duration(m.Breaker.TimeoutSeconds) * time.Second,
			HalfOpenMaxCalls: m.Breaker.HalfOpenMaxCalls,
		})
	}

	rt := &Runtime{
		invocationID: inv.ID,
		toolID:       inv.ToolID,
		tenantID:     inv.TenantID,
		service:      m.Service,
		sandbox:      sb,
		guard:        e.guard,
		creds:        creds,
		checkpoints:  e.checkpoints,
		retry:        m.Retry,
		restored:     restored,
		state:        restored,
	}
	rt.onCheckpoint = func(cp *checkpoint.Checkpoint) { e.emitCheckpoint(inv, cp) }

	e.mu.Lock()
	h.rt = rt
	e.mu.Unlock()

	e.hub.emit(Event{
		Type:         EventStarted,
		InvocationID: inv.ID,
		ToolID:       inv.ToolID,
		TenantID:     inv.TenantID,
		Status:       StatusRunning,
		Detail:       map[string]interface{}{"attempt": inv.Attempt},
	})
	observability.RecordInvocationAudit(ctx, inv.TenantID, inv.Subject, inv.ID, "started", string(StatusRunning), map[string]interface{}{
		"attempt": inv.Attempt,
	})
	logger.Info().Int("attempt", inv.Attempt).Dur("budget", budget).Msg("Invocation started")

	microStop := make(chan struct{})
	go e.microLoop(ctx, inv, rt, microStop)
	defer close(microStop)

	hctx, hcancel := context.WithDeadline(ctx, deadline)
	defer hcancel()

	resCh := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- runResult{err: fault.Newf(fault.CodeInternal, "tool handler panicked: %v", r)}
			}
		}()
		out, herr := handler(hctx, rt, inv.Params)
		resCh <- runResult{out: out, err: herr}
	}()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case r := <-resCh:
		e.settle(ctx, inv, m, budget, r)

	case <-timer.C:
		hcancel()
		e.finalize(ctx, inv, StatusTimeout, nil, &ErrorDetail{
			Code:    fault.CodeInvocationTimeout,
			Message: fmt.Sprintf("invocation exceeded its %s budget", budget),
		}, false)

	case reason := <-h.cancelCh:
		hcancel()
		grace := time.NewTimer(e.cancelGrace)
		select {
		case <-resCh:
		case <-grace.C:
			logger.Warn().Msg("Handler ignored cancellation, forcing teardown")
		}
		grace.Stop()
		e.finalize(ctx, inv, StatusCancelled, nil, cancelDetail(reason), false)
	}
}

// settle classifies a handler return and finalizes the invocation.
func (e *Executor) settle(ctx context.Context, inv *Invocation, m *tool.Manifest, budget time.Duration, r runResult) {
	if r.err != nil {
		switch {
		case errors.Is(r.err, context.DeadlineExceeded) || fault.IsCode(r.err, fault.CodeInvocationTimeout):
			e.finalize(ctx, inv, StatusTimeout, nil, &ErrorDetail{
				Code:    fault.CodeInvocationTimeout,
				Message: fmt.Sprintf("invocation exceeded its %s budget", budget),
			}, false)
		case errors.Is(r.err, context.Canceled):
			e.finalize(ctx, inv, StatusError, nil, &ErrorDetail{
				Code:    fault.CodeInternal,
				Message: "invocation interrupted",
			}, false)
		default:
			e.finalize(ctx, inv, StatusError, nil, errorDetailOf(r.err), false)
		}
		return
	}

	report, err := validation.ValidateOutput(r.out, m.OutputSchema)
	if err != nil {
		e.finalize(ctx, inv, StatusError, nil, errorDetailOf(
			fault.Wrap(fault.CodeInternal, "output validation", err)), false)
		return
	}
	if !report.Valid {
		e.finalize(ctx, inv, StatusError, nil, &ErrorDetail{
			Code:    fault.CodeValidationFailed,
			Message: report.Error(),
		}, false)
		return
	}

	var payload json.RawMessage
	if r.out != nil {
		payload, err = json.Marshal(r.out)
		if err != nil {
			e.finalize(ctx, inv, StatusError, nil, errorDetailOf(
				fault.Wrap(fault.CodeInternal, "encode result", err)), false)
			return
		}
	}
	e.finalize(ctx, inv, StatusSuccess, payload, nil, false)
}

// finalize performs the terminal transition exactly once and runs the
// shared bookkeeping: retention hint, metrics, audit, completion event,
// watcher delivery. With persisted=true the store row is already
// terminal and only the bookkeeping runs. The store write uses its own
// context so a cancelled run context cannot lose a terminal state.
func (e *Executor) finalize(ctx context.Context, inv *Invocation, status Status, result json.RawMessage, detail *ErrorDetail, persisted bool) {
	now := time.Now().UTC()

	if !persisted {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		did, err := e.store.markTerminal(sctx, inv.ID, status, result, detail, now)
		scancel()
		if err != nil {
			e.logger.Error().Err(err).Str("invocation_id", inv.ID).Msg("Failed to finalize invocation")
		} else if !did {
			stored, gerr := e.store.get(ctx, inv.ID)
			if gerr == nil && stored != nil && stored.Status.Terminal() {
				e.finalize(ctx, stored, stored.Status, stored.Result, stored.Error, true)
			}
			return
		}
	}

	inv.Status = status
	inv.Result = result
	inv.Error = detail
	inv.FinishedAt = now

	if status.Resumable() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		if cp, cerr := e.checkpoints.Latest(sctx, inv.ID); cerr == nil && cp != nil {
			if serr := e.store.setCheckpointID(sctx, inv.ID, cp.ID); serr == nil {
				inv.CheckpointID = cp.ID
			}
		}
		scancel()
	}

	dur := now.Sub(inv.StartedAt)
	if inv.StartedAt.IsZero() {
		dur = now.Sub(inv.CreatedAt)
	}
	observability.RecordInvocation(inv.ToolID, string(status), dur)

	meta := map[string]interface{}{
		"duration_ms": dur.Milliseconds(),
		"attempt":     inv.Attempt,
	}
	evDetail := map[string]interface{}{}
	if detail != nil {
		meta["error_code"] = string(detail.Code)
		evDetail["error_code"] = string(detail.Code)
		evDetail["retryable"] = detail.Retryable
	}
	if inv.CheckpointID != "" {
		evDetail["checkpoint_id"] = inv.CheckpointID
	}
	observability.RecordInvocationAudit(ctx, inv.TenantID, inv.Subject, inv.ID, "completed", string(status), meta)

	e.hub.emit(Event{
		Type:         EventCompleted,
		InvocationID: inv.ID,
		ToolID:       inv.ToolID,
		TenantID:     inv.TenantID,
		Status:       status,
		Detail:       evDetail,
	})

	e.logger.Info().
		Str("invocation_id", inv.ID).
		Str("tool_id", inv.ToolID).
		Str("status", string(status)).
		Dur("duration", dur).
		Msg("Invocation completed")

	e.notifyWatchers(inv)
}

// microLoop saves advisory micro checkpoints from the handler's
// published state while the invocation runs.
func (e *Executor) microLoop(ctx context.Context, inv *Invocation, rt *Runtime, stop <-chan struct{}) {
	ticker := time.NewTicker(e.microInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			state, ok := rt.snapshot()
			if !ok {
				continue
			}
			cp, err := e.checkpoints.Save(ctx, inv.ID, checkpoint.KindMicro, "", state)
			if err != nil {
				e.logger.Debug().Err(err).Str("invocation_id", inv.ID).Msg("Micro checkpoint failed")
				continue
			}
			e.emitCheckpoint(inv, cp)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Executor) emitCheckpoint(inv *Invocation, cp *checkpoint.Checkpoint) {
	e.hub.emit(Event{
		Type:         EventCheckpointed,
		InvocationID: inv.ID,
		ToolID:       inv.ToolID,
		TenantID:     inv.TenantID,
		Status:       StatusRunning,
		Detail: map[string]interface{}{
			"checkpoint_id": cp.ID,
			"kind":          string(cp.Kind),
			"seq":           cp.Seq,
		},
	})
}

// watch registers a completion channel for an invocation. Terminal
// invocations deliver immediately.
func (e *Executor) watch(inv *Invocation) <-chan *Invocation {
	ch := make(chan *Invocation, 1)
	if inv.Status.Terminal() {
		ch <- inv
		close(ch)
		return ch
	}
	e.mu.Lock()
	e.watchers[inv.ID] = append(e.watchers[inv.ID], ch)
	e.mu.Unlock()
	return ch
}

func (e *Executor) notifyWatchers(inv *Invocation) {
	e.mu.Lock()
	chans := e.watchers[inv.ID]
	delete(e.watchers, inv.ID)
	e.mu.Unlock()

	for _, ch := range chans {
		ch <- inv
		close(ch)
	}
}

func (e *Executor) dropHandle(invocationID string) {
	e.mu.Lock()
	delete(e.handles, invocationID)
	e.mu.Unlock()
}

func (e *Executor) draining() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// allocationFromManifest builds the tool's requested envelope. Only
// declared bounds count; undeclared fields inherit the caller's during
// sub-allocation.
func allocationFromManifest(m *tool.Manifest) sandbox.Allocation {
	a := sandbox.Allocation{}
	if m.Limits != nil {
		a.MaxCPU = m.Limits.MaxCPU
		a.MaxMemoryMB = m.Limits.MaxMemoryMB
		a.MaxProcesses = m.Limits.MaxProcesses
	}
	if t := m.Timeout(0); t > 0 {
		a.Timeout = t
	}
	return a
}

func cancelDetail(reason string) *ErrorDetail {
	msg := "cancelled"
	if reason != "" {
		msg = "cancelled: " + reason
	}
	return &ErrorDetail{Code: fault.CodeInvocationCancelled, Message: msg}
}

// credentialEnvName maps a credential name to the environment variable
// injected into the sandbox.
func credentialEnvName(name string) string {
	var b strings.Builder
	b.WriteString("TOOLPLANE_CRED_")
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
