package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arcfield/toolplane/internal/observability"
	"github.com/arcfield/toolplane/pkg/fault"
)

// approvalOutcome is what a parked invocation's goroutine receives once
// its approval wait ends.
type approvalOutcome struct {
	approved bool
	timedOut bool
	approver string
	message  string
}

// approvalGate parks invocations that need a human decision. The park
// is durable: tier and deadline live in the invocation store, so a
// restart re-enters the wait exactly where it left off, and no worker
// slot is held while parked. In-process delivery goes through a waiter
// channel per invocation; the store transition is always the source of
// truth and every decision path is guarded by a compare-and-swap.
type approvalGate struct {
	store  *Store
	tiers  []time.Duration
	hub    *eventHub
	logger zerolog.Logger

	mu      sync.Mutex
	waiters map[string]chan approvalOutcome
}

func newApprovalGate(store *Store, tiers []time.Duration, hub *eventHub, logger zerolog.Logger) *approvalGate {
	if len(tiers) == 0 {
		tiers = []time.Duration{5 * time.Minute}
	}
	return &approvalGate{
		store:   store,
		tiers:   tiers,
		hub:     hub,
		logger:  logger.With().Str("component", "approval").Logger(),
		waiters: make(map[string]chan approvalOutcome),
	}
}

// hold parks an invocation until a decision arrives or every escalation
// tier lapses. With fresh=true the invocation is moved into
// pending_approval at tier zero; with fresh=false (restart recovery)
// the stored tier and deadline are resumed. The call blocks; callers
// run it from the invocation's own goroutine, before any worker slot,
// sandbox, or credential is acquired.
func (g *approvalGate) hold(ctx context.Context, inv *Invocation, fresh bool) (approvalOutcome, error) {
	ch := g.register(inv.ID)
	defer g.unregister(inv.ID)

	tier := inv.ApprovalTier
	deadline := inv.ApprovalDeadline
	if fresh {
		tier = 0
		deadline = time.Now().Add(g.tiers[0])
		if err := g.store.markPendingApproval(ctx, inv.ID, tier, deadline); err != nil {
			return approvalOutcome{}, err
		}
		observability.RecordApprovalAudit(ctx, inv.TenantID, "", inv.ID, "requested", map[string]interface{}{
			"tool_id":  inv.ToolID,
			"tier":     tier,
			"deadline": deadline,
		})
		g.logger.Info().
			Str("invocation_id", inv.ID).
			Str("tool_id", inv.ToolID).
			Time("deadline", deadline).
			Msg("Approval requested")
	}
	g.emitParked(inv, tier, deadline)

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		select {
		case out := <-ch:
			return out, nil

		case <-timer.C:
			tier++
			if tier >= len(g.tiers) {
				g.logger.Warn().
					Str("invocation_id", inv.ID).
					Int("tiers", len(g.tiers)).
					Msg("Approval window expired")
				return approvalOutcome{timedOut: true}, nil
			}
			deadline = time.Now().Add(g.tiers[tier])
			if err := g.store.escalateApproval(ctx, inv.ID, tier, deadline); err != nil {
				if fault.IsCode(err, fault.CodeInvocationNotFound) {
					// A decision raced the escalation; its outcome is
					// already on the channel or about to land there.
					select {
					case out := <-ch:
						return out, nil
					case <-ctx.Done():
						return approvalOutcome{}, ctx.Err()
					}
				}
				return approvalOutcome{}, err
			}
			observability.RecordApprovalAudit(ctx, inv.TenantID, "", inv.ID, "escalated", map[string]interface{}{
				"tier":     tier,
				"deadline": deadline,
			})
			g.logger.Info().
				Str("invocation_id", inv.ID).
				Int("tier", tier).
				Time("deadline", deadline).
				Msg("Approval escalated")
			g.emitParked(inv, tier, deadline)
			timer.Reset(time.Until(deadline))

		case <-ctx.Done():
			// Shutdown: the record stays parked in the store and the
			// wait resumes on the next start.
			return approvalOutcome{}, ctx.Err()
		}
	}
}

// decide applies an operator's decision. Approval releases the
// invocation back into the pending queue; denial finalizes it as
// cancelled. Both transitions are durable before any waiter is
// notified, so a decision survives a crash between the two steps.
func (g *approvalGate) decide(ctx context.Context, invocationID string, approved bool, approver, reason string) error {
	inv, err := g.store.get(ctx, invocationID)
	if err != nil {
		return err
	}
	if inv == nil {
		return fault.Newf(fault.CodeInvocationNotFound, "invocation %s not found", invocationID)
	}
	if inv.Status != StatusPendingApproval {
		return fault.Newf(fault.CodeInvocationNotFound,
			"invocation %s is not awaiting approval (status %s)", invocationID, inv.Status)
	}

	if approved {
		if err := g.store.markApproved(ctx, invocationID, approver); err != nil {
			return err
		}
		observability.RecordApprovalAudit(ctx, inv.TenantID, approver, invocationID, "approved", map[string]interface{}{
			"tool_id": inv.ToolID,
			"reason":  reason,
		})
		g.logger.Info().
			Str("invocation_id", invocationID).
			Str("approver", approver).
			Msg("Approval granted")
		g.hub.emit(Event{
			Type:         EventApproved,
			InvocationID: invocationID,
			ToolID:       inv.ToolID,
			TenantID:     inv.TenantID,
			Status:       StatusPending,
			Detail:       map[string]interface{}{"approver": approver},
		})
		g.deliver(invocationID, approvalOutcome{approved: true, approver: approver})
		return nil
	}

	message := fmt.Sprintf("approval denied by %s", approver)
	if reason != "" {
		message = fmt.Sprintf("approval denied by %s: %s", approver, reason)
	}
	detail := &ErrorDetail{Code: fault.CodeInvocationCancelled, Message: message}
	did, err := g.store.markTerminal(ctx, invocationID, StatusCancelled, nil, detail, time.Now().UTC())
	if err != nil {
		return err
	}
	if !did {
		return fault.Newf(fault.CodeInvocationNotFound,
			"invocation %s is not awaiting approval (status %s)", invocationID, inv.Status)
	}
	observability.RecordApprovalAudit(ctx, inv.TenantID, approver, invocationID, "denied", map[string]interface{}{
		"tool_id": inv.ToolID,
		"reason":  reason,
	})
	g.logger.Warn().
		Str("invocation_id", invocationID).
		Str("approver", approver).
		Str("reason", reason).
		Msg("Approval denied")
	g.deliver(invocationID, approvalOutcome{approver: approver, message: message})
	return nil
}

// cancelParked cancels an invocation that is still awaiting approval,
// on behalf of the caller rather than an approver.
func (g *approvalGate) cancelParked(ctx context.Context, inv *Invocation, reason string) error {
	message := "cancelled while awaiting approval"
	if reason != "" {
		message = fmt.Sprintf("cancelled while awaiting approval: %s", reason)
	}
	detail := &ErrorDetail{Code: fault.CodeInvocationCancelled, Message: message}
	did, err := g.store.markTerminal(ctx, inv.ID, StatusCancelled, nil, detail, time.Now().UTC())
	if err != nil {
		return err
	}
	if !did {
		return fault.Newf(fault.CodeInvocationNotFound,
			"invocation %s is not awaiting approval", inv.ID)
	}
	observability.RecordApprovalAudit(ctx, inv.TenantID, "", inv.ID, "cancelled", map[string]interface{}{
		"reason": reason,
	})
	g.deliver(inv.ID, approvalOutcome{message: message})
	return nil
}

func (g *approvalGate) register(invocationID string) chan approvalOutcome {
	ch := make(chan approvalOutcome, 1)
	g.mu.Lock()
	g.waiters[invocationID] = ch
	observability.SetApprovalsPending(len(g.waiters))
	g.mu.Unlock()
	return ch
}

func (g *approvalGate) unregister(invocationID string) {
	g.mu.Lock()
	delete(g.waiters, invocationID)
	observability.SetApprovalsPending(len(g.waiters))
	g.mu.Unlock()
}

func (g *approvalGate) deliver(invocationID string, out approvalOutcome) {
	g.mu.Lock()
	ch, ok := g.waiters[invocationID]
	g.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- out:
	default:
	}
}

func (g *approvalGate) emitParked(inv *Invocation, tier int, deadline time.Time) {
	g.hub.emit(Event{
		Type:         EventPendingApproval,
		InvocationID: inv.ID,
		ToolID:       inv.ToolID,
		TenantID:     inv.TenantID,
		Status:       StatusPendingApproval,
		Detail: map[string]interface{}{
			"tier":     tier,
			"deadline": deadline,
		},
	})
}
