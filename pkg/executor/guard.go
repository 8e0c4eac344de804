package executor

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/arcfield/toolplane/internal/observability"
	"github.com/arcfield/toolplane/pkg/breaker"
	"github.com/arcfield/toolplane/pkg/fault"
	"github.com/arcfield/toolplane/pkg/ratelimit"
)

// Guard is the admission wrapper around every external call a tool
// makes: rate limiter first, then circuit breaker, so throttled
// requests never count against breaker health. Denials surface as
// retryable errors to the tool, never as a hard abort.
type Guard struct {
	limiter  *ratelimit.Limiter
	breakers *breaker.Arena
	logger   zerolog.Logger
}

// NewGuard wires the shared limiter and breaker arena.
func NewGuard(limiter *ratelimit.Limiter, breakers *breaker.Arena, logger zerolog.Logger) *Guard {
	return &Guard{
		limiter:  limiter,
		breakers: breakers,
		logger:   logger.With().Str("component", "guard").Logger(),
	}
}

// Call admits and supervises one external call for a tool. The outcome
// is recorded against the service's shared breaker.
func (g *Guard) Call(ctx context.Context, service, toolID, tenantID string, fn func(context.Context) error) error {
	if service == "" {
		// Pure-local tools declare no service and bypass admission.
		return fn(ctx)
	}
	if g.limiter == nil || g.breakers == nil {
		// Admission control must not silently disappear when a
		// collaborator is absent: deny rather than bypass.
		observability.RecordAdmissionDenial("circuit_open", service)
		return fault.New(fault.CodeCircuitOpen, "admission control unavailable")
	}

	dec, err := g.limiter.Allow(ctx, service, toolID, tenantID, nil)
	if err != nil {
		// A broken limiter store denies: admission control must not
		// silently disappear when its backend does.
		observability.RecordAdmissionDenial("rate_limited", service)
		return fault.Wrap(fault.CodeRateLimited, "rate limiter unavailable", err)
	}
	if !dec.Allowed {
		observability.RecordAdmissionDenial("rate_limited", service)
		g.logger.Debug().
			Str("service", service).
			Str("tool_id", toolID).
			Dur("retry_after", dec.RetryAfter).
			Msg("External call rate limited")
		return fault.Newf(fault.CodeRateLimited,
			"rate limited for service %s, retry in %s", service, dec.RetryAfter)
	}

	br := g.breakers.For(service)
	if !br.Allow() {
		observability.RecordAdmissionDenial("circuit_open", service)
		g.logger.Debug().
			Str("service", service).
			Str("tool_id", toolID).
			Msg("External call rejected by open circuit")
		return fault.Newf(fault.CodeCircuitOpen, "circuit open for service %s", service)
	}

	if err := fn(ctx); err != nil {
		br.RecordFailure()
		return err
	}
	br.RecordSuccess()
	return nil
}
