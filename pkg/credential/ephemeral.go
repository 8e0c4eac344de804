package credential

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/arcfield/toolplane/internal/observability"
	"github.com/arcfield/toolplane/internal/tracing"
	"github.com/arcfield/toolplane/pkg/fault"
)

// Ephemeral is a short-lived handle on a decrypted secret. The value is
// readable until the TTL elapses or the owning invocation is scrubbed;
// after that every read fails. Callers hold the handle, not the string,
// so teardown can revoke secrets that were already handed out.
type Ephemeral struct {
	toolID    string
	name      string
	expiresAt time.Time

	mu       sync.Mutex
	value    string
	scrubbed bool
}

// Name returns the credential name the handle was issued for.
func (e *Ephemeral) Name() string { return e.name }

// ExpiresAt returns the instant after which Value fails.
func (e *Ephemeral) ExpiresAt() time.Time { return e.expiresAt }

// Value returns the secret, or a fault once the handle expired or was
// scrubbed.
func (e *Ephemeral) Value() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.scrubbed {
		return "", fault.Newf(fault.CodeInvalidCredential, "credential %s was revoked", e.name)
	}
	if time.Now().After(e.expiresAt) {
		e.value = ""
		return "", fault.Newf(fault.CodeInvalidCredential, "credential %s expired", e.name)
	}
	return e.value, nil
}

// scrub drops the secret material. Idempotent.
func (e *Ephemeral) scrub() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = ""
	e.scrubbed = true
}

// GetEphemeral decrypts a stored secret and issues a handle that expires
// after ttl. The handle is tracked under invocationID so ScrubInvocation
// can revoke it during teardown even if it has not expired yet.
func (s *Store) GetEphemeral(ctx context.Context, invocationID, toolID, name string, ttl time.Duration) (*Ephemeral, error) {
	ctx, span := tracing.StartSpan(ctx, "toolplane.credential", "credential.get_ephemeral",
		attribute.String("tool.id", toolID),
		attribute.String("credential.name", name),
		attribute.String("invocation.id", invocationID),
	)
	defer span.End()

	if invocationID == "" {
		return nil, errors.New("invocation ID is required for ephemeral issuance")
	}
	if ttl <= 0 {
		return nil, errors.New("ephemeral TTL must be positive")
	}

	value, found, err := s.lookup(ctx, toolID, name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "credential lookup failed")
		return nil, err
	}
	if !found {
		err := fault.Newf(fault.CodeInvalidCredential, "credential %s not provisioned for tool %s", name, toolID)
		span.SetStatus(codes.Error, "credential not provisioned")
		return nil, err
	}

	eph := &Ephemeral{
		toolID:    toolID,
		name:      name,
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}

	s.mu.Lock()
	s.issued[invocationID] = append(s.issued[invocationID], eph)
	s.mu.Unlock()

	observability.RecordSecurityAudit(ctx, "credential_issued", toolID, "success", map[string]interface{}{
		"credential_name": name,
		"invocation_id":   invocationID,
		"ttl_seconds":     int(ttl.Seconds()),
	})

	s.logger.Debug().
		Str("tool_id", toolID).
		Str("name", name).
		Str("invocation_id", invocationID).
		Dur("ttl", ttl).
		Msg("Ephemeral credential issued")

	return eph, nil
}

// ScrubInvocation revokes every handle issued for the invocation and
// returns how many were scrubbed. Safe to call more than once.
func (s *Store) ScrubInvocation(invocationID string) int {
	s.mu.Lock()
	handles := s.issued[invocationID]
	delete(s.issued, invocationID)
	s.mu.Unlock()

	for _, h := range handles {
		h.scrub()
	}

	if len(handles) > 0 {
		s.logger.Debug().
			Str("invocation_id", invocationID).
			Int("count", len(handles)).
			Msg("Ephemeral credentials scrubbed")
	}
	return len(handles)
}
