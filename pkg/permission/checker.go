package permission

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/arcfield/toolplane/pkg/fault"
)

// Decision is the checker's verdict for one invocation attempt
type Decision struct {
	Allowed   bool       `json:"allowed"`
	Reason    string     `json:"reason"`
	Code      fault.Code `json:"code,omitempty"` // set when denied
	Subject   string     `json:"subject,omitempty"`
	TenantID  string     `json:"tenant_id,omitempty"`
	ExpiresAt time.Time  `json:"expires_at,omitempty"`
	Cached    bool       `json:"cached,omitempty"`
}

// Err converts a denial into the matching fault. Allowed decisions
// return nil.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	code := d.Code
	if code == "" {
		code = fault.CodePermissionDenied
	}
	return fault.New(code, d.Reason)
}

// Checker verifies capability credentials locally, then consults the
// authorization oracle for anything the credential cannot answer on
// its own. Oracle decisions are cached; every failure path denies.
type Checker struct {
	signingKey    []byte
	issuer        string
	oracle        Oracle
	oracleTimeout time.Duration
	maxTTL        time.Duration

	cache decisionCache
}

// NewChecker wires a checker. maxTTL caps how long oracle decisions may
// be served from cache regardless of the TTL the oracle asks for.
func NewChecker(signingKey []byte, issuer string, oracle Oracle, oracleTimeout, maxTTL time.Duration) *Checker {
	if oracleTimeout <= 0 {
		oracleTimeout = 500 * time.Millisecond
	}
	if maxTTL <= 0 {
		maxTTL = 5 * time.Minute
	}
	return &Checker{
		signingKey:    signingKey,
		issuer:        issuer,
		oracle:        oracle,
		oracleTimeout: oracleTimeout,
		maxTTL:        maxTTL,
	}
}

// Check runs the full permission pipeline: credential verification,
// grant matching, then the cached oracle consult.
func (c *Checker) Check(ctx context.Context, rawCredential, toolID, toolVersion string, reqContext map[string]interface{}) Decision {
	claims, err := VerifyCredential(rawCredential, c.signingKey, c.issuer)
	if err != nil {
		log.Warn().Err(err).Str("tool", toolID).Msg("Credential rejected")
		return Decision{
			Allowed: false,
			Reason:  "credential verification failed",
			Code:    fault.CodeInvalidCredential,
		}
	}

	if !claims.Permits(toolID, toolVersion) {
		return Decision{
			Allowed:  false,
			Reason:   "credential does not grant " + toolID + "@" + toolVersion,
			Code:     fault.CodeToolNotGranted,
			Subject:  claims.Subject,
			TenantID: claims.TenantID,
		}
	}

	key := cacheKey(claims.Subject, toolID, toolVersion, hashContext(reqContext))
	if cached, ok := c.cache.Get(key); ok {
		cached.Cached = true
		return cached
	}

	octx, cancel := context.WithTimeout(ctx, c.oracleTimeout)
	defer cancel()

	verdict, err := c.oracle.Authorize(octx, AuthRequest{
		Subject:     claims.Subject,
		TenantID:    claims.TenantID,
		ToolID:      toolID,
		ToolVersion: toolVersion,
		Context:     reqContext,
	})
	if err != nil {
		// Fail closed. The denial is not cached so recovery is
		// immediate once the oracle is back.
		log.Warn().Err(err).
			Str("subject", claims.Subject).
			Str("tool", toolID).
			Msg("Authorization oracle unreachable, denying")
		return Decision{
			Allowed:  false,
			Reason:   "authorization oracle unreachable",
			Code:     fault.CodePermissionDenied,
			Subject:  claims.Subject,
			TenantID: claims.TenantID,
		}
	}

	ttl := verdict.TTL
	if ttl <= 0 || ttl > c.maxTTL {
		ttl = c.maxTTL
	}

	decision := Decision{
		Allowed:   verdict.Allowed,
		Reason:    verdict.Reason,
		Subject:   claims.Subject,
		TenantID:  claims.TenantID,
		ExpiresAt: time.Now().Add(ttl),
	}
	if !verdict.Allowed {
		decision.Code = fault.CodePermissionDenied
	}

	c.cache.Set(key, decision, ttl)
	return decision
}

// InvalidateSubject purges cached decisions for one subject. Wired to
// policy.changed webhook events.
func (c *Checker) InvalidateSubject(subject string) int {
	purged := c.cache.InvalidateSubject(subject)
	if purged > 0 {
		log.Info().Str("subject", subject).Int("purged", purged).Msg("Permission cache invalidated")
	}
	return purged
}

// PurgeCache drops every cached decision. Wired to policy file reloads,
// where the blast radius of the change is unknown.
func (c *Checker) PurgeCache() int {
	return c.cache.Purge()
}
