// Package permission decides whether a credential may invoke a tool.
// Verification is local (JWT signature, expiry, embedded grants);
// contextual authorization defers to an oracle behind a short timeout.
// Every failure mode denies.
package permission

import (
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ToolGrant names one tool the credential holder may invoke, with a
// semver constraint on acceptable versions ("1.x", ">=2.1.0 <3.0.0")
type ToolGrant struct {
	Tool     string `json:"tool"`
	Versions string `json:"versions"`
}

// Claims is the capability credential presented with each invocation.
// Subject identifies the agent; grants bound what it may even ask for.
type Claims struct {
	jwt.RegisteredClaims

	TenantID string      `json:"tenant_id"`
	Grants   []ToolGrant `json:"grants"`
}

// Permits reports whether the grant list covers toolID at toolVersion
func (c *Claims) Permits(toolID, toolVersion string) bool {
	version, err := semver.NewVersion(toolVersion)
	if err != nil {
		return false
	}

	for _, g := range c.Grants {
		if g.Tool != toolID {
			continue
		}
		constraint, err := semver.NewConstraint(g.Versions)
		if err != nil {
			// An unparseable grant grants nothing.
			continue
		}
		if constraint.Check(version) {
			return true
		}
	}
	return false
}

// VerifyCredential parses and verifies a signed credential. Signature,
// algorithm, expiry, and issuer are all checked; any failure is
// terminal for the invocation.
func VerifyCredential(raw string, signingKey []byte, issuer string) (*Claims, error) {
	claims := &Claims{}

	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return signingKey, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify credential: %w", err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("verify credential: missing subject")
	}
	return claims, nil
}

// CredentialSpec describes a credential to mint
type CredentialSpec struct {
	Subject  string
	TenantID string
	Grants   []ToolGrant
	TTL      time.Duration
}

// MintCredential issues a signed capability credential. Used by the
// configure command to bootstrap agent identities and by tests.
func MintCredential(signingKey []byte, issuer string, spec CredentialSpec) (string, error) {
	if spec.Subject == "" {
		return "", fmt.Errorf("mint credential: subject is required")
	}
	if spec.TTL <= 0 {
		spec.TTL = time.Hour
	}

	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   spec.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(spec.TTL)),
		},
		TenantID: spec.TenantID,
		Grants:   spec.Grants,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(signingKey)
	if err != nil {
		return "", fmt.Errorf("sign credential: %w", err)
	}
	return signed, nil
}
