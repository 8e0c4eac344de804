package permission

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicy(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestPolicyFileOracle_RuleMatching(t *testing.T) {
	path := writePolicy(t, t.TempDir(), `{
		"default": "deny",
		"rules": [
			{"subject": "agent-*", "tool": "web_search", "versions": "1.x", "effect": "allow", "ttl_seconds": 60, "reason": "research agents"},
			{"subject": "*", "tenant": "blocked-corp", "tool": "*", "effect": "deny", "reason": "tenant blocked"},
			{"subject": "*", "tool": "calc", "effect": "allow"}
		]
	}`)

	oracle, err := NewPolicyFileOracle(path)
	require.NoError(t, err)

	tests := []struct {
		name    string
		req     AuthRequest
		allowed bool
		reason  string
	}{
		{
			"subject glob and version range",
			AuthRequest{Subject: "agent-7", ToolID: "web_search", ToolVersion: "1.4.0"},
			true, "research agents",
		},
		{
			"version outside range falls through to default",
			AuthRequest{Subject: "agent-7", ToolID: "web_search", ToolVersion: "2.0.0"},
			false, "no policy rule matches",
		},
		{
			"deny rule",
			AuthRequest{Subject: "agent-9", TenantID: "blocked-corp", ToolID: "calc", ToolVersion: "1.0.0"},
			false, "tenant blocked",
		},
		{
			"rule without versions matches any version",
			AuthRequest{Subject: "ops-1", ToolID: "calc", ToolVersion: "9.9.9"},
			true, "policy rule 2",
		},
		{
			"no match hits default deny",
			AuthRequest{Subject: "agent-7", ToolID: "file_write", ToolVersion: "1.0.0"},
			false, "no policy rule matches",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := oracle.Authorize(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestPolicyFileOracle_RuleTTL(t *testing.T) {
	path := writePolicy(t, t.TempDir(), `{
		"rules": [{"subject": "*", "tool": "t", "effect": "allow", "ttl_seconds": 120}]
	}`)

	oracle, err := NewPolicyFileOracle(path)
	require.NoError(t, err)

	d, err := oracle.Authorize(context.Background(), AuthRequest{Subject: "s", ToolID: "t", ToolVersion: "1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d.TTL)
}

func TestPolicyFileOracle_DefaultAllow(t *testing.T) {
	path := writePolicy(t, t.TempDir(), `{"default": "allow", "rules": []}`)

	oracle, err := NewPolicyFileOracle(path)
	require.NoError(t, err)

	d, err := oracle.Authorize(context.Background(), AuthRequest{Subject: "s", ToolID: "t", ToolVersion: "1.0.0"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestPolicyFileOracle_MissingFileDeniesAll(t *testing.T) {
	oracle, err := NewPolicyFileOracle(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)

	d, err := oracle.Authorize(context.Background(), AuthRequest{Subject: "s", ToolID: "t", ToolVersion: "1.0.0"})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestPolicyFileOracle_MalformedFile(t *testing.T) {
	path := writePolicy(t, t.TempDir(), `{broken`)

	_, err := NewPolicyFileOracle(path)
	assert.Error(t, err)
}

func TestPolicyFileOracle_CancelledContext(t *testing.T) {
	path := writePolicy(t, t.TempDir(), `{"default": "allow"}`)
	oracle, err := NewPolicyFileOracle(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = oracle.Authorize(ctx, AuthRequest{Subject: "s", ToolID: "t", ToolVersion: "1.0.0"})
	assert.Error(t, err)
}

func TestPolicyFileOracle_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, `{"default": "deny", "rules": []}`)

	oracle, err := NewPolicyFileOracle(path)
	require.NoError(t, err)

	changed := make(chan struct{}, 4)
	oracle.SetOnChange(func() { changed <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, oracle.Watch(ctx))

	// Rewrite the policy; the watcher should pick it up and flip the
	// default.
	writePolicy(t, dir, `{"default": "allow", "rules": []}`)

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not observe the policy rewrite")
	}

	d, err := oracle.Authorize(context.Background(), AuthRequest{Subject: "s", ToolID: "t", ToolVersion: "1.0.0"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
