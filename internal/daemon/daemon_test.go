package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcfield/toolplane/internal/config"
	"github.com/arcfield/toolplane/internal/logger"
	"github.com/arcfield/toolplane/pkg/executor"
	"github.com/arcfield/toolplane/pkg/permission"
	"github.com/arcfield/toolplane/pkg/tool"
)

// freePort grabs an ephemeral port so parallel test runs never collide.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func createTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = freePort(t)
	cfg.Gateway.SharedSecret = "test-shared-secret"
	cfg.Permission.SigningKey = "0123456789abcdef0123456789abcdef"
	return cfg
}

func createTestDaemon(t *testing.T) (*Daemon, *logger.Logger) {
	t.Helper()
	cfg := createTestConfig(t)

	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)

	daemon, err := New(cfg, log)
	require.NoError(t, err)

	return daemon, log
}

func TestNew(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()

	assert.NotNil(t, daemon)
	assert.NotNil(t, daemon.registry)
	assert.NotNil(t, daemon.checker)
	assert.NotNil(t, daemon.credentials)
	assert.NotNil(t, daemon.checkpoints)
	assert.NotNil(t, daemon.breakers)
	assert.NotNil(t, daemon.limiter)
	assert.NotNil(t, daemon.executor)
	assert.NotNil(t, daemon.gatewayServer)
	assert.NotNil(t, daemon.sweeper)
	assert.NotNil(t, daemon.lifecycle)

	// Optional modules stay off until configured.
	assert.Nil(t, daemon.bridge)
	assert.Nil(t, daemon.webhookServer)
	assert.Nil(t, daemon.redis)
}

func TestNewWithPolicyFile(t *testing.T) {
	cfg := createTestConfig(t)
	policyPath := filepath.Join(cfg.DataDir, "policy.json")
	policy := `{"default":"deny","rules":[{"subject":"agent-*","tool":"files.*","effect":"allow"}]}`
	require.NoError(t, os.WriteFile(policyPath, []byte(policy), 0644))
	cfg.Permission.PolicyFile = policyPath

	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)
	defer log.Close()

	daemon, err := New(cfg, log)
	require.NoError(t, err)
	assert.NotNil(t, daemon.policyFile)
}

func TestNewRejectsInvalidMasterKey(t *testing.T) {
	cfg := createTestConfig(t)
	cfg.Credentials.MasterKey = "not!!valid!!base64"

	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)
	defer log.Close()

	_, err = New(cfg, log)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "master_key")
}

func TestNewWithWebhookEnabled(t *testing.T) {
	cfg := createTestConfig(t)
	cfg.Webhook.Enabled = true
	cfg.Webhook.Port = freePort(t)
	cfg.Webhook.Secret = "hook-secret"

	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)
	defer log.Close()

	daemon, err := New(cfg, log)
	require.NoError(t, err)
	require.NotNil(t, daemon.webhookServer)

	// Policy and approval hooks are always registered; the bridge hook
	// needs a bridge.
	hooks := daemon.webhookServer.ListWebhooks()
	paths := make([]string, 0, len(hooks))
	for _, h := range hooks {
		paths = append(paths, h.Path)
	}
	assert.Contains(t, paths, "/hooks/policy.changed")
	assert.Contains(t, paths, "/hooks/approval.decision")
	assert.NotContains(t, paths, "/hooks/bridge.changed")
}

func TestDaemonStartStop(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()

	err := daemon.Start()
	require.NoError(t, err)

	status := daemon.Status()
	assert.True(t, status.Running)

	// The gateway should be serving.
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", daemon.config.Gateway.Port))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The PID file should exist while running.
	_, err = os.Stat(filepath.Join(daemon.config.DataDir, "toolplane.pid"))
	assert.NoError(t, err)

	err = daemon.Stop()
	require.NoError(t, err)

	status = daemon.Status()
	assert.False(t, status.Running)
}

func TestDaemonStartTwice(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()

	require.NoError(t, daemon.Start())
	defer daemon.Stop()

	err := daemon.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestDaemonStopWithoutStart(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()

	err := daemon.Stop()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestDaemonStatus(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()

	status := daemon.Status()
	assert.False(t, status.Running)
	assert.Equal(t, time.Duration(0), status.Uptime)

	require.NoError(t, daemon.Start())
	defer daemon.Stop()

	time.Sleep(50 * time.Millisecond)
	status = daemon.Status()
	assert.True(t, status.Running)
	assert.Greater(t, status.Uptime, time.Duration(0))
	assert.False(t, status.BridgeConnected)
}

func TestDaemonGetters(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()

	assert.NotNil(t, daemon.Executor())
	assert.NotNil(t, daemon.Registry())
	assert.NotNil(t, daemon.Checker())
	assert.NotNil(t, daemon.Credentials())
	assert.NotNil(t, daemon.Checkpoints())
	assert.NotNil(t, daemon.Breakers())
	assert.NotNil(t, daemon.Limiter())
	assert.Nil(t, daemon.Bridge())
}

// TestDaemonInvocationFlow drives one invocation through the fully wired
// daemon: publish a manifest, register its handler, mint a credential,
// submit, and watch it land.
func TestDaemonInvocationFlow(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()

	require.NoError(t, daemon.Start())
	defer daemon.Stop()

	err := daemon.Executor().Handlers().Register("echo", func(ctx context.Context, rt *executor.Runtime, params map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"echo": params["path"]}, nil
	})
	require.NoError(t, err)

	err = daemon.Registry().Publish(context.Background(), &tool.Manifest{
		ID:        "files.read",
		Version:   "1.0.0",
		Kind:      tool.KindNative,
		Lifecycle: tool.LifecycleActive,
		Native:    &tool.NativeSpec{Handler: "echo"},
	})
	require.NoError(t, err)

	cred, err := permission.MintCredential(
		[]byte(daemon.config.Permission.SigningKey),
		daemon.config.Permission.Issuer,
		permission.CredentialSpec{
			Subject:  "agent-7",
			TenantID: "tenant-a",
			Grants:   []permission.ToolGrant{{Tool: "files.read", Versions: "1.x"}},
			TTL:      time.Hour,
		},
	)
	require.NoError(t, err)

	inv, done, err := daemon.Executor().Submit(context.Background(), executor.Request{
		ToolID:     "files.read",
		Credential: cred,
		Params:     map[string]interface{}{"path": "/data/report.csv"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, inv.ID)

	select {
	case final := <-done:
		assert.Equal(t, executor.StatusSuccess, final.Status)
		assert.JSONEq(t, `{"echo":"/data/report.csv"}`, string(final.Result))
	case <-time.After(10 * time.Second):
		t.Fatal("invocation never completed")
	}
}
