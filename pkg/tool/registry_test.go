package tool

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcfield/toolplane/pkg/fault"
)

func createTestRegistry(t *testing.T, ttl time.Duration) (*Registry, *Store) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "registry.db")
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)

	s, err := NewStore(dbPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return NewRegistry(s, ttl, logger), s
}

func TestRegistryGetCaches(t *testing.T) {
	r, s := createTestRegistry(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, r.Publish(ctx, testManifest("echo", "1.0.0")))

	got, err := r.Get(ctx, "echo", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "echo", got.ID)

	// Subsequent reads hit the cache even when the store moves on.
	require.NoError(t, s.SetLifecycle(ctx, "echo", "1.0.0", LifecycleSunset))
	got, err = r.Get(ctx, "echo", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, LifecycleActive, got.Lifecycle)

	// Invalidation makes the change visible.
	r.Invalidate("echo")
	got, err = r.Get(ctx, "echo", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, LifecycleSunset, got.Lifecycle)
}

func TestRegistryStaleServedWhileRevalidating(t *testing.T) {
	r, s := createTestRegistry(t, 10*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, r.Publish(ctx, testManifest("echo", "1.0.0")))
	require.NoError(t, s.SetLifecycle(ctx, "echo", "1.0.0", LifecycleDeprecated))

	time.Sleep(20 * time.Millisecond)

	// Stale read returns the cached value immediately and kicks off a
	// background refresh.
	got, err := r.Get(ctx, "echo", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, LifecycleActive, got.Lifecycle)

	assert.Eventually(t, func() bool {
		m, err := r.Get(ctx, "echo", "1.0.0")
		return err == nil && m.Lifecycle == LifecycleDeprecated
	}, time.Second, 10*time.Millisecond)
}

func TestRegistryNegativeCache(t *testing.T) {
	r, _ := createTestRegistry(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, r.Publish(ctx, testManifest("echo", "1.0.0")))

	_, err := r.Get(ctx, "echo", "2.0.0")
	assert.True(t, fault.IsCode(err, fault.CodeVersionNotFound))

	// Second lookup answers from the negative entry.
	_, err = r.Get(ctx, "echo", "2.0.0")
	assert.True(t, fault.IsCode(err, fault.CodeVersionNotFound))
}

func TestRegistryResolve(t *testing.T) {
	r, _ := createTestRegistry(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, r.Publish(ctx, testManifest("echo", "1.0.0")))
	require.NoError(t, r.Publish(ctx, testManifest("echo", "1.4.0")))

	m, err := r.Resolve(ctx, "echo", "^1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "1.4.0", m.Version)

	// Empty range means any version.
	m, err = r.Resolve(ctx, "echo", "")
	require.NoError(t, err)
	assert.Equal(t, "1.4.0", m.Version)
}

func TestRegistryListFailsSoft(t *testing.T) {
	r, s := createTestRegistry(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, r.Publish(ctx, testManifest("echo", "1.0.0")))
	assert.Len(t, r.List(ctx), 1)

	// A dead store yields an empty list, not an error.
	require.NoError(t, s.Close())
	assert.Empty(t, r.List(ctx))
}

func TestManifestTimeout(t *testing.T) {
	m := testManifest("echo", "1.0.0")
	assert.Equal(t, 45*time.Second, m.Timeout(45*time.Second))

	m.TimeoutSeconds = 10
	assert.Equal(t, 10*time.Second, m.Timeout(45*time.Second))

	m.Limits = &ResourceLimits{TimeoutSeconds: 5}
	assert.Equal(t, 5*time.Second, m.Timeout(45*time.Second))
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := &RetryPolicy{MaxAttempts: 3, InitialBackoffMS: 50, Multiplier: 2}
	b := p.Backoff()
	require.NotNil(t, b)

	first := b.NextBackOff()
	assert.Greater(t, first, time.Duration(0))
}
