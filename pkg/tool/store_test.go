package tool

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcfield/toolplane/pkg/fault"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "registry.db")
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)

	s, err := NewStore(dbPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func testManifest(id, version string) *Manifest {
	return &Manifest{
		ID:          id,
		Version:     version,
		Kind:        KindNative,
		Description: "test tool",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"}}}`),
		Native:      &NativeSpec{Handler: id},
		Lifecycle:   LifecycleActive,
	}
}

func TestStorePublishAndGet(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	m := testManifest("echo", "1.0.0")
	require.NoError(t, s.Publish(ctx, m))

	got, err := s.GetVersion(ctx, "echo", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "echo", got.ID)
	assert.Equal(t, "1.0.0", got.Version)
	assert.Equal(t, KindNative, got.Kind)
	assert.Equal(t, LifecycleActive, got.Lifecycle)
	assert.False(t, got.PublishedAt.IsZero())
}

func TestStorePublishImmutable(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, testManifest("echo", "1.0.0")))

	dup := testManifest("echo", "1.0.0")
	dup.Description = "mutated"
	err := s.Publish(ctx, dup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "immutable")

	// Original row untouched
	got, err := s.GetVersion(ctx, "echo", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "test tool", got.Description)
}

func TestStorePublishInvalidManifest(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		manifest *Manifest
	}{
		{
			name:     "missing id",
			manifest: &Manifest{Version: "1.0.0", Kind: KindNative, Native: &NativeSpec{Handler: "x"}, Lifecycle: LifecycleActive},
		},
		{
			name:     "bad version",
			manifest: &Manifest{ID: "x", Version: "not-semver", Kind: KindNative, Native: &NativeSpec{Handler: "x"}, Lifecycle: LifecycleActive},
		},
		{
			name:     "kind without variant",
			manifest: &Manifest{ID: "x", Version: "1.0.0", Kind: KindMCP, Lifecycle: LifecycleActive},
		},
		{
			name:     "unknown lifecycle",
			manifest: &Manifest{ID: "x", Version: "1.0.0", Kind: KindNative, Native: &NativeSpec{Handler: "x"}, Lifecycle: "weird"},
		},
		{
			name: "broken input schema",
			manifest: &Manifest{
				ID: "x", Version: "1.0.0", Kind: KindNative,
				Native:      &NativeSpec{Handler: "x"},
				Lifecycle:   LifecycleActive,
				InputSchema: json.RawMessage(`{"type": [broken`),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, s.Publish(ctx, tt.manifest))
		})
	}
}

func TestStoreGetVersionNotFound(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, testManifest("echo", "1.0.0")))

	_, err := s.GetVersion(ctx, "echo", "9.9.9")
	assert.True(t, fault.IsCode(err, fault.CodeVersionNotFound))

	_, err = s.GetVersion(ctx, "missing", "1.0.0")
	assert.True(t, fault.IsCode(err, fault.CodeToolNotFound))
}

func TestStoreResolveRange(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, v := range []string{"1.0.0", "1.2.0", "1.3.0", "2.0.0"} {
		require.NoError(t, s.Publish(ctx, testManifest("echo", v)))
	}
	// Sunset versions do not resolve
	require.NoError(t, s.SetLifecycle(ctx, "echo", "1.3.0", LifecycleSunset))

	tests := []struct {
		name      string
		rangeStr  string
		want      string
		wantError fault.Code
	}{
		{name: "caret picks highest 1.x", rangeStr: "^1.0.0", want: "1.2.0"},
		{name: "exact", rangeStr: "1.0.0", want: "1.0.0"},
		{name: "wildcard picks highest", rangeStr: "*", want: "2.0.0"},
		{name: "no match", rangeStr: ">=3.0.0", wantError: fault.CodeVersionNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ResolveRange(ctx, "echo", tt.rangeStr)
			if tt.wantError != "" {
				assert.True(t, fault.IsCode(err, tt.wantError))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := s.ResolveRange(ctx, "missing", "*")
	assert.True(t, fault.IsCode(err, fault.CodeToolNotFound))
}

func TestStoreSetLifecycle(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, testManifest("echo", "1.0.0")))
	require.NoError(t, s.SetLifecycle(ctx, "echo", "1.0.0", LifecycleRemoved))

	got, err := s.GetVersion(ctx, "echo", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, LifecycleRemoved, got.Lifecycle)
	assert.False(t, got.Invocable())

	err = s.SetLifecycle(ctx, "echo", "2.0.0", LifecycleSunset)
	assert.True(t, fault.IsCode(err, fault.CodeVersionNotFound))

	assert.Error(t, s.SetLifecycle(ctx, "echo", "1.0.0", "bogus"))
}

func TestStoreList(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, testManifest("echo", "1.0.0")))
	require.NoError(t, s.Publish(ctx, testManifest("echo", "1.1.0")))
	require.NoError(t, s.Publish(ctx, testManifest("fetch", "2.0.0")))
	require.NoError(t, s.Publish(ctx, testManifest("gone", "1.0.0")))
	require.NoError(t, s.SetLifecycle(ctx, "gone", "1.0.0", LifecycleRemoved))

	manifests, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, manifests, 2)
	assert.Equal(t, "echo", manifests[0].ID)
	assert.Equal(t, "1.1.0", manifests[0].Version)
	assert.Equal(t, "fetch", manifests[1].ID)
}
