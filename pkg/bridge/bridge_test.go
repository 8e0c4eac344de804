package bridge

import (
	"context"
	"database/sql"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcfield/toolplane/pkg/fault"
)

func createTestBridge(t *testing.T, url string, mutate func(*Options)) *Bridge {
	t.Helper()

	opts := Options{
		URL:            url,
		CallTimeout:    300 * time.Millisecond,
		ReconnectMax:   100 * time.Millisecond,
		SharedTTL:      time.Minute,
		LocalCacheSize: 16,
		Logger:         zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}

	b, err := New(opts)
	require.NoError(t, err)
	b.Start()
	t.Cleanup(b.Stop)
	return b
}

func waitConnected(t *testing.T, b *Bridge) {
	t.Helper()
	require.Eventually(t, b.Connected, 2*time.Second, 10*time.Millisecond)
}

// countingServer replies with the given payload and counts calls served.
func countingServer(t *testing.T, payload string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := startBridgeServer(t, func(req rpcRequest) *rpcResponse {
		calls.Add(1)
		return &rpcResponse{Result: []byte(payload)}
	})
	return srv, &calls
}

func createPeerStore(t *testing.T, rows map[string]string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "peer.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE bridge_data (key TEXT PRIMARY KEY, value TEXT NOT NULL)`)
	require.NoError(t, err)
	for k, v := range rows {
		_, err = db.Exec(`INSERT INTO bridge_data (key, value) VALUES (?, ?)`, k, v)
		require.NoError(t, err)
	}
	return path
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(Options{Logger: zerolog.Nop()})
	assert.Error(t, err)
}

func TestFetchCachesResult(t *testing.T) {
	srv, calls := countingServer(t, `{"title":"live"}`)
	b := createTestBridge(t, wsURL(srv), nil)
	waitConnected(t, b)
	ctx := context.Background()

	first, err := b.Fetch(ctx, "doc:1", "document.get", map[string]interface{}{"id": "doc:1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"live"}`, string(first))
	assert.Equal(t, int32(1), calls.Load())

	// Second read is served from the fresh shared entry.
	second, err := b.Fetch(ctx, "doc:1", "document.get", map[string]interface{}{"id": "doc:1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"live"}`, string(second))
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchServesStaleOnOutage(t *testing.T) {
	srv, _ := countingServer(t, `{"title":"live"}`)
	b := createTestBridge(t, wsURL(srv), func(o *Options) {
		o.SharedTTL = 30 * time.Millisecond
	})
	waitConnected(t, b)
	ctx := context.Background()

	_, err := b.Fetch(ctx, "doc:1", "document.get", nil)
	require.NoError(t, err)

	// Kill the peer and let the entry go stale.
	srv.Close()
	time.Sleep(60 * time.Millisecond)

	data, err := b.Fetch(ctx, "doc:1", "document.get", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"live"}`, string(data))
}

func TestFetchFallsBackToDirectStore(t *testing.T) {
	path := createPeerStore(t, map[string]string{"doc:1": `{"title":"direct"}`})
	b := createTestBridge(t, "ws://127.0.0.1:1/ws", func(o *Options) {
		o.DirectStorePath = path
	})

	data, err := b.Fetch(context.Background(), "doc:1", "document.get", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"direct"}`, string(data))
}

func TestFetchUnavailableWhenAllTiersFail(t *testing.T) {
	b := createTestBridge(t, "ws://127.0.0.1:1/ws", nil)

	_, err := b.Fetch(context.Background(), "doc:1", "document.get", nil)
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeBridgeUnavailable))
	assert.True(t, fault.IsRetryable(err))
}

func TestRemoteErrorsDoNotFallBack(t *testing.T) {
	srv := startBridgeServer(t, func(req rpcRequest) *rpcResponse {
		return &rpcResponse{Error: &RemoteError{Code: "document_not_found", Message: "gone"}}
	})
	// The direct store knows the key, but the peer's answer wins.
	path := createPeerStore(t, map[string]string{"doc:1": `{"title":"direct"}`})
	b := createTestBridge(t, wsURL(srv), func(o *Options) {
		o.DirectStorePath = path
	})
	waitConnected(t, b)

	_, err := b.Fetch(context.Background(), "doc:1", "document.get", nil)
	require.Error(t, err)

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "document_not_found", remote.Code)
}

func TestFetchImmutableSurvivesOutage(t *testing.T) {
	srv, calls := countingServer(t, `{"rev":"v1"}`)
	b := createTestBridge(t, wsURL(srv), nil)
	waitConnected(t, b)
	ctx := context.Background()

	first, err := b.FetchImmutable(ctx, "doc:1@v1", "document.get_version", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	srv.Close()

	second, err := b.FetchImmutable(ctx, "doc:1@v1", "document.get_version", nil)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
	assert.Equal(t, int32(1), calls.Load())
}

func TestInvalidatePurgesBothTiers(t *testing.T) {
	srv, calls := countingServer(t, `{"title":"live"}`)
	b := createTestBridge(t, wsURL(srv), nil)
	waitConnected(t, b)
	ctx := context.Background()

	_, err := b.FetchImmutable(ctx, "doc:1", "document.get", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	// Both tiers hold the key now; repeated reads stay local.
	_, err = b.Fetch(ctx, "doc:1", "document.get", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	b.Invalidate("doc:1")

	_, err = b.FetchImmutable(ctx, "doc:1", "document.get", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCallPassesThrough(t *testing.T) {
	srv, calls := countingServer(t, `{"ok":true}`)
	b := createTestBridge(t, wsURL(srv), nil)
	waitConnected(t, b)

	result, err := b.Call(context.Background(), "checkpoint.put", map[string]interface{}{"id": "cp-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))

	// Calls never touch the caches.
	_, err = b.Call(context.Background(), "checkpoint.put", map[string]interface{}{"id": "cp-1"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}
