package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/arcfield/toolplane/internal/observability"
	"github.com/arcfield/toolplane/internal/tracing"
	"github.com/arcfield/toolplane/pkg/fault"
)

// Options configures a Bridge.
type Options struct {
	URL          string
	CallTimeout  time.Duration
	ReconnectMax time.Duration

	// SharedTTL is the freshness window for shared-tier entries.
	SharedTTL time.Duration
	// SharedCache overrides the default in-memory tier, e.g. with the
	// Redis implementation for multi-instance deployments.
	SharedCache SharedCache

	// LocalCacheSize bounds the immutable LRU tier.
	LocalCacheSize int

	// DirectStorePath points at the peer's SQLite file for degraded
	// reads. Empty disables the direct tier.
	DirectStorePath string

	Logger zerolog.Logger
}

// Bridge combines the live client, the cache tiers, and the direct store
// into the read path the rest of the daemon uses.
type Bridge struct {
	client    *Client
	shared    SharedCache
	immutable *lru.Cache
	direct    *directStore
	logger    zerolog.Logger
}

// New builds a Bridge. The connection is not dialed until Start.
func New(opts Options) (*Bridge, error) {
	if opts.URL == "" {
		return nil, errors.New("bridge URL is required")
	}
	if opts.SharedTTL <= 0 {
		opts.SharedTTL = 5 * time.Minute
	}
	if opts.LocalCacheSize <= 0 {
		opts.LocalCacheSize = 1024
	}

	shared := opts.SharedCache
	if shared == nil {
		shared = newMemorySharedCache(opts.SharedTTL)
	}

	immutable, err := lru.New(opts.LocalCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create local cache: %w", err)
	}

	var direct *directStore
	if opts.DirectStorePath != "" {
		direct, err = openDirectStore(opts.DirectStorePath)
		if err != nil {
			// The direct tier is optional; losing it just shortens the
			// fallback chain.
			opts.Logger.Warn().Err(err).Str("path", opts.DirectStorePath).
				Msg("Direct store unavailable, fallback tier disabled")
			direct = nil
		}
	}

	return &Bridge{
		client:    NewClient(opts.URL, opts.CallTimeout, opts.ReconnectMax, opts.Logger),
		shared:    shared,
		immutable: immutable,
		direct:    direct,
		logger:    opts.Logger,
	}, nil
}

// Start begins maintaining the connection.
func (b *Bridge) Start() {
	b.client.Start()
}

// Stop closes the connection and the direct store.
func (b *Bridge) Stop() {
	b.client.Stop()
	if b.direct != nil {
		b.direct.Close()
	}
}

// Connected reports whether the live channel is up.
func (b *Bridge) Connected() bool {
	return b.client.Connected()
}

// Call forwards one request to the live peer with no cache involvement.
// Write-type calls go through here.
func (b *Bridge) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	ctx, span := tracing.StartSpan(ctx, "toolplane.bridge", "bridge.call",
		attribute.String("bridge.method", method),
	)
	defer span.End()

	start := time.Now()
	result, err := b.client.Call(ctx, method, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bridge call failed")
		observability.RecordBridgeCall(method, "error", time.Since(start))
		return nil, err
	}

	observability.RecordBridgeCall(method, "live", time.Since(start))
	return result, nil
}

// fetchTier is one strategy in the ordered read fallback. An error moves
// the read on to the next tier; the first success wins.
type fetchTier struct {
	name string
	run  func(ctx context.Context) (json.RawMessage, error)
}

// Fetch reads key through the fallback chain: live call, stale shared
// entry, direct store read. A fresh shared-cache hit short-circuits
// before the chain runs. All tiers exhausted returns a retryable
// bridge_unavailable fault.
func (b *Bridge) Fetch(ctx context.Context, key, method string, params interface{}) (json.RawMessage, error) {
	ctx, span := tracing.StartSpan(ctx, "toolplane.bridge", "bridge.fetch",
		attribute.String("bridge.key", key),
		attribute.String("bridge.method", method),
	)
	defer span.End()

	start := time.Now()

	if data, fresh, found := b.shared.Get(ctx, key); found && fresh {
		observability.RecordCacheEvent("bridge_shared", "hit")
		observability.RecordBridgeCall(method, "cache", time.Since(start))
		return data, nil
	}
	observability.RecordCacheEvent("bridge_shared", "miss")

	tiers := []fetchTier{
		{name: "live", run: func(ctx context.Context) (json.RawMessage, error) {
			result, err := b.client.Call(ctx, method, params)
			if err != nil {
				return nil, err
			}
			b.shared.Set(ctx, key, result)
			return result, nil
		}},
		{name: "stale", run: func(ctx context.Context) (json.RawMessage, error) {
			data, _, found := b.shared.Get(ctx, key)
			if !found {
				return nil, fmt.Errorf("no cached entry for %s", key)
			}
			return data, nil
		}},
		{name: "direct", run: func(ctx context.Context) (json.RawMessage, error) {
			if b.direct == nil {
				return nil, errors.New("direct store not configured")
			}
			return b.direct.read(ctx, key)
		}},
	}

	var lastErr error
	for _, tier := range tiers {
		data, err := tier.run(ctx)
		if err == nil {
			if tier.name != "live" {
				b.logger.Warn().Str("key", key).Str("tier", tier.name).
					Msg("Bridge read served from fallback tier")
			}
			observability.RecordBridgeCall(method, tier.name, time.Since(start))
			span.SetAttributes(attribute.String("bridge.tier", tier.name))
			return data, nil
		}

		// A structured error from the peer is an answer, not an outage:
		// surface it instead of masking it with stale data.
		var remote *RemoteError
		if errors.As(err, &remote) {
			span.RecordError(err)
			observability.RecordBridgeCall(method, "remote_error", time.Since(start))
			return nil, err
		}
		lastErr = err
	}

	observability.RecordBridgeCall(method, "unavailable", time.Since(start))
	err := fault.Wrap(fault.CodeBridgeUnavailable, "all bridge read tiers exhausted", lastErr)
	span.RecordError(err)
	span.SetStatus(codes.Error, "bridge unavailable")
	return nil, err
}

// FetchImmutable reads a result known to never change, such as a pinned
// document version. Hits come from the process-local LRU and are kept
// until process exit; misses run the full Fetch chain and populate it.
func (b *Bridge) FetchImmutable(ctx context.Context, key, method string, params interface{}) (json.RawMessage, error) {
	if v, ok := b.immutable.Get(key); ok {
		observability.RecordCacheEvent("bridge_immutable", "hit")
		return v.(json.RawMessage), nil
	}
	observability.RecordCacheEvent("bridge_immutable", "miss")

	data, err := b.Fetch(ctx, key, method, params)
	if err != nil {
		return nil, err
	}

	b.immutable.Add(key, data)
	return data, nil
}

// Invalidate eagerly purges key from both cache tiers. Wired to change
// notifications; a notified write overrides the immutability assumption
// for the local tier.
func (b *Bridge) Invalidate(key string) {
	b.shared.Delete(context.Background(), key)
	b.immutable.Remove(key)
	b.logger.Debug().Str("key", key).Msg("Bridge cache entries invalidated")
}
