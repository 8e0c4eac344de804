package tool

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/arcfield/toolplane/internal/tracing"
	"github.com/arcfield/toolplane/pkg/fault"
)

// Registry serves manifest reads through a TTL cache in front of the
// store. Registry reads are read-mostly; a stale cache hit is served
// immediately while a single background refresh repopulates the entry.
type Registry struct {
	store  *Store
	cache  *manifestCache
	logger zerolog.Logger
}

// NewRegistry wraps a store with a read-through manifest cache.
func NewRegistry(store *Store, cacheTTL time.Duration, logger zerolog.Logger) *Registry {
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &Registry{
		store:  store,
		cache:  newManifestCache(cacheTTL),
		logger: logger,
	}
}

// Get returns one exact manifest version, from cache when possible.
func (r *Registry) Get(ctx context.Context, toolID, version string) (*Manifest, error) {
	ctx, span := tracing.StartSpan(ctx, "toolplane.tool", "tool.get_version",
		attribute.String("tool_id", toolID),
		attribute.String("tool_version", version),
	)
	defer span.End()

	if res := r.cache.get(toolID, version); res.hit {
		if res.needsRefresh {
			go r.refresh(toolID, version)
		}
		if res.manifest == nil {
			return nil, fault.Newf(fault.CodeVersionNotFound, "tool %s has no version %s", toolID, version)
		}
		return res.manifest, nil
	}

	m, err := r.store.GetVersion(ctx, toolID, version)
	if err != nil {
		if fault.IsCode(err, fault.CodeVersionNotFound) {
			r.cache.set(toolID, version, nil)
		}
		return nil, err
	}

	r.cache.set(toolID, version, m)
	return m, nil
}

// refresh reloads one cache entry from the store in the background.
// Errors leave the stale entry in place for the next read to retry.
func (r *Registry) refresh(toolID, version string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m, err := r.store.GetVersion(ctx, toolID, version)
	if err != nil {
		if fault.IsCode(err, fault.CodeVersionNotFound) || fault.IsCode(err, fault.CodeToolNotFound) {
			r.cache.set(toolID, version, nil)
			return
		}
		r.logger.Warn().
			Str("tool_id", toolID).
			Str("version", version).
			Err(err).
			Msg("Manifest cache refresh failed")
		return
	}
	r.cache.set(toolID, version, m)
}

// Resolve picks the highest invocable version matching a semver range and
// returns its manifest.
func (r *Registry) Resolve(ctx context.Context, toolID, versionRange string) (*Manifest, error) {
	if versionRange == "" {
		versionRange = "*"
	}
	version, err := r.store.ResolveRange(ctx, toolID, versionRange)
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, toolID, version)
}

// List returns the newest invocable manifest per tool. Listing fails soft:
// a backing failure logs and returns an empty slice, never an error.
func (r *Registry) List(ctx context.Context) []*Manifest {
	manifests, err := r.store.List(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Tool listing failed, returning empty list")
		return []*Manifest{}
	}
	return manifests
}

// Publish registers a new manifest version and primes the cache.
func (r *Registry) Publish(ctx context.Context, m *Manifest) error {
	if err := r.store.Publish(ctx, m); err != nil {
		return err
	}
	r.cache.set(m.ID, m.Version, m)
	return nil
}

// SetLifecycle transitions a version's lifecycle and drops its cache
// entries so the change is visible immediately.
func (r *Registry) SetLifecycle(ctx context.Context, toolID, version string, lifecycle Lifecycle) error {
	if err := r.store.SetLifecycle(ctx, toolID, version, lifecycle); err != nil {
		return err
	}
	r.cache.invalidateTool(toolID)
	return nil
}

// Invalidate drops all cached versions of a tool.
func (r *Registry) Invalidate(toolID string) {
	removed := r.cache.invalidateTool(toolID)
	if removed > 0 {
		r.logger.Debug().
			Str("tool_id", toolID).
			Int("entries", removed).
			Msg("Manifest cache invalidated")
	}
}
