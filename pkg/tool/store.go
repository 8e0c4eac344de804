package tool

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/arcfield/toolplane/internal/tracing"
	"github.com/arcfield/toolplane/pkg/fault"
)

// Store persists tool manifests in SQLite. Manifest rows are append-only
// per (tool_id, version); lifecycle is the only mutable column.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore opens (or creates) the registry database.
func NewStore(path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("registry database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info().Str("path", path).Msg("Tool registry store opened")
	return s, nil
}

// initSchema creates database tables
func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS manifests (
			tool_id TEXT NOT NULL,
			version TEXT NOT NULL,
			kind TEXT NOT NULL,
			lifecycle TEXT NOT NULL,
			service TEXT NOT NULL DEFAULT '',
			manifest TEXT NOT NULL,
			published_at INTEGER NOT NULL,
			PRIMARY KEY (tool_id, version)
		);
		CREATE INDEX IF NOT EXISTS idx_manifests_tool ON manifests(tool_id);
		CREATE INDEX IF NOT EXISTS idx_manifests_lifecycle ON manifests(lifecycle);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Publish inserts a new manifest version. Re-publishing an existing
// (tool_id, version) pair is rejected: versions are immutable.
func (s *Store) Publish(ctx context.Context, m *Manifest) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	if m.PublishedAt.IsZero() {
		m.PublishedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to serialize manifest: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO manifests (tool_id, version, kind, lifecycle, service, manifest, published_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Version, string(m.Kind), string(m.Lifecycle), m.Service, string(payload), m.PublishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to publish manifest: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check publish result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("manifest %s@%s is already published; versions are immutable", m.ID, m.Version)
	}

	s.logger.Info().
		Str("tool_id", m.ID).
		Str("version", m.Version).
		Str("kind", string(m.Kind)).
		Msg("Manifest published")

	return nil
}

// GetVersion loads one exact manifest version.
func (s *Store) GetVersion(ctx context.Context, toolID, version string) (*Manifest, error) {
	var payload string
	var lifecycle string
	err := s.db.QueryRowContext(ctx,
		`SELECT manifest, lifecycle FROM manifests WHERE tool_id = ? AND version = ?`,
		toolID, version,
	).Scan(&payload, &lifecycle)
	if errors.Is(err, sql.ErrNoRows) {
		if known, kerr := s.toolExists(ctx, toolID); kerr == nil && known {
			return nil, fault.Newf(fault.CodeVersionNotFound, "tool %s has no version %s", toolID, version)
		}
		return nil, fault.Newf(fault.CodeToolNotFound, "tool %s is not registered", toolID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest %s@%s: %w", toolID, version, err)
	}

	var m Manifest
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return nil, fmt.Errorf("corrupt manifest row %s@%s: %w", toolID, version, err)
	}
	// Lifecycle may have moved since publication; the column wins.
	m.Lifecycle = Lifecycle(lifecycle)
	return &m, nil
}

func (s *Store) toolExists(ctx context.Context, toolID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM manifests WHERE tool_id = ?`, toolID).Scan(&n)
	return n > 0, err
}

// ResolveRange picks the highest invocable version of a tool matching a
// semver range ("^1.2.0", ">=2, <3", exact "1.0.0", or "*").
func (s *Store) ResolveRange(ctx context.Context, toolID, versionRange string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "toolplane.tool", "tool.resolve_range")
	defer span.End()

	constraint, err := semver.NewConstraint(versionRange)
	if err != nil {
		return "", fmt.Errorf("invalid version range %q: %w", versionRange, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT version, lifecycle FROM manifests WHERE tool_id = ?`, toolID)
	if err != nil {
		return "", fmt.Errorf("failed to list versions for %s: %w", toolID, err)
	}
	defer rows.Close()

	var best *semver.Version
	found := false
	for rows.Next() {
		var raw, lifecycle string
		if err := rows.Scan(&raw, &lifecycle); err != nil {
			return "", fmt.Errorf("failed to scan version row: %w", err)
		}
		found = true
		lc := Lifecycle(lifecycle)
		if lc != LifecycleActive && lc != LifecycleDeprecated {
			continue
		}
		v, err := semver.NewVersion(raw)
		if err != nil {
			s.logger.Warn().Str("tool_id", toolID).Str("version", raw).Msg("Skipping unparseable version row")
			continue
		}
		if !constraint.Check(v) {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best = v
		}
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("failed to iterate versions: %w", err)
	}

	if !found {
		return "", fault.Newf(fault.CodeToolNotFound, "tool %s is not registered", toolID)
	}
	if best == nil {
		return "", fault.Newf(fault.CodeVersionNotFound, "tool %s has no invocable version matching %q", toolID, versionRange)
	}
	return best.Original(), nil
}

// SetLifecycle transitions a published version's lifecycle state. This is
// the only mutation allowed after publication.
func (s *Store) SetLifecycle(ctx context.Context, toolID, version string, lifecycle Lifecycle) error {
	switch lifecycle {
	case LifecycleActive, LifecycleDeprecated, LifecycleSunset, LifecycleRemoved:
	default:
		return fmt.Errorf("unknown lifecycle %q", lifecycle)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE manifests SET lifecycle = ? WHERE tool_id = ? AND version = ?`,
		string(lifecycle), toolID, version)
	if err != nil {
		return fmt.Errorf("failed to update lifecycle: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check lifecycle update: %w", err)
	}
	if rows == 0 {
		return fault.Newf(fault.CodeVersionNotFound, "tool %s has no version %s", toolID, version)
	}

	s.logger.Info().
		Str("tool_id", toolID).
		Str("version", version).
		Str("lifecycle", string(lifecycle)).
		Msg("Manifest lifecycle changed")

	return nil
}

// List returns the newest invocable manifest per tool, sorted by tool ID.
func (s *Store) List(ctx context.Context) ([]*Manifest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT manifest, lifecycle FROM manifests WHERE lifecycle IN ('active', 'deprecated')`)
	if err != nil {
		return nil, fmt.Errorf("failed to list manifests: %w", err)
	}
	defer rows.Close()

	newest := make(map[string]*Manifest)
	for rows.Next() {
		var payload, lifecycle string
		if err := rows.Scan(&payload, &lifecycle); err != nil {
			return nil, fmt.Errorf("failed to scan manifest row: %w", err)
		}
		var m Manifest
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			s.logger.Warn().Err(err).Msg("Skipping corrupt manifest row")
			continue
		}
		m.Lifecycle = Lifecycle(lifecycle)

		prev, ok := newest[m.ID]
		if !ok {
			newest[m.ID] = &m
			continue
		}
		cur, err1 := semver.NewVersion(m.Version)
		old, err2 := semver.NewVersion(prev.Version)
		if err1 == nil && err2 == nil && cur.GreaterThan(old) {
			newest[m.ID] = &m
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate manifests: %w", err)
	}

	out := make([]*Manifest, 0, len(newest))
	for _, m := range newest {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
