package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Store is the durable checkpoint tier backed by SQLite. Macro and named
// checkpoints land here; rows are immutable apart from archival.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore opens (or creates) the durable checkpoint database.
func NewStore(path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("checkpoint database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
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

	logger.Info().Str("path", path).Msg("Durable checkpoint store opened")
	return s, nil
}

// initSchema creates database tables
func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			invocation_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			seq INTEGER NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			payload BLOB,
			compressed INTEGER NOT NULL DEFAULT 0,
			delta INTEGER NOT NULL DEFAULT 0,
			external_uri TEXT NOT NULL DEFAULT '',
			archived INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_invocation ON checkpoints(invocation_id, seq);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_created ON checkpoints(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// insert persists one checkpoint row.
func (s *Store) insert(ctx context.Context, cp *Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, invocation_id, kind, label, seq, parent_id, payload, compressed, delta, external_uri, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.InvocationID, string(cp.Kind), cp.Label, cp.Seq, cp.ParentID,
		cp.Payload, boolToInt(cp.Compressed), boolToInt(cp.Delta), cp.ExternalURI,
		cp.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

func (s *Store) scanRow(row *sql.Row) (*Checkpoint, error) {
	var cp Checkpoint
	var kind string
	var compressed, delta int
	var createdAt int64
	err := row.Scan(&cp.ID, &cp.InvocationID, &kind, &cp.Label, &cp.Seq, &cp.ParentID,
		&cp.Payload, &compressed, &delta, &cp.ExternalURI, &createdAt)
	if err != nil {
		return nil, err
	}
	cp.Kind = Kind(kind)
	cp.Compressed = compressed != 0
	cp.Delta = delta != 0
	cp.CreatedAt = time.UnixMilli(createdAt)
	return &cp, nil
}

const selectColumns = `id, invocation_id, kind, label, seq, parent_id, payload, compressed, delta, external_uri, created_at`

// get loads one checkpoint by ID, or nil when absent.
func (s *Store) get(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM checkpoints WHERE id = ?`, checkpointID)
	cp, err := s.scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", checkpointID, err)
	}
	return cp, nil
}

// newest returns the highest-sequence non-archived checkpoint for an
// invocation, or nil when none exist.
func (s *Store) newest(ctx context.Context, invocationID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM checkpoints
		 WHERE invocation_id = ? AND archived = 0
		 ORDER BY seq DESC LIMIT 1`, invocationID)
	cp, err := s.scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load newest checkpoint for %s: %w", invocationID, err)
	}
	return cp, nil
}

// newestFullAtOrBelow returns the highest-sequence self-contained (non-delta)
// checkpoint with seq <= the given bound. Used to recover when a delta
// chain is broken.
func (s *Store) newestFullAtOrBelow(ctx context.Context, invocationID string, seq int64) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM checkpoints
		 WHERE invocation_id = ? AND delta = 0 AND seq <= ?
		 ORDER BY seq DESC LIMIT 1`, invocationID, seq)
	cp, err := s.scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load fallback checkpoint for %s: %w", invocationID, err)
	}
	return cp, nil
}

// maxSeq returns the highest sequence recorded for an invocation, or 0.
func (s *Store) maxSeq(ctx context.Context, invocationID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM checkpoints WHERE invocation_id = ?`, invocationID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read max checkpoint seq: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// archiveMacroOlderThan marks macro checkpoints past the retention window
// as archived. Named checkpoints are retained indefinitely.
func (s *Store) archiveMacroOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET archived = 1
		 WHERE kind = ? AND archived = 0 AND created_at < ?`,
		string(KindMacro), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to archive macro checkpoints: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
