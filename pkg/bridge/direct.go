package bridge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// directStore reads the bridge peer's durable state directly, bypassing
// the peer process. It is the last read tier, for when the peer is down
// but its SQLite file is reachable from this host. Opened read-only so a
// degraded reader can never corrupt the peer's data.
type directStore struct {
	db *sql.DB
}

func openDirectStore(path string) (*directStore, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open direct store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("direct store unreachable: %w", err)
	}
	return &directStore{db: db}, nil
}

func (s *directStore) read(ctx context.Context, key string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM bridge_data WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("key %s not present in direct store", key)
	}
	if err != nil {
		return nil, fmt.Errorf("direct store read failed: %w", err)
	}
	return json.RawMessage(value), nil
}

func (s *directStore) Close() error {
	return s.db.Close()
}
