// Package credential stores tool secret material encrypted at rest and
// issues ephemeral, TTL-bounded handles for injection into sandboxes.
package credential

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Store manages encrypted secret storage and ephemeral issuance.
type Store struct {
	db     *sql.DB
	encKey []byte
	logger zerolog.Logger

	mu     sync.Mutex
	issued map[string][]*Ephemeral // keyed by invocation ID
}

// NewStore opens the credential database. encryptionKey must be exactly
// 32 bytes for AES-256.
func NewStore(path string, encryptionKey []byte, logger zerolog.Logger) (*Store, error) {
	if len(encryptionKey) != 32 {
		return nil, errors.New("encryption key must be 32 bytes for AES-256")
	}
	if path == "" {
		return nil, errors.New("credential store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create credential directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		encKey: encryptionKey,
		logger: logger,
		issued: make(map[string][]*Ephemeral),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info().Str("path", path).Msg("Credential store opened")
	return s, nil
}

// initSchema creates database tables
func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS secrets (
			tool_id TEXT NOT NULL,
			name TEXT NOT NULL,
			value_enc TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (tool_id, name)
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// encrypt encrypts plaintext using AES-256-GCM.
func (s *Store) encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts ciphertext using AES-256-GCM.
func (s *Store) decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(data) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}

	nonce, cipherBytes := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, cipherBytes, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

// Put stores or replaces one secret, encrypted at rest.
func (s *Store) Put(ctx context.Context, toolID, name, value string) error {
	if toolID == "" || name == "" {
		return errors.New("tool ID and credential name are required")
	}

	enc, err := s.encrypt(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt secret: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO secrets (tool_id, name, value_enc, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tool_id, name) DO UPDATE SET
			value_enc = excluded.value_enc,
			updated_at = excluded.updated_at`,
		toolID, name, enc, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to store secret: %w", err)
	}

	s.logger.Info().Str("tool_id", toolID).Str("name", name).Msg("Credential stored")
	return nil
}

// Delete removes one secret.
func (s *Store) Delete(ctx context.Context, toolID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM secrets WHERE tool_id = ? AND name = ?`, toolID, name)
	return err
}

// lookup reads and decrypts one secret. Returns ErrNoRows-mapped false
// when the secret is not provisioned.
func (s *Store) lookup(ctx context.Context, toolID, name string) (string, bool, error) {
	var enc string
	err := s.db.QueryRowContext(ctx,
		`SELECT value_enc FROM secrets WHERE tool_id = ? AND name = ?`,
		toolID, name).Scan(&enc)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read secret: %w", err)
	}

	value, err := s.decrypt(enc)
	if err != nil {
		return "", false, fmt.Errorf("failed to decrypt secret %s/%s: %w", toolID, name, err)
	}
	return value, true, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
