package checkpoint

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// maxMicroLine bounds one JSONL line. Payloads above the external-offload
// threshold never land inline, so lines stay well under this.
const maxMicroLine = 4 * 1024 * 1024

// microStore is the fast short-retention tier: one JSONL append file per
// invocation. Callers serialize writes per invocation; the store itself
// only validates and appends.
type microStore struct {
	dir string
}

func newMicroStore(dir string) (*microStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("micro checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create micro checkpoint directory: %w", err)
	}
	return &microStore{dir: dir}, nil
}

// validateInvocationID guards against path traversal in file names.
func validateInvocationID(id string) error {
	if id == "" {
		return fmt.Errorf("invocation ID cannot be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("invocation ID cannot contain '..'")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("invocation ID cannot contain path separators")
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("invocation ID cannot contain null bytes")
	}
	return nil
}

func (ms *microStore) path(invocationID string) string {
	return filepath.Join(ms.dir, invocationID+".jsonl")
}

// append writes one checkpoint as a JSON line.
func (ms *microStore) append(cp *Checkpoint) error {
	if err := validateInvocationID(cp.InvocationID); err != nil {
		return err
	}

	line, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}

	file, err := os.OpenFile(ms.path(cp.InvocationID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open micro checkpoint file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append micro checkpoint: %w", err)
	}
	return nil
}

// scan reads all parseable checkpoints for an invocation. Corrupt lines
// are skipped with a warning; a truncated tail must not poison resume.
func (ms *microStore) scan(invocationID string) ([]*Checkpoint, error) {
	if err := validateInvocationID(invocationID); err != nil {
		return nil, err
	}

	file, err := os.Open(ms.path(invocationID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open micro checkpoint file: %w", err)
	}
	defer file.Close()

	var out []*Checkpoint
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxMicroLine)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(raw, &cp); err != nil {
			log.Warn().
				Str("invocation_id", invocationID).
				Int("line", lineNo).
				Err(err).
				Msg("Skipping corrupt micro checkpoint line")
			continue
		}
		out = append(out, &cp)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read micro checkpoint file: %w", err)
	}
	return out, nil
}

// newest returns the highest-sequence checkpoint, or nil when none exist.
func (ms *microStore) newest(invocationID string) (*Checkpoint, error) {
	cps, err := ms.scan(invocationID)
	if err != nil {
		return nil, err
	}
	var best *Checkpoint
	for _, cp := range cps {
		if best == nil || cp.Seq > best.Seq {
			best = cp
		}
	}
	return best, nil
}

// get finds one checkpoint by ID, or nil when absent.
func (ms *microStore) get(invocationID, checkpointID string) (*Checkpoint, error) {
	cps, err := ms.scan(invocationID)
	if err != nil {
		return nil, err
	}
	for _, cp := range cps {
		if cp.ID == checkpointID {
			return cp, nil
		}
	}
	return nil, nil
}

// maxSeq returns the highest sequence recorded, or 0.
func (ms *microStore) maxSeq(invocationID string) (int64, error) {
	cp, err := ms.newest(invocationID)
	if err != nil || cp == nil {
		return 0, err
	}
	return cp.Seq, nil
}

// removeOlderThan deletes micro files whose last write predates the cutoff.
func (ms *microStore) removeOlderThan(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(ms.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list micro checkpoint directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(ms.dir, entry.Name())); err != nil {
			log.Warn().Str("file", entry.Name()).Err(err).Msg("Failed to remove expired micro checkpoint file")
			continue
		}
		removed++
	}
	return removed, nil
}
