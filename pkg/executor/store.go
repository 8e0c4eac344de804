package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/arcfield/toolplane/pkg/fault"
)

// Store persists invocation records in SQLite. Every status transition
// goes through a compare-and-swap on the current status, so terminal
// states stay final even under concurrent writers. Approval state lives
// here too, making approval waits durable across process restarts.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore opens (or creates) the invocation database.
func NewStore(path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("invocation database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create invocation directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open invocation database: %w", err)
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

	logger.Info().Str("path", path).Msg("Invocation store opened")
	return s, nil
}

// initSchema creates database tables
func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS invocations (
			id TEXT PRIMARY KEY,
			tool_id TEXT NOT NULL,
			tool_version TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL DEFAULT '',
			params TEXT NOT NULL DEFAULT '{}',
			limits TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			result TEXT,
			error_code TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			error_retryable INTEGER NOT NULL DEFAULT 0,
			approval_tier INTEGER NOT NULL DEFAULT 0,
			approval_deadline INTEGER NOT NULL DEFAULT 0,
			approver TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			started_at INTEGER NOT NULL DEFAULT 0,
			finished_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_invocations_status ON invocations(status);
		CREATE INDEX IF NOT EXISTS idx_invocations_tenant ON invocations(tenant_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

const terminalSet = `('success', 'error', 'timeout', 'cancelled', 'permission_denied')`

// insert persists a freshly admitted invocation.
func (s *Store) insert(ctx context.Context, inv *Invocation) error {
	params, err := json.Marshal(inv.Params)
	if err != nil {
		return fmt.Errorf("failed to serialize invocation params: %w", err)
	}
	limits, err := json.Marshal(inv.Limits)
	if err != nil {
		return fmt.Errorf("failed to serialize invocation limits: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO invocations (id, tool_id, tool_version, tenant_id, subject, params, limits, status, attempt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.ToolID, inv.ToolVersion, inv.TenantID, inv.Subject,
		string(params), string(limits), string(inv.Status), inv.Attempt,
		inv.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert invocation %s: %w", inv.ID, err)
	}
	return nil
}

const selectColumns = `id, tool_id, tool_version, tenant_id, subject, params, limits, status,
	result, error_code, error_message, error_retryable,
	approval_tier, approval_deadline, approver, checkpoint_id, attempt,
	created_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInvocation(row rowScanner) (*Invocation, error) {
	var inv Invocation
	var params, limits, status string
	var result sql.NullString
	var errCode, errMessage string
	var errRetryable int
	var approvalDeadline, createdAt, startedAt, finishedAt int64

	err := row.Scan(&inv.ID, &inv.ToolID, &inv.ToolVersion, &inv.TenantID, &inv.Subject,
		&params, &limits, &status,
		&result, &errCode, &errMessage, &errRetryable,
		&inv.ApprovalTier, &approvalDeadline, &inv.Approver, &inv.CheckpointID, &inv.Attempt,
		&createdAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(params), &inv.Params); err != nil {
		return nil, fmt.Errorf("corrupt params for invocation %s: %w", inv.ID, err)
	}
	if err := json.Unmarshal([]byte(limits), &inv.Limits); err != nil {
		return nil, fmt.Errorf("corrupt limits for invocation %s: %w", inv.ID, err)
	}
	inv.Status = Status(status)
	if result.Valid && result.String != "" {
		inv.Result = json.RawMessage(result.String)
	}
	if errCode != "" {
		inv.Error = &ErrorDetail{
			Code:      fault.Code(errCode),
			Message:   errMessage,
			Retryable: errRetryable != 0,
		}
	}
	if approvalDeadline > 0 {
		inv.ApprovalDeadline = time.UnixMilli(approvalDeadline)
	}
	inv.CreatedAt = time.UnixMilli(createdAt)
	if startedAt > 0 {
		inv.StartedAt = time.UnixMilli(startedAt)
	}
	if finishedAt > 0 {
		inv.FinishedAt = time.UnixMilli(finishedAt)
	}
	return &inv, nil
}

// get loads one invocation, or nil when absent.
func (s *Store) get(ctx context.Context, invocationID string) (*Invocation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM invocations WHERE id = ?`, invocationID)
	inv, err := scanInvocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load invocation %s: %w", invocationID, err)
	}
	return inv, nil
}

// markPendingApproval parks a pending invocation until a decision
// arrives. Records the current escalation tier and its deadline.
func (s *Store) markPendingApproval(ctx context.Context, invocationID string, tier int, deadline time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE invocations SET status = ?, approval_tier = ?, approval_deadline = ?
		WHERE id = ? AND status = ?`,
		string(StatusPendingApproval), tier, deadline.UnixMilli(),
		invocationID, string(StatusPending))
	return casResult(res, err, invocationID, "pending_approval")
}

// escalateApproval moves a parked invocation to the next tier.
func (s *Store) escalateApproval(ctx context.Context, invocationID string, tier int, deadline time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE invocations SET approval_tier = ?, approval_deadline = ?
		WHERE id = ? AND status = ?`,
		tier, deadline.UnixMilli(), invocationID, string(StatusPendingApproval))
	return casResult(res, err, invocationID, "escalate")
}

// markApproved records the decision and releases the invocation back
// into the pending queue.
func (s *Store) markApproved(ctx context.Context, invocationID, approver string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE invocations SET status = ?, approver = ?, approval_deadline = 0
		WHERE id = ? AND status = ?`,
		string(StatusPending), approver, invocationID, string(StatusPendingApproval))
	return casResult(res, err, invocationID, "approve")
}

// markApprovalTimeout cancels an invocation whose approval window
// lapsed on the final tier. The transition only fires from
// pending_approval, so a concurrent operator decision wins the race.
// Returns whether this call performed the transition.
func (s *Store) markApprovalTimeout(ctx context.Context, invocationID string, detail *ErrorDetail, finishedAt time.Time) (bool, error) {
	var errCode, errMessage string
	if detail != nil {
		errCode = string(detail.Code)
		errMessage = detail.Message
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE invocations
		SET status = ?, error_code = ?, error_message = ?, finished_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusCancelled), errCode, errMessage, finishedAt.UnixMilli(),
		invocationID, string(StatusPendingApproval))
	if err != nil {
		return false, fmt.Errorf("failed to expire approval for invocation %s: %w", invocationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// markRunning moves an admitted invocation into execution.
func (s *Store) markRunning(ctx context.Context, invocationID string, startedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE invocations SET status = ?, started_at = ?
		WHERE id = ? AND status IN ('pending', 'pending_approval')`,
		string(StatusRunning), startedAt.UnixMilli(), invocationID)
	return casResult(res, err, invocationID, "run")
}

// markTerminal finalizes an invocation. The guard excludes rows already
// terminal, so a late writer can never overwrite a final state. Returns
// whether this call performed the transition.
func (s *Store) markTerminal(ctx context.Context, invocationID string, status Status, result json.RawMessage, detail *ErrorDetail, finishedAt time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("status %s is not terminal", status)
	}

	var errCode, errMessage string
	var errRetryable int
	if detail != nil {
		errCode = string(detail.Code)
		errMessage = detail.Message
		if detail.Retryable {
			errRetryable = 1
		}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE invocations
		SET status = ?, result = ?, error_code = ?, error_message = ?, error_retryable = ?, finished_at = ?
		WHERE id = ? AND status NOT IN `+terminalSet,
		string(status), nullableString(result), errCode, errMessage, errRetryable,
		finishedAt.UnixMilli(), invocationID)
	if err != nil {
		return false, fmt.Errorf("failed to finalize invocation %s: %w", invocationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// setCheckpointID records the retained resume point on the invocation.
func (s *Store) setCheckpointID(ctx context.Context, invocationID, checkpointID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE invocations SET checkpoint_id = ? WHERE id = ?`,
		checkpointID, invocationID)
	if err != nil {
		return fmt.Errorf("failed to set checkpoint for invocation %s: %w", invocationID, err)
	}
	return nil
}

// markResumed starts a new attempt on a resumable terminal invocation.
// This is the only edge out of a terminal status, and it only exists
// for error and timeout.
func (s *Store) markResumed(ctx context.Context, invocationID string, startedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE invocations
		SET status = ?, attempt = attempt + 1, started_at = ?, finished_at = 0,
		    result = NULL, error_code = '', error_message = '', error_retryable = 0
		WHERE id = ? AND status IN ('error', 'timeout')`,
		string(StatusRunning), startedAt.UnixMilli(), invocationID)
	return casResult(res, err, invocationID, "resume")
}

// listByStatus returns invocations in one state, oldest first. Used to
// recover parked approvals after a restart.
func (s *Store) listByStatus(ctx context.Context, status Status) ([]*Invocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM invocations WHERE status = ? ORDER BY created_at ASC`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list invocations: %w", err)
	}
	defer rows.Close()

	var out []*Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// casResult normalizes a compare-and-swap update outcome: zero rows
// affected means the invocation was missing or in a conflicting state.
func casResult(res sql.Result, err error, invocationID, op string) error {
	if err != nil {
		return fmt.Errorf("failed to %s invocation %s: %w", op, invocationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fault.Newf(fault.CodeInvocationNotFound,
			"invocation %s not found or not eligible for %s", invocationID, op)
	}
	return nil
}

func nullableString(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
