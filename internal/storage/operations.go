package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/simpleaide/internal/errors"
)

// OpKind is the kind of git operation.
type OpKind string

const (
	OpClone    OpKind = "clone"
	OpPull     OpKind = "pull"
	OpCheckout OpKind = "checkout"
)

// OpStatus is the lifecycle state of a git operation. Status only ever moves
// forward: queued, running, then succeeded or failed.
type OpStatus string

const (
	OpQueued    OpStatus = "queued"
	OpRunning   OpStatus = "running"
	OpSucceeded OpStatus = "succeeded"
	OpFailed    OpStatus = "failed"
)

func (s OpStatus) rank() int {
	switch s {
	case OpQueued:
		return 0
	case OpRunning:
		return 1
	case OpSucceeded, OpFailed:
		return 2
	default:
		return -1
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s OpStatus) IsTerminal() bool {
	return s == OpSucceeded || s == OpFailed
}

// ErrStatusRegression is returned when an update would move an operation's
// status backwards or out of a terminal state.
var ErrStatusRegression = errors.New("operation status cannot move backwards")

// GitOperation is an append-only audit record of one clone, pull or checkout.
type GitOperation struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"project_id"`
	Op        OpKind     `json:"op"`
	Status    OpStatus   `json:"status"`
	Stage     string     `json:"stage"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	LogPath   string     `json:"log_path"`
	Error     string     `json:"error,omitempty"`
}

// CreateOperation inserts op. An empty ID is filled with a new UUID and an
// empty Status defaults to queued.
func (s *SQLiteStore) CreateOperation(op *GitOperation) error {
	if op == nil {
		return errors.New("operation cannot be nil")
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Status == "" {
		op.Status = OpQueued
	}
	if op.Status.rank() < 0 {
		return errors.NewValidationError("unknown operation status").WithField("status").WithValue(op.Status)
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		INSERT INTO git_operations (id, project_id, op, status, stage, created_at, started_at, ended_at, log_path, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		op.ID, op.ProjectID, string(op.Op), string(op.Status), op.Stage,
		formatTime(op.CreatedAt), nullTime(op.StartedAt), nullTime(op.EndedAt),
		op.LogPath, op.Error,
	)
	if err != nil {
		return fmt.Errorf("insert operation %s: %w", op.ID, err)
	}
	return nil
}

// SetStage records the current stage marker of a non-terminal operation.
func (s *SQLiteStore) SetStage(id, stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE git_operations SET stage = ? WHERE id = ? AND status IN ('queued', 'running')",
		stage, id,
	)
	if err != nil {
		return fmt.Errorf("set stage for %s: %w", id, err)
	}
	return s.requireRow(res, id)
}

// UpdateOperationStatus moves an operation to status. Entering running stamps
// started_at; entering a terminal status stamps ended_at and records errMsg.
// Re-applying the current non-terminal status is a no-op.
func (s *SQLiteStore) UpdateOperationStatus(id string, status OpStatus, errMsg string) error {
	if status.rank() < 0 {
		return errors.NewValidationError("unknown operation status").WithField("status").WithValue(status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	if err := tx.QueryRow("SELECT status FROM git_operations WHERE id = ?", id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errors.NewNotFoundError("operation", id)
		}
		return fmt.Errorf("read operation %s: %w", id, err)
	}

	cur := OpStatus(current)
	if cur.IsTerminal() || status.rank() < cur.rank() {
		return fmt.Errorf("%s -> %s: %w", cur, status, ErrStatusRegression)
	}
	if cur == status {
		return nil
	}

	now := formatTime(time.Now().UTC())
	switch {
	case status == OpRunning:
		_, err = tx.Exec(
			"UPDATE git_operations SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ?",
			string(status), now, id,
		)
	case status.IsTerminal():
		_, err = tx.Exec(
			"UPDATE git_operations SET status = ?, started_at = COALESCE(started_at, ?), ended_at = ?, error = ? WHERE id = ?",
			string(status), now, now, errMsg, id,
		)
	}
	if err != nil {
		return fmt.Errorf("update operation %s: %w", id, err)
	}
	return tx.Commit()
}

// GetOperation returns the operation with id.
func (s *SQLiteStore) GetOperation(id string) (*GitOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, project_id, op, status, stage, created_at, started_at, ended_at, log_path, error
		FROM git_operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("operation", id)
	}
	return op, err
}

// ListOperations returns operations newest first. An empty projectID lists
// every project; limit <= 0 means no limit.
func (s *SQLiteStore) ListOperations(projectID string, limit int) ([]*GitOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, project_id, op, status, stage, created_at, started_at, ended_at, log_path, error
		FROM git_operations`
	var args []any
	if projectID != "" {
		query += " WHERE project_id = ?"
		args = append(args, projectID)
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var ops []*GitOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*GitOperation, error) {
	var (
		op                 GitOperation
		kind, status       string
		createdAt          string
		startedAt, endedAt sql.NullString
	)
	err := row.Scan(&op.ID, &op.ProjectID, &kind, &status, &op.Stage,
		&createdAt, &startedAt, &endedAt, &op.LogPath, &op.Error)
	if err != nil {
		return nil, err
	}
	op.Op = OpKind(kind)
	op.Status = OpStatus(status)
	op.CreatedAt = parseTime(createdAt)
	op.StartedAt = parseNullTime(startedAt)
	op.EndedAt = parseNullTime(endedAt)
	return &op, nil
}

func (s *SQLiteStore) requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.NewNotFoundError("active operation", id)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
