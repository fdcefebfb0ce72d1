package storage

import (
	"fmt"
	"time"

	"github.com/Iron-Ham/simpleaide/internal/errors"
)

// ToolCall is one audited tool invocation. Rows are never updated or deleted.
type ToolCall struct {
	ID           int64     `json:"id"`
	RunID        string    `json:"run_id"`
	ToolName     string    `json:"tool_name"`
	Input        string    `json:"input"`
	Output       string    `json:"output"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ToolAudit is the append-only sink tool surfaces write to.
type ToolAudit interface {
	AppendToolCall(call *ToolCall) error
	ListToolCalls(runID string) ([]*ToolCall, error)
}

var _ ToolAudit = (*SQLiteStore)(nil)

// AppendToolCall records call and sets its ID.
func (s *SQLiteStore) AppendToolCall(call *ToolCall) error {
	if call == nil {
		return errors.New("tool call cannot be nil")
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO tool_calls (run_id, tool_name, input, output, success, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		call.RunID, call.ToolName, call.Input, call.Output, call.Success, call.ErrorMessage,
		formatTime(call.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert tool call: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		call.ID = id
	}
	return nil
}

// ListToolCalls returns the calls recorded for runID in insertion order.
func (s *SQLiteStore) ListToolCalls(runID string) ([]*ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, run_id, tool_name, input, output, success, error_message, created_at
		FROM tool_calls WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list tool calls: %w", err)
	}
	defer rows.Close()

	var calls []*ToolCall
	for rows.Next() {
		var (
			c         ToolCall
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.RunID, &c.ToolName, &c.Input, &c.Output,
			&c.Success, &c.ErrorMessage, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt = parseTime(createdAt)
		calls = append(calls, &c)
	}
	return calls, rows.Err()
}
