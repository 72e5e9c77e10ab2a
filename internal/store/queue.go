package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Command queue statuses.
const (
	CmdPending   = "pending"
	CmdExecuting = "executing"
	CmdCompleted = "completed"
	CmdFailed    = "failed"
	CmdCancelled = "cancelled"
)

// ErrNotPending is returned when cancelling a command that already left
// the pending state.
var ErrNotPending = errors.New("command is not pending")

// QueuedCommand is a deferred send into a (session, host) pair, held
// until the usage monitor observes a quota reset.
type QueuedCommand struct {
	ID          string `json:"id"`
	SessionName string `json:"session_name"`
	Host        string `json:"host"`
	Command     string `json:"command"`
	Status      string `json:"status"`
	Priority    int    `json:"priority"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	ExecutedAt  string `json:"executed_at,omitempty"`
	Error       string `json:"error,omitempty"`
}

const queueCols = `id, session_name, host, command, status, priority, created_at, updated_at, executed_at, error`

func scanCommand(scan func(...any) error) (*QueuedCommand, error) {
	var c QueuedCommand
	var executedAt, errText sql.NullString
	err := scan(&c.ID, &c.SessionName, &c.Host, &c.Command, &c.Status,
		&c.Priority, &c.CreatedAt, &c.UpdatedAt, &executedAt, &errText)
	if err != nil {
		return nil, err
	}
	c.ExecutedAt = strOrEmpty(executedAt)
	c.Error = strOrEmpty(errText)
	return &c, nil
}

// EnqueueCommand inserts a pending entry and returns it.
func (d *DB) EnqueueCommand(session, host, command string, priority int) (*QueuedCommand, error) {
	now := NowISO()
	c := &QueuedCommand{
		ID:          uuid.NewString(),
		SessionName: session,
		Host:        host,
		Command:     command,
		Status:      CmdPending,
		Priority:    priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := d.Execute(`INSERT INTO command_queue
		(id, session_name, host, command, status, priority, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SessionName, c.Host, c.Command, c.Status, c.Priority, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("enqueue command: %w", err)
	}
	return c, nil
}

// PendingCommands returns up to 50 pending entries in execution order:
// priority descending, then oldest first.
func (d *DB) PendingCommands() ([]*QueuedCommand, error) {
	rows, err := d.Query(`SELECT ` + queueCols + ` FROM command_queue
		WHERE status = 'pending' ORDER BY priority DESC, created_at ASC LIMIT 50`)
	if err != nil {
		return nil, fmt.Errorf("pending commands: %w", err)
	}
	defer rows.Close()
	var out []*QueuedCommand
	for rows.Next() {
		c, err := scanCommand(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListCommands returns entries, optionally filtered by status, newest
// first.
func (d *DB) ListCommands(status string, limit int) ([]*QueuedCommand, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := "SELECT " + queueCols + " FROM command_queue"
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()
	var out []*QueuedCommand
	for rows.Next() {
		c, err := scanCommand(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkCommandExecuting transitions pending -> executing.
func (d *DB) MarkCommandExecuting(id string) error {
	res, err := d.Execute(
		"UPDATE command_queue SET status = 'executing', updated_at = ? WHERE id = ? AND status = 'pending'",
		NowISO(), id)
	if err != nil {
		return fmt.Errorf("mark executing %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkCommandCompleted transitions executing -> completed.
func (d *DB) MarkCommandCompleted(id string) error {
	now := NowISO()
	_, err := d.Execute(
		"UPDATE command_queue SET status = 'completed', updated_at = ?, executed_at = ? WHERE id = ?",
		now, now, id)
	return err
}

// MarkCommandFailed transitions executing -> failed with error text.
func (d *DB) MarkCommandFailed(id, errText string) error {
	now := NowISO()
	_, err := d.Execute(
		"UPDATE command_queue SET status = 'failed', updated_at = ?, executed_at = ?, error = ? WHERE id = ?",
		now, now, errText, id)
	return err
}

// CancelCommand cancels a pending entry. A missing id or an entry that
// already started executing yields ErrNotPending.
func (d *DB) CancelCommand(id string) error {
	res, err := d.Execute(
		"UPDATE command_queue SET status = 'cancelled', updated_at = ? WHERE id = ? AND status = 'pending'",
		NowISO(), id)
	if err != nil {
		return fmt.Errorf("cancel command %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotPending
	}
	return nil
}

// QueueStats returns entry counts grouped by status.
func (d *DB) QueueStats() (map[string]int, error) {
	rows, err := d.Query("SELECT status, COUNT(*) FROM command_queue GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
