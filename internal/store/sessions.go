package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// Session statuses.
const (
	StatusActive      = "active"
	StatusIdle        = "idle"
	StatusClosed      = "closed"
	StatusOrphan      = "orphan"
	StatusUnreachable = "unreachable"
)

// ValidStatuses enumerates the accepted session status values.
var ValidStatuses = map[string]bool{
	StatusActive:      true,
	StatusIdle:        true,
	StatusClosed:      true,
	StatusOrphan:      true,
	StatusUnreachable: true,
}

// ValidAgentTypes enumerates the accepted agent classes.
var ValidAgentTypes = map[string]bool{
	"claude":  true,
	"codex":   true,
	"gemini":  true,
	"other":   true,
	"unknown": true,
}

// Session is a tracked tmux session.
type Session struct {
	Name            string `json:"name"`
	Host            string `json:"host"`
	Status          string `json:"status"`
	AgentType       string `json:"agent_type"`
	WorkingDir      string `json:"working_dir,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
	ClosedAt        string `json:"closed_at,omitempty"`
	DiscordThreadID string `json:"discord_thread_id,omitempty"`
	DiscordArchived bool   `json:"discord_archived"`
	SlackThreadTS   string `json:"slack_thread_ts,omitempty"`
	SlackChannelID  string `json:"slack_channel_id,omitempty"`
	SlackArchived   bool   `json:"slack_archived"`
}

// SessionFilter narrows and pages a session listing.
type SessionFilter struct {
	Status string
	Host   string
	Name   string // substring match
	Sort   string
	Desc   bool
	Limit  int
	Offset int
}

// sessionSortFields is the ORDER BY allow-list. User input never reaches
// the SQL text unless it is one of these.
var sessionSortFields = map[string]bool{
	"name":       true,
	"created_at": true,
	"updated_at": true,
	"status":     true,
	"host":       true,
}

const sessionCols = `name, host, status, agent_type, working_dir, created_at, updated_at, closed_at,
	discord_thread_id, discord_archived, slack_thread_ts, slack_channel_id, slack_archived`

func scanSession(scan func(...any) error) (*Session, error) {
	var s Session
	var workingDir, closedAt, discordID, slackTS, slackChan sql.NullString
	err := scan(&s.Name, &s.Host, &s.Status, &s.AgentType, &workingDir,
		&s.CreatedAt, &s.UpdatedAt, &closedAt,
		&discordID, &s.DiscordArchived, &slackTS, &slackChan, &s.SlackArchived)
	if err != nil {
		return nil, err
	}
	s.WorkingDir = strOrEmpty(workingDir)
	s.ClosedAt = strOrEmpty(closedAt)
	s.DiscordThreadID = strOrEmpty(discordID)
	s.SlackThreadTS = strOrEmpty(slackTS)
	s.SlackChannelID = strOrEmpty(slackChan)
	return &s, nil
}

// CreateSession inserts a new session row. The name must not exist.
func (d *DB) CreateSession(s *Session) error {
	now := NowISO()
	if s.CreatedAt == "" {
		s.CreatedAt = now
	}
	if s.UpdatedAt == "" {
		s.UpdatedAt = now
	}
	if s.Status == "" {
		s.Status = StatusActive
	}
	if s.AgentType == "" {
		s.AgentType = "unknown"
	}
	_, err := d.Execute(`INSERT INTO sessions
		(name, host, status, agent_type, working_dir, created_at, updated_at, discord_thread_id, slack_thread_ts, slack_channel_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Name, s.Host, s.Status, s.AgentType, nullStr(s.WorkingDir),
		s.CreatedAt, s.UpdatedAt, nullStr(s.DiscordThreadID), nullStr(s.SlackThreadTS), nullStr(s.SlackChannelID))
	if err != nil {
		return fmt.Errorf("insert session %s: %w", s.Name, err)
	}
	return nil
}

// InsertOrIgnoreSession inserts a session if absent. Returns whether a
// row was actually inserted.
func (d *DB) InsertOrIgnoreSession(name, host, status, agentType string) (bool, error) {
	now := NowISO()
	if agentType == "" {
		agentType = "unknown"
	}
	res, err := d.Execute(`INSERT OR IGNORE INTO sessions
		(name, host, status, agent_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		name, host, status, agentType, now, now)
	if err != nil {
		return false, fmt.Errorf("insert or ignore session %s: %w", name, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetSession fetches one session by name.
func (d *DB) GetSession(name string) (*Session, error) {
	row := d.QueryRow(`SELECT `+sessionCols+` FROM sessions WHERE name = ?`, name)
	s, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", name, err)
	}
	return s, nil
}

// ListSessions returns a filtered, sorted, paged listing plus the total
// count matching the filter.
func (d *DB) ListSessions(f SessionFilter) ([]*Session, int, error) {
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Host != "" {
		conds = append(conds, "host = ?")
		args = append(args, f.Host)
	}
	if f.Name != "" {
		conds = append(conds, "name LIKE ?")
		args = append(args, "%"+f.Name+"%")
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := d.QueryRow("SELECT COUNT(*) FROM sessions"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	sort := f.Sort
	if !sessionSortFields[sort] {
		sort = "updated_at"
	}
	dir := "ASC"
	if f.Desc {
		dir = "DESC"
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := fmt.Sprintf("SELECT %s FROM sessions%s ORDER BY %s %s LIMIT ? OFFSET ?",
		sessionCols, where, sort, dir)
	rows, err := d.Query(query, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

// SessionCountsByStatus returns session totals grouped by status.
func (d *DB) SessionCountsByStatus() (map[string]int, error) {
	return d.sessionCounts("status")
}

// SessionCountsByHost returns session totals grouped by host.
func (d *DB) SessionCountsByHost() (map[string]int, error) {
	return d.sessionCounts("host")
}

func (d *DB) sessionCounts(col string) (map[string]int, error) {
	rows, err := d.Query("SELECT " + col + ", COUNT(*) FROM sessions GROUP BY " + col)
	if err != nil {
		return nil, fmt.Errorf("session counts by %s: %w", col, err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		out[key] = n
	}
	return out, rows.Err()
}

// OpenSessions returns every session whose status is not closed.
func (d *DB) OpenSessions() ([]*Session, error) {
	rows, err := d.Query(`SELECT ` + sessionCols + ` FROM sessions WHERE status != 'closed'`)
	if err != nil {
		return nil, fmt.Errorf("open sessions: %w", err)
	}
	defer rows.Close()
	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// sessionPatchCols is the allow-list for UpdateSessionFields.
var sessionPatchCols = map[string]bool{
	"host":              true,
	"status":            true,
	"agent_type":        true,
	"working_dir":       true,
	"closed_at":         true,
	"discord_thread_id": true,
	"discord_archived":  true,
	"slack_thread_ts":   true,
	"slack_channel_id":  true,
	"slack_archived":    true,
}

// UpdateSessionFields patches the named columns and bumps updated_at.
// Unknown columns are rejected.
func (d *DB) UpdateSessionFields(name string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	sets := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+2)
	for col, val := range fields {
		if !sessionPatchCols[col] {
			return fmt.Errorf("update session: column %q not allowed", col)
		}
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, NowISO(), name)

	res, err := d.Execute("UPDATE sessions SET "+strings.Join(sets, ", ")+" WHERE name = ?", args...)
	if err != nil {
		return fmt.Errorf("update session %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchSession bumps updated_at only.
func (d *DB) TouchSession(name string) error {
	_, err := d.Execute("UPDATE sessions SET updated_at = ? WHERE name = ?", NowISO(), name)
	return err
}

// CloseSession marks a session closed with a close timestamp.
func (d *DB) CloseSession(name string) error {
	now := NowISO()
	res, err := d.Execute(
		"UPDATE sessions SET status = 'closed', closed_at = ?, updated_at = ? WHERE name = ?",
		now, now, name)
	if err != nil {
		return fmt.Errorf("close session %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session and, via cascade, its messages.
func (d *DB) DeleteSession(name string) error {
	res, err := d.Execute("DELETE FROM sessions WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SessionExists reports whether a session row is present.
func (d *DB) SessionExists(name string) (bool, error) {
	var one int
	err := d.QueryRow("SELECT 1 FROM sessions WHERE name = ?", name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
