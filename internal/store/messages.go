package store

import (
	"database/sql"
	"fmt"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ValidRoles enumerates the accepted message roles.
var ValidRoles = map[string]bool{
	RoleUser:      true,
	RoleAssistant: true,
	RoleSystem:    true,
}

// Message is one utterance belonging to a session.
type Message struct {
	ID           int64  `json:"id"`
	SessionName  string `json:"session_name"`
	Role         string `json:"role"`
	Content      string `json:"content"`
	Source       string `json:"source"`
	SourceID     string `json:"source_id,omitempty"`
	SourceAuthor string `json:"source_author,omitempty"`
	Timestamp    string `json:"timestamp"`
	IngestedAt   string `json:"ingested_at"`
	DedupHash    string `json:"-"`
}

const messageCols = `id, session_name, role, content, source, source_id, source_author, timestamp, ingested_at, dedup_hash`

func scanMessage(scan func(...any) error) (*Message, error) {
	var m Message
	var sourceID, sourceAuthor sql.NullString
	err := scan(&m.ID, &m.SessionName, &m.Role, &m.Content, &m.Source,
		&sourceID, &sourceAuthor, &m.Timestamp, &m.IngestedAt, &m.DedupHash)
	if err != nil {
		return nil, err
	}
	m.SourceID = strOrEmpty(sourceID)
	m.SourceAuthor = strOrEmpty(sourceAuthor)
	return &m, nil
}

// InsertMessage writes a message with insert-or-ignore semantics on the
// dedup hash. Returns whether a new row was stored.
func (d *DB) InsertMessage(m *Message) (bool, error) {
	if m.IngestedAt == "" {
		m.IngestedAt = NowISO()
	}
	if m.Timestamp == "" {
		m.Timestamp = m.IngestedAt
	}
	res, err := d.Execute(`INSERT OR IGNORE INTO messages
		(session_name, role, content, source, source_id, source_author, timestamp, ingested_at, dedup_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.SessionName, m.Role, m.Content, m.Source,
		nullStr(m.SourceID), nullStr(m.SourceAuthor), m.Timestamp, m.IngestedAt, m.DedupHash)
	if err != nil {
		return false, fmt.Errorf("insert message for %s: %w", m.SessionName, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		if id, err := res.LastInsertId(); err == nil {
			m.ID = id
		}
	}
	return n > 0, nil
}

// ListMessages returns a session's messages oldest first, plus the total.
func (d *DB) ListMessages(session string, limit, offset int) ([]*Message, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	var total int
	if err := d.QueryRow("SELECT COUNT(*) FROM messages WHERE session_name = ?", session).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}
	rows, err := d.Query(`SELECT `+messageCols+` FROM messages
		WHERE session_name = ? ORDER BY timestamp ASC, id ASC LIMIT ? OFFSET ?`,
		session, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}

// MessageCount returns the number of stored messages for a session.
func (d *DB) MessageCount(session string) (int, error) {
	var n int
	err := d.QueryRow("SELECT COUNT(*) FROM messages WHERE session_name = ?", session).Scan(&n)
	return n, err
}

// LastSourceID returns the most recent platform identifier stored for a
// (session, source) pair. Used as the backfill cursor.
func (d *DB) LastSourceID(session, source string) (string, error) {
	var id sql.NullString
	err := d.QueryRow(`SELECT source_id FROM messages
		WHERE session_name = ? AND source = ? AND source_id IS NOT NULL
		ORDER BY timestamp DESC, id DESC LIMIT 1`, session, source).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last source id: %w", err)
	}
	return strOrEmpty(id), nil
}

// MessagesBySource returns message counts grouped by source tag.
func (d *DB) MessagesBySource() (map[string]int, error) {
	rows, err := d.Query("SELECT source, COUNT(*) FROM messages GROUP BY source")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var src string
		var n int
		if err := rows.Scan(&src, &n); err != nil {
			return nil, err
		}
		out[src] = n
	}
	return out, rows.Err()
}

// MessagesSince counts messages ingested after the given timestamp.
func (d *DB) MessagesSince(iso string) (int, error) {
	var n int
	err := d.QueryRow("SELECT COUNT(*) FROM messages WHERE ingested_at >= ?", iso).Scan(&n)
	return n, err
}

// TotalMessages counts all stored messages.
func (d *DB) TotalMessages() (int, error) {
	var n int
	err := d.QueryRow("SELECT COUNT(*) FROM messages").Scan(&n)
	return n, err
}
