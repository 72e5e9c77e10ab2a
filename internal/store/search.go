package store

import (
	"fmt"
	"strings"
)

// SearchResult is one ranked full-text hit.
type SearchResult struct {
	MessageID   int64  `json:"message_id"`
	SessionName string `json:"session_name"`
	Role        string `json:"role"`
	Source      string `json:"source"`
	Timestamp   string `json:"timestamp"`
	Snippet     string `json:"snippet"`
}

// ftsQuote neutralises FTS5 query syntax: internal double quotes are
// doubled, then the whole query is wrapped in double quotes so user
// input is always a single phrase term.
func ftsQuote(q string) string {
	return `"` + strings.ReplaceAll(q, `"`, `""`) + `"`
}

// SearchMessages runs a ranked full-text search over message content,
// optionally scoped to one session.
func (d *DB) SearchMessages(q, session string, limit int) ([]*SearchResult, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	query := `SELECT m.id, m.session_name, m.role, m.source, m.timestamp,
		snippet(messages_fts, 0, '<mark>', '</mark>', '...', 40)
		FROM messages_fts
		JOIN messages m ON m.id = messages_fts.rowid
		WHERE messages_fts MATCH ?`
	args := []any{ftsQuote(q)}
	if session != "" {
		query += " AND m.session_name = ?"
		args = append(args, session)
	}
	query += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	var out []*SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.MessageID, &r.SessionName, &r.Role, &r.Source, &r.Timestamp, &r.Snippet); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
