package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// EventRecord is one row of the append-only audit log. It mirrors
// selected bus events for offline analysis; the live bus is separate.
type EventRecord struct {
	ID          int64          `json:"id"`
	EventType   string         `json:"event_type"`
	SessionName string         `json:"session_name,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   string         `json:"created_at"`
}

// AppendEvent writes an audit log row. Marshal failures degrade to an
// empty payload rather than losing the record.
func (d *DB) AppendEvent(eventType, sessionName string, payload map[string]any) error {
	var body []byte
	if payload != nil {
		body, _ = json.Marshal(payload)
	}
	_, err := d.Execute(
		"INSERT INTO events (event_type, session_name, payload, created_at) VALUES (?, ?, ?, ?)",
		eventType, nullStr(sessionName), nullStr(string(body)), NowISO())
	if err != nil {
		return fmt.Errorf("append event %s: %w", eventType, err)
	}
	return nil
}

// RecentEvents returns the newest audit rows, newest first.
func (d *DB) RecentEvents(limit int) ([]*EventRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := d.Query(`SELECT id, event_type, session_name, payload, created_at
		FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()

	var out []*EventRecord
	for rows.Next() {
		var rec EventRecord
		var session, payload sql.NullString
		if err := rows.Scan(&rec.ID, &rec.EventType, &session, &payload, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.SessionName = strOrEmpty(session)
		if payload.Valid && payload.String != "" {
			_ = json.Unmarshal([]byte(payload.String), &rec.Payload)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
