package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// Key families in the kv table.
const (
	KVPrefPrefix       = "pref:"
	KVSettingPrefix    = "setting:"
	KVTranscriptPrefix = "transcript_offset:"
)

// GetKV fetches one value. The second return reports presence.
func (d *DB) GetKV(key string) (string, bool, error) {
	var v string
	err := d.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return v, true, nil
}

// SetKV upserts one value.
func (d *DB) SetKV(key, value string) error {
	_, err := d.Execute(`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, NowISO())
	if err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// DeleteKV removes one key. Missing keys are not an error.
func (d *DB) DeleteKV(key string) error {
	_, err := d.Execute("DELETE FROM kv WHERE key = ?", key)
	return err
}

// KVByPrefix returns every key under a prefix, with the prefix stripped.
func (d *DB) KVByPrefix(prefix string) (map[string]string, error) {
	rows, err := d.Query("SELECT key, value FROM kv WHERE key LIKE ?", prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("kv prefix %s: %w", prefix, err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[strings.TrimPrefix(k, prefix)] = v
	}
	return out, rows.Err()
}
