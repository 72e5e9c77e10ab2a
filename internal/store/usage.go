package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UsageSnapshot is one poll of a provider's rate-limit headers.
// Nil counters mean the provider did not send that header.
type UsageSnapshot struct {
	ID                   int64  `json:"id"`
	Provider             string `json:"provider"`
	RequestsLimit        *int64 `json:"requests_limit,omitempty"`
	RequestsRemaining    *int64 `json:"requests_remaining,omitempty"`
	RequestsReset        string `json:"requests_reset,omitempty"`
	InputTokensLimit     *int64 `json:"input_tokens_limit,omitempty"`
	InputTokensRemaining *int64 `json:"input_tokens_remaining,omitempty"`
	InputTokensReset     string `json:"input_tokens_reset,omitempty"`
	OutputTokensLimit    *int64 `json:"output_tokens_limit,omitempty"`
	OutputTokensRemain   *int64 `json:"output_tokens_remaining,omitempty"`
	OutputTokensReset    string `json:"output_tokens_reset,omitempty"`
	TokensLimit          *int64 `json:"tokens_limit,omitempty"`
	TokensRemaining      *int64 `json:"tokens_remaining,omitempty"`
	TokensReset          string `json:"tokens_reset,omitempty"`
	PollStatusCode       int    `json:"poll_status_code"`
	Error                string `json:"error,omitempty"`
	CreatedAt            string `json:"created_at"`
}

// Remaining returns the remaining counter for a limit kind, or nil.
func (s *UsageSnapshot) Remaining(kind string) *int64 {
	switch kind {
	case "requests":
		return s.RequestsRemaining
	case "input_tokens":
		return s.InputTokensRemaining
	case "output_tokens":
		return s.OutputTokensRemain
	case "tokens":
		return s.TokensRemaining
	}
	return nil
}

const usageCols = `id, provider, requests_limit, requests_remaining, requests_reset,
	input_tokens_limit, input_tokens_remaining, input_tokens_reset,
	output_tokens_limit, output_tokens_remaining, output_tokens_reset,
	tokens_limit, tokens_remaining, tokens_reset, poll_status_code, error, created_at`

func nullInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func scanUsage(scan func(...any) error) (*UsageSnapshot, error) {
	var s UsageSnapshot
	var reqL, reqR, inL, inR, outL, outR, tokL, tokR sql.NullInt64
	var reqReset, inReset, outReset, tokReset, errText sql.NullString
	err := scan(&s.ID, &s.Provider, &reqL, &reqR, &reqReset,
		&inL, &inR, &inReset, &outL, &outR, &outReset,
		&tokL, &tokR, &tokReset, &s.PollStatusCode, &errText, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	asPtr := func(n sql.NullInt64) *int64 {
		if !n.Valid {
			return nil
		}
		v := n.Int64
		return &v
	}
	s.RequestsLimit, s.RequestsRemaining = asPtr(reqL), asPtr(reqR)
	s.InputTokensLimit, s.InputTokensRemaining = asPtr(inL), asPtr(inR)
	s.OutputTokensLimit, s.OutputTokensRemain = asPtr(outL), asPtr(outR)
	s.TokensLimit, s.TokensRemaining = asPtr(tokL), asPtr(tokR)
	s.RequestsReset = strOrEmpty(reqReset)
	s.InputTokensReset = strOrEmpty(inReset)
	s.OutputTokensReset = strOrEmpty(outReset)
	s.TokensReset = strOrEmpty(tokReset)
	s.Error = strOrEmpty(errText)
	return &s, nil
}

// InsertUsageSnapshot appends one snapshot.
func (d *DB) InsertUsageSnapshot(s *UsageSnapshot) error {
	if s.CreatedAt == "" {
		s.CreatedAt = NowISO()
	}
	res, err := d.Execute(`INSERT INTO usage_snapshots
		(provider, requests_limit, requests_remaining, requests_reset,
		 input_tokens_limit, input_tokens_remaining, input_tokens_reset,
		 output_tokens_limit, output_tokens_remaining, output_tokens_reset,
		 tokens_limit, tokens_remaining, tokens_reset, poll_status_code, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Provider, nullInt(s.RequestsLimit), nullInt(s.RequestsRemaining), nullStr(s.RequestsReset),
		nullInt(s.InputTokensLimit), nullInt(s.InputTokensRemaining), nullStr(s.InputTokensReset),
		nullInt(s.OutputTokensLimit), nullInt(s.OutputTokensRemain), nullStr(s.OutputTokensReset),
		nullInt(s.TokensLimit), nullInt(s.TokensRemaining), nullStr(s.TokensReset),
		s.PollStatusCode, nullStr(s.Error), s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert usage snapshot: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		s.ID = id
	}
	return nil
}

// PreviousComparableSnapshot returns the most recent snapshot for a
// provider whose poll actually reached the API (status 200 or 429).
// Reset detection compares against this row, not against failed polls.
func (d *DB) PreviousComparableSnapshot(provider string) (*UsageSnapshot, error) {
	row := d.QueryRow(`SELECT `+usageCols+` FROM usage_snapshots
		WHERE provider = ? AND poll_status_code IN (200, 429)
		ORDER BY id DESC LIMIT 1`, provider)
	s, err := scanUsage(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("previous snapshot %s: %w", provider, err)
	}
	return s, nil
}

// LatestSnapshots returns the newest snapshot per provider.
func (d *DB) LatestSnapshots() (map[string]*UsageSnapshot, error) {
	rows, err := d.Query(`SELECT ` + usageCols + ` FROM usage_snapshots
		WHERE id IN (SELECT MAX(id) FROM usage_snapshots GROUP BY provider)`)
	if err != nil {
		return nil, fmt.Errorf("latest snapshots: %w", err)
	}
	defer rows.Close()
	out := map[string]*UsageSnapshot{}
	for rows.Next() {
		s, err := scanUsage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out[s.Provider] = s
	}
	return out, rows.Err()
}

// UsageHistory returns snapshots newer than the given age, oldest first.
func (d *DB) UsageHistory(hours int) ([]*UsageSnapshot, error) {
	if hours <= 0 {
		hours = 24
	}
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour).Format(time.RFC3339)
	rows, err := d.Query(`SELECT `+usageCols+` FROM usage_snapshots
		WHERE created_at >= ? ORDER BY id ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("usage history: %w", err)
	}
	defer rows.Close()
	var out []*UsageSnapshot
	for rows.Next() {
		s, err := scanUsage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// PurgeUsageOlderThan deletes snapshots past the retention horizon and
// returns the number removed.
func (d *DB) PurgeUsageOlderThan(hours int) (int64, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour).Format(time.RFC3339)
	res, err := d.Execute("DELETE FROM usage_snapshots WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge usage: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
