// Package usage polls AI provider endpoints whose only job is to return
// rate-limit headers cheaply, stores the header snapshots, detects
// limit and reset transitions, and releases deferred commands when
// quota comes back.
package usage

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/muxboard/internal/bus"
	"github.com/nextlevelbuilder/muxboard/internal/store"
)

// LimitKinds are the quota dimensions tracked per provider.
var LimitKinds = []string{"requests", "input_tokens", "output_tokens", "tokens"}

// cleanupEveryNPolls spaces out retention purges.
const cleanupEveryNPolls = 60

// Provider is one polled upstream.
type Provider struct {
	Name    string
	APIKey  string
	Model   string
	BaseURL string
}

// Sender delivers a released command into a tmux session.
type Sender interface {
	Send(ctx context.Context, host, name, text string) error
}

// Monitor owns the polling loop and the command queue.
type Monitor struct {
	db        *store.DB
	bus       bus.Publisher
	http      *http.Client
	providers []Provider
	sender    Sender

	pollInterval   time.Duration
	retentionHours int
	queueEnabled   bool
	pollCount      int
}

// Options configures a Monitor.
type Options struct {
	Providers      []Provider
	Sender         Sender
	PollInterval   time.Duration
	RetentionHours int
	QueueEnabled   bool
}

// NewMonitor builds a Monitor.
func NewMonitor(db *store.DB, publisher bus.Publisher, opts Options) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 60 * time.Second
	}
	if opts.RetentionHours <= 0 {
		opts.RetentionHours = 168
	}
	return &Monitor{
		db:             db,
		bus:            publisher,
		http:           &http.Client{Timeout: 15 * time.Second},
		providers:      opts.Providers,
		sender:         opts.Sender,
		pollInterval:   opts.PollInterval,
		retentionHours: opts.RetentionHours,
		queueEnabled:   opts.QueueEnabled,
	}
}

// Run polls until the context ends, purging old snapshots periodically.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		m.Poll(ctx)
		m.pollCount++
		if m.pollCount%cleanupEveryNPolls == 0 {
			if n, err := m.db.PurgeUsageOlderThan(m.retentionHours); err != nil {
				slog.Warn("usage purge failed", "error", err)
			} else if n > 0 {
				slog.Info("usage snapshots purged", "count", n)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll takes one snapshot per provider and reacts to transitions.
func (m *Monitor) Poll(ctx context.Context) {
	anyReset := false
	for _, p := range m.providers {
		prev, prevErr := m.db.PreviousComparableSnapshot(p.Name)

		snap := m.pollProvider(ctx, p)
		if err := m.db.InsertUsageSnapshot(snap); err != nil {
			slog.Error("snapshot insert failed", "provider", p.Name, "error", err)
			continue
		}
		m.bus.Publish(bus.NewEvent(bus.EventUsageUpdated, snapshotPayload(snap)))

		// A poll that never reached the API says nothing about quota.
		if snap.PollStatusCode == 0 {
			continue
		}

		for _, kind := range DetectLimitReached(snap) {
			slog.Warn("usage limit reached", "provider", p.Name, "kind", kind)
			m.bus.Publish(bus.NewEvent(bus.EventUsageLimitReached, map[string]any{
				"provider": p.Name, "kind": kind,
			}))
		}

		if prevErr == nil {
			resets := DetectResets(prev, snap)
			for _, kind := range resets {
				slog.Info("usage reset detected", "provider", p.Name, "kind", kind)
				m.bus.Publish(bus.NewEvent(bus.EventUsageReset, map[string]any{
					"provider": p.Name, "kind": kind,
				}))
			}
			if len(resets) > 0 {
				anyReset = true
			}
		}
	}

	if anyReset && m.queueEnabled {
		m.ExecutePending(ctx)
	}
}

// DetectLimitReached returns the limit kinds whose remaining counter
// has hit zero.
func DetectLimitReached(snap *store.UsageSnapshot) []string {
	var out []string
	for _, kind := range LimitKinds {
		if r := snap.Remaining(kind); r != nil && *r <= 0 {
			out = append(out, kind)
		}
	}
	return out
}

// DetectResets returns the limit kinds whose remaining counter strictly
// increased since the previous comparable snapshot.
func DetectResets(prev, cur *store.UsageSnapshot) []string {
	var out []string
	for _, kind := range LimitKinds {
		p, c := prev.Remaining(kind), cur.Remaining(kind)
		if p != nil && c != nil && *c > *p {
			out = append(out, kind)
		}
	}
	return out
}

func snapshotPayload(s *store.UsageSnapshot) map[string]any {
	payload := map[string]any{
		"provider":    s.Provider,
		"status_code": s.PollStatusCode,
	}
	for _, kind := range LimitKinds {
		if r := s.Remaining(kind); r != nil {
			payload[kind+"_remaining"] = *r
		}
	}
	if s.Error != "" {
		payload["error"] = s.Error
	}
	return payload
}

// pollProvider issues the cheapest call that returns quota headers.
// Transport failure yields a status-0 snapshot with the error text.
func (m *Monitor) pollProvider(ctx context.Context, p Provider) *store.UsageSnapshot {
	snap := &store.UsageSnapshot{Provider: p.Name}

	req, err := buildProbe(ctx, p)
	if err != nil {
		snap.Error = err.Error()
		return snap
	}
	resp, err := m.http.Do(req)
	if err != nil {
		snap.Error = err.Error()
		return snap
	}
	defer resp.Body.Close()

	snap.PollStatusCode = resp.StatusCode
	switch p.Name {
	case "anthropic":
		parseAnthropicHeaders(resp.Header, snap)
	case "openai":
		parseOpenAIHeaders(resp.Header, snap)
	}
	if resp.StatusCode >= 400 && resp.StatusCode != 429 {
		snap.Error = resp.Status
	}
	return snap
}

func buildProbe(ctx context.Context, p Provider) (*http.Request, error) {
	switch p.Name {
	case "anthropic":
		base := p.BaseURL
		if base == "" {
			base = "https://api.anthropic.com"
		}
		body := `{"model":` + strconv.Quote(p.Model) + `,"messages":[{"role":"user","content":"hi"}]}`
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			base+"/v1/messages/count_tokens", strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", p.APIKey)
		req.Header.Set("anthropic-version", "2023-06-01")
		return req, nil
	default: // openai
		base := p.BaseURL
		if base == "" {
			base = "https://api.openai.com"
		}
		body := `{"model":` + strconv.Quote(p.Model) + `,"messages":[{"role":"user","content":"hi"}],"max_tokens":1}`
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			base+"/v1/chat/completions", strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
		return req, nil
	}
}

func headerInt(h http.Header, key string) *int64 {
	v := h.Get(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func parseAnthropicHeaders(h http.Header, s *store.UsageSnapshot) {
	s.RequestsLimit = headerInt(h, "anthropic-ratelimit-requests-limit")
	s.RequestsRemaining = headerInt(h, "anthropic-ratelimit-requests-remaining")
	s.RequestsReset = h.Get("anthropic-ratelimit-requests-reset")
	s.InputTokensLimit = headerInt(h, "anthropic-ratelimit-input-tokens-limit")
	s.InputTokensRemaining = headerInt(h, "anthropic-ratelimit-input-tokens-remaining")
	s.InputTokensReset = h.Get("anthropic-ratelimit-input-tokens-reset")
	s.OutputTokensLimit = headerInt(h, "anthropic-ratelimit-output-tokens-limit")
	s.OutputTokensRemain = headerInt(h, "anthropic-ratelimit-output-tokens-remaining")
	s.OutputTokensReset = h.Get("anthropic-ratelimit-output-tokens-reset")
	s.TokensLimit = headerInt(h, "anthropic-ratelimit-tokens-limit")
	s.TokensRemaining = headerInt(h, "anthropic-ratelimit-tokens-remaining")
	s.TokensReset = h.Get("anthropic-ratelimit-tokens-reset")
}

func parseOpenAIHeaders(h http.Header, s *store.UsageSnapshot) {
	s.RequestsLimit = headerInt(h, "x-ratelimit-limit-requests")
	s.RequestsRemaining = headerInt(h, "x-ratelimit-remaining-requests")
	s.RequestsReset = h.Get("x-ratelimit-reset-requests")
	s.TokensLimit = headerInt(h, "x-ratelimit-limit-tokens")
	s.TokensRemaining = headerInt(h, "x-ratelimit-remaining-tokens")
	s.TokensReset = h.Get("x-ratelimit-reset-tokens")
}
