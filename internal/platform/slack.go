package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// LockReaction marks an archived Slack thread. Slack has no native
// thread archival, so the parent message carries a lock emoji instead.
const LockReaction = "lock"

// ArchiveNotice is posted into a thread when its session closes.
const ArchiveNotice = ":lock: Thread archived. Session closed."

// SlackMessage is one message from history or replies.
type SlackMessage struct {
	TS        string          `json:"ts"`
	ThreadTS  string          `json:"thread_ts"`
	User      string          `json:"user"`
	BotID     string          `json:"bot_id"`
	Subtype   string          `json:"subtype"`
	Text      string          `json:"text"`
	Reactions []SlackReaction `json:"reactions"`
}

// SlackReaction is a reaction entry on a message.
type SlackReaction struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// HasReaction reports whether the message carries the named reaction.
func (m *SlackMessage) HasReaction(name string) bool {
	for _, r := range m.Reactions {
		if r.Name == name {
			return true
		}
	}
	return false
}

// Slack is a minimal Web API client covering the operations the control
// plane needs. One HTTP client lives for the process.
type Slack struct {
	http      *http.Client
	baseURL   string
	botToken  string
	channelID string
	namer     *ThreadNamer
}

// SlackOption configures the client.
type SlackOption func(*Slack)

// WithSlackBaseURL redirects API calls, used by tests.
func WithSlackBaseURL(base string) SlackOption {
	return func(s *Slack) { s.baseURL = strings.TrimRight(base, "/") }
}

// NewSlack builds the Web API client for the configured channel.
func NewSlack(botToken, channelID string, namer *ThreadNamer, opts ...SlackOption) *Slack {
	s := &Slack{
		http:      &http.Client{Timeout: 15 * time.Second},
		baseURL:   "https://slack.com/api",
		botToken:  botToken,
		channelID: channelID,
		namer:     namer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ChannelID returns the configured channel.
func (s *Slack) ChannelID() string { return s.channelID }

type slackEnvelope struct {
	OK       bool            `json:"ok"`
	Error    string          `json:"error"`
	TS       string          `json:"ts"`
	UserID   string          `json:"user_id"`
	BotID    string          `json:"bot_id"`
	Messages []SlackMessage  `json:"messages"`
	Message  json.RawMessage `json:"message"`
	Metadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

func (s *Slack) call(ctx context.Context, method string, params url.Values) (*slackEnvelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+"/"+method, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+s.botToken)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("slack %s: %w", method, err)
	}
	defer resp.Body.Close()

	var env slackEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("slack %s: decode: %w", method, err)
	}
	if !env.OK {
		return nil, fmt.Errorf("slack %s: %s", method, env.Error)
	}
	return &env, nil
}

// AuthTest returns the bot's user id and bot id.
func (s *Slack) AuthTest(ctx context.Context) (userID, botID string, err error) {
	env, err := s.call(ctx, "auth.test", url.Values{})
	if err != nil {
		return "", "", err
	}
	return env.UserID, env.BotID, nil
}

// PostMessage posts text, optionally as a thread reply. Returns the
// message ts. Content is truncated to the Slack ceiling.
func (s *Slack) PostMessage(ctx context.Context, threadTS, text string) (string, error) {
	params := url.Values{
		"channel": {s.channelID},
		"text":    {Truncate(text, SlackMaxBytes)},
	}
	if threadTS != "" {
		params.Set("thread_ts", threadTS)
	}
	env, err := s.call(ctx, "chat.postMessage", params)
	if err != nil {
		return "", err
	}
	return env.TS, nil
}

// History returns recent channel messages, newest first.
func (s *Slack) History(ctx context.Context, limit int) ([]SlackMessage, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	env, err := s.call(ctx, "conversations.history", url.Values{
		"channel": {s.channelID},
		"limit":   {fmt.Sprint(limit)},
	})
	if err != nil {
		return nil, err
	}
	return env.Messages, nil
}

// FetchReplies pages a thread's replies oldest first, following the
// pagination cursor to exhaustion. The parent message is excluded.
func (s *Slack) FetchReplies(ctx context.Context, threadTS, oldestTS string) ([]SlackMessage, error) {
	var out []SlackMessage
	cursor := ""
	for {
		params := url.Values{
			"channel": {s.channelID},
			"ts":      {threadTS},
			"limit":   {"200"},
		}
		if oldestTS != "" {
			params.Set("oldest", oldestTS)
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		env, err := s.call(ctx, "conversations.replies", params)
		if err != nil {
			return nil, err
		}
		for _, m := range env.Messages {
			if m.TS == threadTS || m.TS == oldestTS {
				continue
			}
			out = append(out, m)
		}
		cursor = env.Metadata.NextCursor
		if cursor == "" {
			break
		}
	}
	return out, nil
}

// FindThreadTS scans channel history for the parent message whose first
// line names the session. Returns empty when absent.
func (s *Slack) FindThreadTS(ctx context.Context, session string) (string, error) {
	msgs, err := s.History(ctx, 200)
	if err != nil {
		return "", err
	}
	for _, m := range msgs {
		if parsed, ok := s.namer.Parse(m.Text); ok && parsed == session {
			return m.TS, nil
		}
	}
	return "", nil
}

// CreateThread posts the parent message and the welcome reply. Returns
// the parent ts, which anchors the thread.
func (s *Slack) CreateThread(session, host, welcome string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	parentTS, err := s.PostMessage(ctx, "", s.namer.Format(session, host))
	if err != nil {
		return "", err
	}
	if welcome != "" {
		if _, err := s.PostMessage(ctx, parentTS, welcome); err != nil {
			return parentTS, err
		}
	}
	return parentTS, nil
}

// AddReaction adds an emoji reaction to a message.
func (s *Slack) AddReaction(ctx context.Context, ts, name string) error {
	_, err := s.call(ctx, "reactions.add", url.Values{
		"channel":   {s.channelID},
		"timestamp": {ts},
		"name":      {name},
	})
	// already_reacted is idempotent success.
	if err != nil && strings.Contains(err.Error(), "already_reacted") {
		return nil
	}
	return err
}

// Archive closes a thread by convention: closing notice in the thread,
// lock reaction on the parent.
func (s *Slack) Archive(ctx context.Context, threadTS string) error {
	if _, err := s.PostMessage(ctx, threadTS, ArchiveNotice); err != nil {
		return err
	}
	return s.AddReaction(ctx, threadTS, LockReaction)
}

// Delete removes the parent message, which collapses the thread.
func (s *Slack) Delete(ctx context.Context, threadTS string) error {
	_, err := s.call(ctx, "chat.delete", url.Values{
		"channel": {s.channelID},
		"ts":      {threadTS},
	})
	return err
}

// SlackTSToISO converts a Slack ts ("1700000000.123456") to ISO-8601.
func SlackTSToISO(ts string) string {
	sec, frac, _ := strings.Cut(ts, ".")
	var unix int64
	fmt.Sscanf(sec, "%d", &unix)
	if unix == 0 {
		return ""
	}
	t := time.Unix(unix, 0).UTC()
	_ = frac
	return t.Format(time.RFC3339)
}
