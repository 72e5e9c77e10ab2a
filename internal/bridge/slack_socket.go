package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/nextlevelbuilder/muxboard/internal/config"
	"github.com/nextlevelbuilder/muxboard/internal/platform"
	"github.com/nextlevelbuilder/muxboard/internal/tasks"
	"github.com/nextlevelbuilder/muxboard/internal/tmux"
)

// reconnectBackoff paces gateway reconnects after a drop.
const reconnectBackoff = 5 * time.Second

// SlackBridge holds the Socket Mode connection and routes channel and
// thread messages.
type SlackBridge struct {
	core     *Core
	api      *platform.Slack
	appToken string
	connURL  string // apps.connections.open endpoint, overridable in tests
	channel  string
	namer    *platform.ThreadNamer
	tracker  *tasks.Tracker
	http     *http.Client
	botUser  string
}

// slackPlatform adapts the Slack Web API to the bridge core.
type slackPlatform struct {
	api   *platform.Slack
	namer *platform.ThreadNamer
}

func (p *slackPlatform) Name() string  { return "slack" }
func (p *slackPlatform) MaxBytes() int { return platform.SlackMaxBytes }

func (p *slackPlatform) CreateThread(_ context.Context, session, host string) (string, error) {
	welcome := fmt.Sprintf("Session `%s` on `%s`. Replies in this thread are forwarded to the tmux session.", session, host)
	return p.api.CreateThread(session, host, welcome)
}

func (p *slackPlatform) SendToThread(ctx context.Context, threadTS, text string) error {
	_, err := p.api.PostMessage(ctx, threadTS, text)
	return err
}

func (p *slackPlatform) ArchiveThread(ctx context.Context, threadTS string) error {
	return p.api.Archive(ctx, threadTS)
}

func (p *slackPlatform) DeleteThread(ctx context.Context, threadTS string) error {
	return p.api.Delete(ctx, threadTS)
}

// ActiveThreads scans channel history for session parent messages that
// are not locked.
func (p *slackPlatform) ActiveThreads(ctx context.Context) (map[string]string, error) {
	msgs, err := p.api.History(ctx, 200)
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	for _, m := range msgs {
		if m.HasReaction(platform.LockReaction) {
			continue
		}
		if session, ok := p.namer.Parse(m.Text); ok {
			if _, seen := out[session]; !seen {
				out[session] = m.TS
			}
		}
	}
	return out, nil
}

// NewSlackBridge wires the Web API client and the shared core.
// Credentials must already be validated by the caller.
func NewSlackBridge(cfg *config.Config, svc *tmux.Service, tracker *tasks.Tracker, opts ...platform.SlackOption) (*SlackBridge, error) {
	namer := platform.NewThreadNamer(cfg.Bridge.ThreadNameTemplate)
	api := platform.NewSlack(cfg.Slack.BotToken, cfg.Slack.ChannelID, namer, opts...)
	core, err := NewCore(cfg, svc, &slackPlatform{api: api, namer: namer}, tracker)
	if err != nil {
		return nil, err
	}
	return &SlackBridge{
		core:     core,
		api:      api,
		appToken: cfg.Slack.AppToken,
		connURL:  "https://slack.com/api/apps.connections.open",
		channel:  cfg.Slack.ChannelID,
		namer:    namer,
		tracker:  tracker,
		http:     &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// Run keeps a Socket Mode connection alive until the context ends,
// reconnecting with a fixed backoff after every drop.
func (b *SlackBridge) Run(ctx context.Context) error {
	if userID, _, err := b.api.AuthTest(ctx); err == nil {
		b.botUser = userID
	} else {
		slog.Warn("slack auth test failed", "error", err)
	}

	for {
		if err := b.connectOnce(ctx); err != nil {
			if ctx.Err() != nil {
				b.tracker.Wait()
				return ctx.Err()
			}
			slog.Warn("slack gateway dropped", "error", err)
		}
		select {
		case <-ctx.Done():
			b.tracker.Wait()
			return ctx.Err()
		case <-time.After(reconnectBackoff):
		}
	}
}

// socketEnvelope is the Socket Mode frame shape.
type socketEnvelope struct {
	Type       string `json:"type"`
	EnvelopeID string `json:"envelope_id"`
	Payload    struct {
		Event slackEvent `json:"event"`
	} `json:"payload"`
}

type slackEvent struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	Channel  string `json:"channel"`
	User     string `json:"user"`
	BotID    string `json:"bot_id"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts"`
}

// openSocketURL asks Slack for a fresh Socket Mode websocket URL.
func (b *SlackBridge) openSocketURL(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.connURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+b.appToken)

	resp, err := b.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("apps.connections.open: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
		URL   string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("apps.connections.open: decode: %w", err)
	}
	if !body.OK {
		return "", fmt.Errorf("apps.connections.open: %s", body.Error)
	}
	return body.URL, nil
}

func (b *SlackBridge) connectOnce(ctx context.Context) error {
	wsURL, err := b.openSocketURL(ctx)
	if err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("socket mode dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	slog.Info("slack bridge connected", "channel", b.channel)

	for {
		var env socketEnvelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return fmt.Errorf("socket read: %w", err)
		}

		// Acks must go out before the 3 s envelope deadline.
		if env.EnvelopeID != "" {
			ack := map[string]string{"envelope_id": env.EnvelopeID}
			if err := wsjson.Write(ctx, conn, ack); err != nil {
				return fmt.Errorf("socket ack: %w", err)
			}
		}

		switch env.Type {
		case "hello":
			slog.Debug("slack gateway hello")
		case "disconnect":
			return fmt.Errorf("gateway requested disconnect")
		case "events_api":
			b.dispatch(env.Payload.Event)
		}
	}
}

// dispatch schedules a tracked handler for one message event.
func (b *SlackBridge) dispatch(ev slackEvent) {
	if ev.Type != "message" || ev.Channel != b.channel {
		return
	}
	if ev.BotID != "" || ev.Subtype == "bot_message" || ev.Text == "" {
		return
	}
	if b.botUser != "" && ev.User == b.botUser {
		return
	}

	switch {
	case ev.ThreadTS == "" && strings.HasPrefix(ev.Text, "!"):
		b.tracker.Go(context.Background(), "slack-command", func(ctx context.Context) error {
			b.core.HandleCommand(ctx, ev.Text, func(text string) {
				if _, err := b.api.PostMessage(ctx, "", text); err != nil {
					slog.Warn("command reply failed", "error", err)
				}
			})
			return nil
		})
	case ev.ThreadTS != "" && ev.ThreadTS != ev.TS:
		b.tracker.Go(context.Background(), "slack-forward", func(ctx context.Context) error {
			session, ok := b.sessionForThread(ctx, ev.ThreadTS)
			if !ok {
				return nil
			}
			b.core.ForwardMessage(ctx, session, ev.Text, func(text string) {
				if _, err := b.api.PostMessage(ctx, ev.ThreadTS, text); err != nil {
					slog.Warn("thread reply failed", "error", err)
				}
			})
			return nil
		})
	}
}

// sessionForThread resolves a thread ts back to its session by parsing
// the parent message in channel history.
func (b *SlackBridge) sessionForThread(ctx context.Context, threadTS string) (string, bool) {
	msgs, err := b.api.History(ctx, 200)
	if err != nil {
		slog.Warn("history lookup failed", "error", err)
		return "", false
	}
	for _, m := range msgs {
		if m.TS != threadTS {
			continue
		}
		if session, ok := b.namer.Parse(m.Text); ok {
			return session, true
		}
		return "", false
	}
	return "", false
}
