// Package syncer backfills platform thread messages into the store on a
// slow cadence, using the last stored platform id per (session, source)
// as the cursor. The bridges push in real time; this worker repairs any
// gap they leave.
package syncer

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/muxboard/internal/bus"
	"github.com/nextlevelbuilder/muxboard/internal/messages"
	"github.com/nextlevelbuilder/muxboard/internal/platform"
	"github.com/nextlevelbuilder/muxboard/internal/store"
)

// DiscordFetcher is the slice of the Discord client the syncer needs.
type DiscordFetcher interface {
	BotUserID() (string, error)
	FetchAfter(threadID, afterID string) ([]platform.PlatformMessage, error)
}

// SlackFetcher is the slice of the Slack client the syncer needs.
type SlackFetcher interface {
	AuthTest(ctx context.Context) (userID, botID string, err error)
	FetchReplies(ctx context.Context, threadTS, oldestTS string) ([]platform.SlackMessage, error)
}

// Syncer pulls thread history for every active session with an anchor.
type Syncer struct {
	db   *store.DB
	msgs *messages.Service
	bus  bus.Publisher

	discord DiscordFetcher
	slack   SlackFetcher

	interval     time.Duration
	sessionPause time.Duration
	initialDelay time.Duration

	discordBotID  string
	slackBotUser  string
	identityReady bool
}

// New builds a Syncer. Either fetcher may be nil when the platform is
// not configured.
func New(db *store.DB, msgs *messages.Service, publisher bus.Publisher, discord DiscordFetcher, slack SlackFetcher, interval time.Duration) *Syncer {
	if interval <= 0 {
		interval = 300 * time.Second
	}
	return &Syncer{
		db:           db,
		msgs:         msgs,
		bus:          publisher,
		discord:      discord,
		slack:        slack,
		interval:     interval,
		sessionPause: time.Second,
		initialDelay: 15 * time.Second,
	}
}

// Run waits out the initial delay, then syncs on the configured
// interval until the context ends.
func (s *Syncer) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.initialDelay):
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.SyncAll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// resolveIdentities caches the bot identities used for role detection.
// Failure is tolerated; roles degrade to system for bot messages.
func (s *Syncer) resolveIdentities(ctx context.Context) {
	if s.identityReady {
		return
	}
	if s.discord != nil {
		if id, err := s.discord.BotUserID(); err == nil {
			s.discordBotID = id
		} else {
			slog.Warn("discord identity lookup failed", "error", err)
		}
	}
	if s.slack != nil {
		if userID, _, err := s.slack.AuthTest(ctx); err == nil {
			s.slackBotUser = userID
		} else {
			slog.Warn("slack identity lookup failed", "error", err)
		}
	}
	s.identityReady = true
}

// SyncAll backfills every active anchored session. Per-session failure
// is logged and the batch continues.
func (s *Syncer) SyncAll(ctx context.Context) {
	s.resolveIdentities(ctx)

	sessions, _, err := s.db.ListSessions(store.SessionFilter{Status: store.StatusActive, Limit: 200})
	if err != nil {
		slog.Error("sync listing failed", "error", err)
		return
	}

	total := 0
	for i, sess := range sessions {
		n, err := s.SyncSession(ctx, sess)
		if err != nil {
			slog.Warn("session sync failed", "session", sess.Name, "error", err)
		}
		total += n
		if i < len(sessions)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.sessionPause):
			}
		}
	}

	s.bus.Publish(bus.NewEvent(bus.EventSyncComplete, map[string]any{
		"sessions": len(sessions),
		"inserted": total,
	}))
	if total > 0 {
		slog.Info("sync pass complete", "sessions", len(sessions), "inserted", total)
	}
}

// SyncSession backfills one session from every configured platform it
// is anchored to. Returns the number of new rows.
func (s *Syncer) SyncSession(ctx context.Context, sess *store.Session) (int, error) {
	s.resolveIdentities(ctx)
	total := 0

	if s.discord != nil && sess.DiscordThreadID != "" {
		cursor, err := s.db.LastSourceID(sess.Name, "discord")
		if err != nil {
			return total, err
		}
		batch, err := s.discord.FetchAfter(sess.DiscordThreadID, cursor)
		if err != nil {
			return total, err
		}
		n, err := s.msgs.IngestDiscordBatch(sess.Name, batch, s.discordBotID)
		total += n
		if err != nil {
			return total, err
		}
	}

	if s.slack != nil && sess.SlackThreadTS != "" {
		cursor, err := s.db.LastSourceID(sess.Name, "slack")
		if err != nil {
			return total, err
		}
		batch, err := s.slack.FetchReplies(ctx, sess.SlackThreadTS, cursor)
		if err != nil {
			return total, err
		}
		n, err := s.msgs.IngestSlackBatch(sess.Name, batch, s.slackBotUser)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
