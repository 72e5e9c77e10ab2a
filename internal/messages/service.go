// Package messages is the single ingestion funnel: bridge webhooks,
// platform backfills, and transcript lines all land here, get a dedup
// fingerprint, and go into the store with insert-or-ignore semantics.
// A replayed message is the common case, not a failure.
package messages

import (
	"crypto/sha256"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/muxboard/internal/bus"
	"github.com/nextlevelbuilder/muxboard/internal/platform"
	"github.com/nextlevelbuilder/muxboard/internal/store"
)

// ContentTruncatedMarker is appended when stored content is cut to the
// configured ceiling.
const ContentTruncatedMarker = "\n...(content truncated)"

// DedupHash derives the fingerprint that makes ingestion idempotent.
// Platform-stable ids dominate; transcript rows fall back to
// content-addressed identity over the first 200 characters.
func DedupHash(session, source, sourceID, content string) string {
	var key string
	if sourceID != "" {
		key = source + ":" + sourceID
	} else {
		r := []rune(content)
		if len(r) > 200 {
			r = r[:200]
		}
		key = session + ":" + source + ":" + string(r)
	}
	return fmt.Sprintf("%x", sha256.Sum256([]byte(key)))
}

// Entry is one parsed transcript line ready for ingestion.
type Entry struct {
	Role      string
	Content   string
	Timestamp string
}

// BridgeEvent is the webhook payload a bridge posts after relaying.
type BridgeEvent struct {
	Type         string `json:"type"`
	SessionName  string `json:"session_name"`
	Platform     string `json:"platform"`
	Content      string `json:"content"`
	Role         string `json:"role"`
	SourceID     string `json:"source_id"`
	SourceAuthor string `json:"source_author"`
	Timestamp    string `json:"timestamp"`
}

// Service persists messages and announces them on the bus.
type Service struct {
	db         *store.DB
	bus        bus.Publisher
	maxContent int
}

// NewService builds the ingestion service. maxContent bounds stored
// content length; zero means no ceiling.
func NewService(db *store.DB, publisher bus.Publisher, maxContent int) *Service {
	return &Service{db: db, bus: publisher, maxContent: maxContent}
}

func (s *Service) clip(content string) string {
	if s.maxContent <= 0 || len(content) <= s.maxContent {
		return content
	}
	r := []rune(content)
	if len(r) > s.maxContent {
		r = r[:s.maxContent]
	}
	return string(r) + ContentTruncatedMarker
}

// IngestBridgeEvent handles one webhook event. Typing transitions are
// re-published and not persisted. Errors never propagate to the bridge;
// the audit row is written regardless of outcome.
func (s *Service) IngestBridgeEvent(ev BridgeEvent) {
	switch ev.Type {
	case bus.EventTypingStart, bus.EventTypingStop:
		s.bus.Publish(bus.NewEvent(ev.Type, map[string]any{"session_name": ev.SessionName}))
		return
	}

	defer func() {
		if err := s.db.AppendEvent(ev.Type, ev.SessionName, map[string]any{
			"platform": ev.Platform,
			"source":   ev.SourceID,
		}); err != nil {
			slog.Warn("event audit write failed", "type", ev.Type, "error", err)
		}
	}()

	if ev.Content == "" {
		return
	}
	exists, err := s.db.SessionExists(ev.SessionName)
	if err != nil {
		slog.Warn("session lookup failed", "session", ev.SessionName, "error", err)
		return
	}
	if !exists {
		slog.Warn("ingest for unknown session skipped", "session", ev.SessionName, "platform", ev.Platform)
		return
	}

	role := ev.Role
	if !store.ValidRoles[role] {
		role = store.RoleUser
	}
	content := s.clip(ev.Content)
	m := &store.Message{
		SessionName:  ev.SessionName,
		Role:         role,
		Content:      content,
		Source:       ev.Platform,
		SourceID:     ev.SourceID,
		SourceAuthor: ev.SourceAuthor,
		Timestamp:    ev.Timestamp,
		DedupHash:    DedupHash(ev.SessionName, ev.Platform, ev.SourceID, content),
	}
	inserted, err := s.db.InsertMessage(m)
	if err != nil {
		slog.Warn("bridge message insert failed", "session", ev.SessionName, "error", err)
		return
	}
	if inserted {
		s.publishNew(m)
	}
}

// IngestDiscordBatch stores fetched Discord thread messages. Role
// detection: the bot's own messages are assistant, other bots are
// system, humans are user. Returns the number of new rows.
func (s *Service) IngestDiscordBatch(session string, msgs []platform.PlatformMessage, botUserID string) (int, error) {
	count := 0
	for _, pm := range msgs {
		if pm.Content == "" {
			continue
		}
		role := store.RoleUser
		if pm.Bot {
			if botUserID != "" && pm.AuthorID == botUserID {
				role = store.RoleAssistant
			} else {
				role = store.RoleSystem
			}
		}
		content := s.clip(pm.Content)
		m := &store.Message{
			SessionName:  session,
			Role:         role,
			Content:      content,
			Source:       "discord",
			SourceID:     pm.ID,
			SourceAuthor: pm.Author,
			Timestamp:    pm.Timestamp,
			DedupHash:    DedupHash(session, "discord", pm.ID, content),
		}
		inserted, err := s.db.InsertMessage(m)
		if err != nil {
			return count, err
		}
		if inserted {
			count++
			s.publishNew(m)
		}
	}
	return count, nil
}

// IngestSlackBatch stores fetched Slack thread replies. A bot message is
// assistant only when it comes from our own bot user; other bots are
// system. Slack ts values become ISO timestamps.
func (s *Service) IngestSlackBatch(session string, msgs []platform.SlackMessage, botUserID string) (int, error) {
	count := 0
	for _, sm := range msgs {
		if sm.Text == "" {
			continue
		}
		role := store.RoleUser
		if sm.BotID != "" || sm.Subtype == "bot_message" {
			if botUserID != "" && sm.User == botUserID {
				role = store.RoleAssistant
			} else {
				role = store.RoleSystem
			}
		}
		content := s.clip(sm.Text)
		m := &store.Message{
			SessionName:  session,
			Role:         role,
			Content:      content,
			Source:       "slack",
			SourceID:     sm.TS,
			SourceAuthor: sm.User,
			Timestamp:    platform.SlackTSToISO(sm.TS),
			DedupHash:    DedupHash(session, "slack", sm.TS, content),
		}
		inserted, err := s.db.InsertMessage(m)
		if err != nil {
			return count, err
		}
		if inserted {
			count++
			s.publishNew(m)
		}
	}
	return count, nil
}

// IngestTranscript stores parsed transcript entries. These have no
// platform id, so dedup is content-addressed.
func (s *Service) IngestTranscript(session string, entries []Entry) (int, error) {
	count := 0
	for _, e := range entries {
		if e.Content == "" {
			continue
		}
		role := e.Role
		if !store.ValidRoles[role] {
			role = store.RoleSystem
		}
		content := s.clip(e.Content)
		m := &store.Message{
			SessionName: session,
			Role:        role,
			Content:     content,
			Source:      "transcript",
			Timestamp:   e.Timestamp,
			DedupHash:   DedupHash(session, "transcript", "", content),
		}
		inserted, err := s.db.InsertMessage(m)
		if err != nil {
			return count, err
		}
		if inserted {
			count++
			s.publishNew(m)
		}
	}
	return count, nil
}

func (s *Service) publishNew(m *store.Message) {
	s.bus.Publish(bus.NewEvent(bus.EventMessageNew, map[string]any{
		"session_name": m.SessionName,
		"id":           m.ID,
		"role":         m.Role,
		"content":      m.Content,
		"source":       m.Source,
		"timestamp":    m.Timestamp,
	}))
}
