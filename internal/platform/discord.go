package platform

import (
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// Thread is a platform-neutral view of a located thread.
type Thread struct {
	ID       string
	Name     string
	Archived bool
}

// PlatformMessage is a platform-neutral fetched message, as handed to
// the message service for ingestion.
type PlatformMessage struct {
	ID        string
	AuthorID  string
	Author    string
	Bot       bool
	Content   string
	Timestamp string // ISO-8601 for Discord, Slack ts for Slack
}

// Discord wraps a discordgo session used purely for REST operations.
// The bridge holds its own gateway connection; this client never opens
// one.
type Discord struct {
	s         *discordgo.Session
	channelID string
	namer     *ThreadNamer

	// messagesPage fetches one page of channel messages; swappable so
	// pagination can be exercised without a live gateway.
	messagesPage func(channelID string, limit int, afterID string) ([]*discordgo.Message, error)
}

// NewDiscord builds the REST client for the configured parent channel.
func NewDiscord(token, channelID string, namer *ThreadNamer) (*Discord, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord client: %w", err)
	}
	d := &Discord{s: s, channelID: channelID, namer: namer}
	d.messagesPage = func(channelID string, limit int, afterID string) ([]*discordgo.Message, error) {
		return s.ChannelMessages(channelID, limit, "", afterID, "")
	}
	return d, nil
}

// ChannelID returns the configured parent channel.
func (d *Discord) ChannelID() string { return d.channelID }

// BotUserID resolves the bot's own user id for role detection.
func (d *Discord) BotUserID() (string, error) {
	u, err := d.s.User("@me")
	if err != nil {
		return "", fmt.Errorf("discord auth test: %w", err)
	}
	return u.ID, nil
}

// FindThread locates the thread for a session: active guild threads
// first, then archived ones, then thread metadata on recent channel
// messages.
func (d *Discord) FindThread(session, host string) (*Thread, error) {
	wanted := d.namer.Format(session, host)
	match := func(name string) bool {
		if name == wanted {
			return true
		}
		parsed, ok := d.namer.Parse(name)
		return ok && parsed == session
	}

	ch, err := d.s.Channel(d.channelID)
	if err != nil {
		return nil, fmt.Errorf("discord channel lookup: %w", err)
	}

	if active, err := d.s.GuildThreadsActive(ch.GuildID); err == nil {
		for _, th := range active.Threads {
			if th.ParentID == d.channelID && match(th.Name) {
				return &Thread{ID: th.ID, Name: th.Name}, nil
			}
		}
	} else {
		slog.Warn("active thread listing failed", "error", err)
	}

	if archived, err := d.s.ThreadsArchived(d.channelID, nil, 50); err == nil {
		for _, th := range archived.Threads {
			if match(th.Name) {
				return &Thread{ID: th.ID, Name: th.Name, Archived: true}, nil
			}
		}
	} else {
		slog.Warn("archived thread listing failed", "error", err)
	}

	msgs, err := d.s.ChannelMessages(d.channelID, 50, "", "", "")
	if err != nil {
		return nil, fmt.Errorf("discord channel messages: %w", err)
	}
	for _, m := range msgs {
		if m.Thread != nil && match(m.Thread.Name) {
			archived := m.Thread.ThreadMetadata != nil && m.Thread.ThreadMetadata.Archived
			return &Thread{ID: m.Thread.ID, Name: m.Thread.Name, Archived: archived}, nil
		}
	}
	return nil, nil
}

// CreateThread posts a starter message, opens a thread on it, and posts
// the welcome line inside. Returns the new thread id.
func (d *Discord) CreateThread(session, host, welcome string) (string, error) {
	name := d.namer.Format(session, host)
	starter, err := d.s.ChannelMessageSend(d.channelID, name)
	if err != nil {
		return "", fmt.Errorf("discord starter message: %w", err)
	}
	th, err := d.s.MessageThreadStartComplex(d.channelID, starter.ID, &discordgo.ThreadStart{
		Name:                name,
		AutoArchiveDuration: 10080,
	})
	if err != nil {
		return "", fmt.Errorf("discord thread start: %w", err)
	}
	if welcome != "" {
		if _, err := d.s.ChannelMessageSend(th.ID, Truncate(welcome, DiscordMaxBytes)); err != nil {
			slog.Warn("welcome message failed", "thread", th.ID, "error", err)
		}
	}
	return th.ID, nil
}

// SetArchived patches a thread's archived flag.
func (d *Discord) SetArchived(threadID string, archived bool) error {
	_, err := d.s.ChannelEditComplex(threadID, &discordgo.ChannelEdit{Archived: &archived})
	if err != nil {
		return fmt.Errorf("discord thread archive: %w", err)
	}
	return nil
}

// DeleteThread removes a thread channel outright.
func (d *Discord) DeleteThread(threadID string) error {
	if _, err := d.s.ChannelDelete(threadID); err != nil {
		return fmt.Errorf("discord thread delete: %w", err)
	}
	return nil
}

// Send posts content into a thread, truncated to the Discord ceiling.
func (d *Discord) Send(threadID, content string) error {
	if _, err := d.s.ChannelMessageSend(threadID, Truncate(content, DiscordMaxBytes)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// FetchAfter pages thread messages strictly after the cursor id and
// returns them oldest first. An empty cursor fetches from the start.
func (d *Discord) FetchAfter(threadID, afterID string) ([]PlatformMessage, error) {
	var out []PlatformMessage
	cursor := afterID
	if cursor == "" {
		// after=0 walks from the thread's oldest message. Omitting the
		// parameter would return only the newest page.
		cursor = "0"
	}
	for {
		batch, err := d.messagesPage(threadID, 100, cursor)
		if err != nil {
			return nil, fmt.Errorf("discord fetch: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		// The API returns newest first; reverse within the page.
		for i := len(batch) - 1; i >= 0; i-- {
			m := batch[i]
			out = append(out, PlatformMessage{
				ID:        m.ID,
				AuthorID:  m.Author.ID,
				Author:    m.Author.Username,
				Bot:       m.Author.Bot,
				Content:   m.Content,
				Timestamp: m.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
			})
		}
		cursor = out[len(out)-1].ID
		if len(batch) < 100 {
			break
		}
	}
	return out, nil
}
