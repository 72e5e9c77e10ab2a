package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/muxboard/internal/config"
	"github.com/nextlevelbuilder/muxboard/internal/platform"
	"github.com/nextlevelbuilder/muxboard/internal/tasks"
	"github.com/nextlevelbuilder/muxboard/internal/tmux"
)

// DiscordBridge holds the gateway connection and routes messages from
// the configured channel and its threads.
type DiscordBridge struct {
	core      *Core
	gw        *discordgo.Session
	channelID string
	namer     *platform.ThreadNamer
	tracker   *tasks.Tracker
	botID     string
}

// discordPlatform adapts the Discord REST surface to the bridge core.
type discordPlatform struct {
	rest      *platform.Discord
	gw        *discordgo.Session
	channelID string
	namer     *platform.ThreadNamer
}

func (p *discordPlatform) Name() string  { return "discord" }
func (p *discordPlatform) MaxBytes() int { return platform.DiscordMaxBytes }

func (p *discordPlatform) CreateThread(_ context.Context, session, host string) (string, error) {
	welcome := fmt.Sprintf("Session `%s` on `%s`. Messages here are forwarded to the tmux session.", session, host)
	return p.rest.CreateThread(session, host, welcome)
}

func (p *discordPlatform) SendToThread(_ context.Context, threadID, text string) error {
	return p.rest.Send(threadID, text)
}

func (p *discordPlatform) ArchiveThread(_ context.Context, threadID string) error {
	return p.rest.SetArchived(threadID, true)
}

func (p *discordPlatform) DeleteThread(_ context.Context, threadID string) error {
	return p.rest.DeleteThread(threadID)
}

func (p *discordPlatform) ActiveThreads(_ context.Context) (map[string]string, error) {
	ch, err := p.gw.Channel(p.channelID)
	if err != nil {
		return nil, fmt.Errorf("discord channel lookup: %w", err)
	}
	active, err := p.gw.GuildThreadsActive(ch.GuildID)
	if err != nil {
		return nil, fmt.Errorf("discord thread listing: %w", err)
	}
	out := map[string]string{}
	for _, th := range active.Threads {
		if th.ParentID != p.channelID {
			continue
		}
		if session, ok := p.namer.Parse(th.Name); ok {
			out[session] = th.ID
		}
	}
	return out, nil
}

// NewDiscordBridge wires the gateway session, the REST client and the
// shared core. Credentials must already be validated by the caller.
func NewDiscordBridge(cfg *config.Config, svc *tmux.Service, tracker *tasks.Tracker) (*DiscordBridge, error) {
	namer := platform.NewThreadNamer(cfg.Bridge.ThreadNameTemplate)
	rest, err := platform.NewDiscord(cfg.Discord.BotToken, cfg.Discord.ChannelID, namer)
	if err != nil {
		return nil, err
	}
	gw, err := discordgo.New("Bot " + cfg.Discord.BotToken)
	if err != nil {
		return nil, fmt.Errorf("discord gateway: %w", err)
	}
	gw.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent

	plat := &discordPlatform{rest: rest, gw: gw, channelID: cfg.Discord.ChannelID, namer: namer}
	core, err := NewCore(cfg, svc, plat, tracker)
	if err != nil {
		return nil, err
	}

	b := &DiscordBridge{
		core:      core,
		gw:        gw,
		channelID: cfg.Discord.ChannelID,
		namer:     namer,
		tracker:   tracker,
	}
	gw.AddHandler(b.onMessage)
	gw.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		b.botID = r.User.ID
		slog.Info("discord gateway ready", "user", r.User.Username)
	})
	return b, nil
}

// Run opens the gateway and blocks until the context ends. discordgo
// reconnects internally with backoff.
func (b *DiscordBridge) Run(ctx context.Context) error {
	if err := b.gw.Open(); err != nil {
		return fmt.Errorf("discord gateway open: %w", err)
	}
	slog.Info("discord bridge running", "channel", b.channelID)
	<-ctx.Done()
	b.tracker.Wait()
	return b.gw.Close()
}

// onMessage routes a gateway dispatch: commands from the parent
// channel, forwards from session threads. Every handler runs as a
// tracked task so a slow remote never stalls the gateway reader.
func (b *DiscordBridge) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Content == "" {
		return
	}

	if m.ChannelID == b.channelID {
		if !strings.HasPrefix(m.Content, "!") {
			return
		}
		content := m.Content
		b.tracker.Go(context.Background(), "discord-command", func(ctx context.Context) error {
			b.core.HandleCommand(ctx, content, func(text string) {
				if _, err := s.ChannelMessageSend(b.channelID, platform.Truncate(text, platform.DiscordMaxBytes)); err != nil {
					slog.Warn("command reply failed", "error", err)
				}
			})
			return nil
		})
		return
	}

	// Thread traffic: only threads under the configured channel whose
	// name parses as a session thread.
	ch, err := s.Channel(m.ChannelID)
	if err != nil || !ch.IsThread() || ch.ParentID != b.channelID {
		return
	}
	session, ok := b.namer.Parse(ch.Name)
	if !ok {
		return
	}

	threadID := m.ChannelID
	content := m.Content
	b.tracker.Go(context.Background(), "discord-forward-"+session, func(ctx context.Context) error {
		b.core.ForwardMessage(ctx, session, content, func(text string) {
			if _, err := s.ChannelMessageSend(threadID, platform.Truncate(text, platform.DiscordMaxBytes)); err != nil {
				slog.Warn("thread reply failed", "error", err)
			}
		})
		return nil
	})
}
