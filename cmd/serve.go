package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/muxboard/internal/bus"
	"github.com/nextlevelbuilder/muxboard/internal/config"
	"github.com/nextlevelbuilder/muxboard/internal/messages"
	"github.com/nextlevelbuilder/muxboard/internal/platform"
	"github.com/nextlevelbuilder/muxboard/internal/reconcile"
	"github.com/nextlevelbuilder/muxboard/internal/remote"
	"github.com/nextlevelbuilder/muxboard/internal/server"
	"github.com/nextlevelbuilder/muxboard/internal/store"
	"github.com/nextlevelbuilder/muxboard/internal/syncer"
	"github.com/nextlevelbuilder/muxboard/internal/tmux"
	"github.com/nextlevelbuilder/muxboard/internal/transcript"
	"github.com/nextlevelbuilder/muxboard/internal/usage"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard control plane and its background workers",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.StorePath())
	if err != nil {
		slog.Error("store open failed", "path", cfg.StorePath(), "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bus.New()
	runner := remote.NewSSHRunner()
	svc := tmux.NewService(runner, cfg.SSHHosts)
	msgs := messages.NewService(db, b, cfg.Workers.MaxContentChars)

	srv := server.New(cfg, db, b, svc, msgs)

	// Platform REST clients are built once and shared between the
	// reconciler, the syncer, and thread cleanup on session delete.
	var discord *platform.Discord
	var slack *platform.Slack
	namer := platform.NewThreadNamer(cfg.Bridge.ThreadNameTemplate)
	if cfg.DiscordEnabled() {
		discord, err = platform.NewDiscord(cfg.Discord.BotToken, cfg.Discord.ChannelID, namer)
		if err != nil {
			slog.Error("discord client init failed", "error", err)
			os.Exit(1)
		}
	}
	if cfg.SlackEnabled() {
		slack = platform.NewSlack(cfg.Slack.BotToken, cfg.Slack.ChannelID, namer)
	}
	if discord != nil || slack != nil {
		srv.SetArchiver(&threadCleaner{discord: discord, slack: slack, mode: cfg.Bridge.ThreadCleanup})
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Workers.EnableSessionPoller {
		var resolver reconcile.ThreadResolver
		if discord != nil || slack != nil {
			resolver = &threadFinder{discord: discord, slack: slack}
		}
		rec := reconcile.New(db, svc, b, resolver, time.Duration(cfg.Workers.PollInterval)*time.Second)
		g.Go(func() error { return rec.Run(ctx) })
	}

	if cfg.Workers.EnableJSONLIngester {
		tailer := transcript.NewTailer(runner, db, msgs, cfg.Workers.JSONLTailLines)
		srv.SetTailer(tailer)
		interval := time.Duration(cfg.Workers.JSONLScanInterval) * time.Second
		g.Go(func() error { return runTailerLoop(ctx, db, tailer, interval) })
	}

	if discord != nil || slack != nil {
		var df syncer.DiscordFetcher
		var sf syncer.SlackFetcher
		if discord != nil {
			df = discord
		}
		if slack != nil {
			sf = slack
		}
		sy := syncer.New(db, msgs, b, df, sf, 0)
		srv.SetSyncer(sy)
		g.Go(func() error { return sy.Run(ctx) })
	}

	if cfg.Usage.EnablePoller || cfg.Usage.EnableCommandQueue {
		mon := usage.NewMonitor(db, b, usage.Options{
			Providers:      usageProviders(cfg),
			Sender:         svc,
			PollInterval:   time.Duration(cfg.Usage.PollInterval) * time.Second,
			RetentionHours: cfg.Usage.RetentionHours,
			QueueEnabled:   cfg.Usage.EnableCommandQueue,
		})
		if cfg.Usage.EnableCommandQueue {
			srv.SetQueue(mon)
		}
		if cfg.Usage.EnablePoller {
			g.Go(func() error { return mon.Run(ctx) })
		}
	}

	g.Go(func() error { return srv.Start(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("control plane exited", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

// runTailerLoop walks every open session on the scan interval and
// ingests new transcript lines. Per-session failures are logged and do
// not stop the loop.
func runTailerLoop(ctx context.Context, db *store.DB, tailer *transcript.Tailer, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		sessions, err := db.OpenSessions()
		if err != nil {
			slog.Error("transcript scan: list sessions", "error", err)
			continue
		}
		for _, sess := range sessions {
			n, err := tailer.IngestForSession(ctx, sess.Host, sess.Name, sess.WorkingDir)
			if err != nil {
				slog.Warn("transcript ingest failed", "session", sess.Name, "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("transcript ingested", "session", sess.Name, "messages", n)
			}
		}
	}
}

func usageProviders(cfg *config.Config) []usage.Provider {
	var out []usage.Provider
	if cfg.Usage.AnthropicAPIKey != "" {
		out = append(out, usage.Provider{
			Name:   "anthropic",
			APIKey: cfg.Usage.AnthropicAPIKey,
			Model:  cfg.Usage.PollModelAnthropic,
		})
	}
	if cfg.Usage.OpenAIAPIKey != "" {
		out = append(out, usage.Provider{
			Name:   "openai",
			APIKey: cfg.Usage.OpenAIAPIKey,
			Model:  cfg.Usage.PollModelOpenAI,
		})
	}
	return out
}

// threadCleaner archives or deletes a session's platform threads when
// the dashboard deletes the session.
type threadCleaner struct {
	discord *platform.Discord
	slack   *platform.Slack
	mode    string
}

func (c *threadCleaner) CleanupThreads(ctx context.Context, sess *store.Session) []string {
	cleaned := []string{}
	if c.discord != nil && sess.DiscordThreadID != "" {
		var err error
		if c.mode == "delete" {
			err = c.discord.DeleteThread(sess.DiscordThreadID)
		} else {
			err = c.discord.SetArchived(sess.DiscordThreadID, true)
		}
		if err != nil {
			slog.Warn("discord thread cleanup failed", "session", sess.Name, "error", err)
		} else {
			cleaned = append(cleaned, "discord")
		}
	}
	if c.slack != nil && sess.SlackThreadTS != "" {
		var err error
		if c.mode == "delete" {
			err = c.slack.Delete(ctx, sess.SlackThreadTS)
		} else {
			err = c.slack.Archive(ctx, sess.SlackThreadTS)
		}
		if err != nil {
			slog.Warn("slack thread cleanup failed", "session", sess.Name, "error", err)
		} else {
			cleaned = append(cleaned, "slack")
		}
	}
	return cleaned
}

// threadFinder locates existing platform threads for sessions the
// reconciler discovers, so anchors survive a database rebuild.
type threadFinder struct {
	discord *platform.Discord
	slack   *platform.Slack
}

func (f *threadFinder) ResolveThreads(ctx context.Context, session, host string) (discordThreadID, slackTS, slackChannel string) {
	if f.discord != nil {
		if th, err := f.discord.FindThread(session, host); err == nil && th != nil {
			discordThreadID = th.ID
		}
	}
	if f.slack != nil {
		if ts, err := f.slack.FindThreadTS(ctx, session); err == nil && ts != "" {
			slackTS = ts
			slackChannel = f.slack.ChannelID()
		}
	}
	return discordThreadID, slackTS, slackChannel
}
