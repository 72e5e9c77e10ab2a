package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/muxboard/internal/bridge"
	"github.com/nextlevelbuilder/muxboard/internal/remote"
	"github.com/nextlevelbuilder/muxboard/internal/tasks"
	"github.com/nextlevelbuilder/muxboard/internal/tmux"
)

func bridgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Run a chat platform bridge",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "discord",
		Short: "Bridge tmux sessions to Discord threads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge("discord")
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "slack",
		Short: "Bridge tmux sessions to Slack threads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge("slack")
		},
	})
	return cmd
}

func runBridge(name string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	svc := tmux.NewService(remote.NewSSHRunner(), cfg.SSHHosts)
	tracker := tasks.NewTracker()

	var runner interface {
		Run(ctx context.Context) error
	}
	switch name {
	case "discord":
		if !cfg.DiscordEnabled() {
			return fmt.Errorf("discord bridge needs DISCORD_BOT_TOKEN and a channel_id")
		}
		runner, err = bridge.NewDiscordBridge(cfg, svc, tracker)
	case "slack":
		if !cfg.SlackEnabled() || cfg.Slack.AppToken == "" {
			return fmt.Errorf("slack bridge needs SLACK_BOT_TOKEN, SLACK_APP_TOKEN and a channel_id")
		}
		runner, err = bridge.NewSlackBridge(cfg, svc, tracker)
	}
	if err != nil {
		return fmt.Errorf("%s bridge init: %w", name, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s bridge: %w", name, err)
	}
	return nil
}
