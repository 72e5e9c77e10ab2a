// Package bridge implements the chat-side processes: one per platform,
// each holding a gateway connection, dispatching the ! command family,
// and forwarding thread utterances into tmux sessions.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/muxboard/internal/config"
	"github.com/nextlevelbuilder/muxboard/internal/platform"
	"github.com/nextlevelbuilder/muxboard/internal/tasks"
	"github.com/nextlevelbuilder/muxboard/internal/tmux"
)

// Platform is the slice of a chat platform the shared bridge core
// drives. Thread ids are platform-native (Discord channel id, Slack
// thread ts).
type Platform interface {
	Name() string
	MaxBytes() int
	CreateThread(ctx context.Context, session, host string) (threadID string, err error)
	SendToThread(ctx context.Context, threadID, text string) error
	ArchiveThread(ctx context.Context, threadID string) error
	DeleteThread(ctx context.Context, threadID string) error
	// ActiveThreads maps session name to thread id for every live
	// thread whose name parses under the thread template.
	ActiveThreads(ctx context.Context) (map[string]string, error)
}

// Core is the platform-independent half of a bridge.
type Core struct {
	cfg      *config.Config
	tmux     *tmux.Service
	plat     Platform
	tracker  *tasks.Tracker
	webhook  *WebhookClient
	namer    *platform.ThreadNamer
	queueAPI *queueClient
}

// NewCore wires the shared bridge logic for one platform.
func NewCore(cfg *config.Config, svc *tmux.Service, plat Platform, tracker *tasks.Tracker) (*Core, error) {
	return &Core{
		cfg:      cfg,
		tmux:     svc,
		plat:     plat,
		tracker:  tracker,
		webhook:  NewWebhookClient(cfg.DashboardURL()),
		namer:    platform.NewThreadNamer(cfg.Bridge.ThreadNameTemplate),
		queueAPI: newQueueClient(cfg.DashboardURL(), cfg.Dashboard.Token),
	}, nil
}

// HandleCommand dispatches one ! command. reply posts into the channel
// the command came from.
func (c *Core) HandleCommand(ctx context.Context, text string, reply func(string)) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return
	}
	switch fields[0] {
	case "!new":
		c.cmdNew(ctx, fields[1:], reply)
	case "!kill":
		c.cmdKill(ctx, fields[1:], reply)
	case "!sessions", "!ls":
		c.cmdSessions(ctx, reply)
	case "!queue":
		c.cmdQueue(ctx, fields[1:], reply)
	default:
		reply("Unknown command. Try `!new`, `!kill`, `!sessions` or `!queue`.")
	}
}

func (c *Core) cmdNew(ctx context.Context, args []string, reply func(string)) {
	if len(args) == 0 {
		reply("Usage: `!new NAME [HOST] [CWD]`")
		return
	}
	name := args[0]
	if !config.ValidSessionName(name) {
		reply(fmt.Sprintf("Invalid session name `%s`. Use letters, digits, `-` and `_`, at most 64 characters.", name))
		return
	}
	host := c.cfg.DefaultHost()
	if len(args) > 1 {
		host = args[1]
	}
	if !c.cfg.HasHost(host) {
		reply(fmt.Sprintf("Unknown host `%s`. Configured hosts: %s.", host, strings.Join(c.cfg.SSHHosts, ", ")))
		return
	}
	cwd := ""
	if len(args) > 2 {
		cwd = args[2]
	}

	if existing, ok := c.tmux.FindHost(ctx, name); ok {
		reply(fmt.Sprintf("Session `%s` already exists on `%s`.", name, existing))
		return
	}
	if err := c.tmux.Create(ctx, host, name, cwd); err != nil {
		reply(fmt.Sprintf("Failed to create `%s` on `%s`: %v", name, host, err))
		return
	}

	if agent := c.cfg.Bridge.NewSessionAgent; agent != "" {
		if err := c.tmux.Send(ctx, host, name, agent); err != nil {
			slog.Warn("agent auto-launch failed", "session", name, "agent", agent, "error", err)
		}
	}

	threadID, err := c.plat.CreateThread(ctx, name, host)
	if err != nil {
		slog.Warn("thread creation failed", "session", name, "error", err)
		reply(fmt.Sprintf("Created `%s` on `%s`, but the thread could not be created: %v", name, host, err))
		return
	}
	slog.Info("session created", "name", name, "host", host, "thread", threadID)
	reply(fmt.Sprintf("Created session `%s` on `%s`.", name, host))
}

func (c *Core) cmdKill(ctx context.Context, args []string, reply func(string)) {
	if len(args) == 0 {
		reply("Usage: `!kill NAME`")
		return
	}
	name := args[0]
	if !config.ValidSessionName(name) {
		reply(fmt.Sprintf("Invalid session name `%s`.", name))
		return
	}
	host, ok := c.tmux.FindHost(ctx, name)
	if !ok {
		reply(fmt.Sprintf("Session `%s` not found on any host.", name))
		return
	}
	if err := c.tmux.Kill(ctx, host, name); err != nil {
		reply(fmt.Sprintf("Failed to kill `%s` on `%s`: %v", name, host, err))
		return
	}

	if threads, err := c.plat.ActiveThreads(ctx); err == nil {
		if threadID, ok := threads[name]; ok {
			var cleanupErr error
			if c.cfg.Bridge.ThreadCleanup == "delete" {
				cleanupErr = c.plat.DeleteThread(ctx, threadID)
			} else {
				cleanupErr = c.plat.ArchiveThread(ctx, threadID)
			}
			if cleanupErr != nil {
				slog.Warn("thread cleanup failed", "session", name, "error", cleanupErr)
			}
		}
	}

	c.webhook.Emit(ctx, "session.killed", name, map[string]any{"host": host})
	slog.Info("session killed", "name", name, "host", host)
	reply(fmt.Sprintf("Killed session `%s` on `%s`.", name, host))
}

// cmdSessions cross-references live tmux sessions with platform
// threads and reports the sync state per name.
func (c *Core) cmdSessions(ctx context.Context, reply func(string)) {
	live := c.tmux.ListAll(ctx)
	threads, err := c.plat.ActiveThreads(ctx)
	if err != nil {
		slog.Warn("thread listing failed", "error", err)
		threads = map[string]string{}
	}

	names := map[string]bool{}
	for n := range live {
		names[n] = true
	}
	for n := range threads {
		names[n] = true
	}
	if len(names) == 0 {
		reply("No sessions running and no threads open.")
		return
	}

	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	var b strings.Builder
	b.WriteString("Sessions:\n")
	for _, n := range sorted {
		host, isLive := live[n]
		_, hasThread := threads[n]
		switch {
		case isLive && hasThread:
			fmt.Fprintf(&b, "- `%s` on `%s` (synced)\n", n, host)
		case isLive:
			fmt.Fprintf(&b, "- `%s` on `%s` (no thread)\n", n, host)
		default:
			fmt.Fprintf(&b, "- `%s` (orphan thread)\n", n)
		}
	}
	reply(strings.TrimRight(b.String(), "\n"))
}

func (c *Core) cmdQueue(ctx context.Context, args []string, reply func(string)) {
	switch {
	case len(args) == 0:
		out, err := c.queueAPI.List(ctx)
		if err != nil {
			reply(fmt.Sprintf("Queue listing failed: %v", err))
			return
		}
		reply(out)
	case args[0] == "add":
		if len(args) < 3 {
			reply("Usage: `!queue add NAME COMMAND`")
			return
		}
		name := args[1]
		command := strings.Join(args[2:], " ")
		host := c.cfg.DefaultHost()
		if found, ok := c.tmux.FindHost(ctx, name); ok {
			host = found
		}
		if err := c.queueAPI.Add(ctx, name, host, command); err != nil {
			reply(fmt.Sprintf("Queueing failed: %v", err))
			return
		}
		reply(fmt.Sprintf("Queued for `%s`: `%s`", name, command))
	case args[0] == "execute":
		if err := c.queueAPI.Execute(ctx); err != nil {
			reply(fmt.Sprintf("Execution failed: %v", err))
			return
		}
		reply("Queue execution started.")
	default:
		reply("Usage: `!queue [add NAME COMMAND | execute]`")
	}
}

// ForwardMessage delivers a thread utterance into its session and
// schedules the output capture. reply posts back into the thread.
func (c *Core) ForwardMessage(ctx context.Context, session, content string, reply func(string)) {
	host, ok := c.tmux.FindHost(ctx, session)
	if !ok {
		reply(fmt.Sprintf("Failed to send to `%s`. The session may have exited.", session))
		return
	}

	// The pre-send capture anchors the output diff.
	pre, err := c.tmux.CapturePane(ctx, host, session)
	if err != nil {
		slog.Warn("pre-send capture failed", "session", session, "error", err)
		pre = ""
	}

	if err := c.tmux.Send(ctx, host, session, content); err != nil {
		slog.Warn("forward failed", "session", session, "host", host, "error", err)
		reply(fmt.Sprintf("Failed to send to `%s` on `%s`. The session may have exited.", session, host))
		return
	}

	c.webhook.Emit(ctx, "message.relayed", session, map[string]any{
		"platform": c.plat.Name(),
		"content":  content,
		"role":     "user",
	})

	c.tracker.Go(ctx, "capture-"+session, func(taskCtx context.Context) error {
		out, ok := c.captureOutput(taskCtx, host, session, pre)
		if !ok || out == "" {
			return nil
		}
		out = FormatShellOutput(out, c.plat.MaxBytes())
		reply(out)
		c.webhook.Emit(taskCtx, "message.relayed", session, map[string]any{
			"platform": c.plat.Name(),
			"content":  out,
			"role":     "system",
		})
		return nil
	})
}
