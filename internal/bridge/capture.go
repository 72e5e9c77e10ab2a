package bridge

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// shellAllowList are the foreground process names worth polling after a
// send. Anything else is an interactive agent with its own notification
// pipeline; polling it would duplicate messages.
var shellAllowList = map[string]bool{
	"bash": true, "zsh": true, "sh": true, "fish": true,
	"dash": true, "ksh": true, "tcsh": true, "csh": true,
}

const (
	captureSettle   = 1 * time.Second
	capturePoll     = 1 * time.Second
	captureDeadline = 30 * time.Second
)

// Tunable from tests.
type captureTiming struct {
	settle   time.Duration
	poll     time.Duration
	deadline time.Duration
}

var defaultTiming = captureTiming{
	settle:   captureSettle,
	poll:     capturePoll,
	deadline: captureDeadline,
}

// captureOutput waits for the command sent to a shell session to
// finish, then returns the new pane output relative to the pre-send
// capture. ok is false when capture was abandoned.
func (c *Core) captureOutput(ctx context.Context, host, session, pre string) (string, bool) {
	return c.captureOutputTimed(ctx, host, session, pre, defaultTiming)
}

func (c *Core) captureOutputTimed(ctx context.Context, host, session, pre string, t captureTiming) (string, bool) {
	if !sleepCtx(ctx, t.settle) {
		return "", false
	}

	cmd, err := c.tmux.PaneCommand(ctx, host, session)
	if err != nil {
		slog.Warn("pane inspection failed", "session", session, "error", err)
		return "", false
	}
	if !shellAllowList[cmd] {
		slog.Debug("capture abandoned, agent in foreground", "session", session, "command", cmd)
		return "", false
	}

	// Stability heuristic: two consecutive identical captures means the
	// command is done printing.
	deadline := time.Now().Add(t.deadline)
	var last, current string
	for time.Now().Before(deadline) {
		current, err = c.tmux.CapturePane(ctx, host, session)
		if err != nil {
			slog.Warn("capture failed", "session", session, "error", err)
			return "", false
		}
		if current == last && last != "" {
			break
		}
		last = current
		if !sleepCtx(ctx, t.poll) {
			return "", false
		}
	}

	// The shell may have launched an agent while we were polling.
	if cmd, err = c.tmux.PaneCommand(ctx, host, session); err != nil || !shellAllowList[cmd] {
		slog.Debug("capture abandoned, foreground morphed", "session", session, "command", cmd)
		return "", false
	}

	return diffCapture(pre, current), true
}

// diffCapture strips the longest common line prefix of the pre-send
// capture from the post-send capture; the suffix is the new output.
func diffCapture(pre, post string) string {
	preLines := strings.Split(pre, "\n")
	postLines := strings.Split(post, "\n")

	common := 0
	for common < len(preLines) && common < len(postLines) && preLines[common] == postLines[common] {
		common++
	}
	out := strings.Join(postLines[common:], "\n")
	return strings.TrimSpace(out)
}

// FormatShellOutput redacts secrets, escapes embedded code fences, and
// wraps the output in a code block clipped to the platform ceiling.
func FormatShellOutput(out string, maxBytes int) string {
	out = Redact(out)
	out = strings.ReplaceAll(out, "```", "\\`\\`\\`")
	block := "```\n" + out + "\n```"
	if len(block) <= maxBytes {
		return block
	}
	// Leave room for the closing fence and marker.
	budget := maxBytes - len("\n...(truncated)\n```")
	if budget < 4 {
		budget = 4
	}
	clipped := block[:budget]
	for len(clipped) > 0 && clipped[len(clipped)-1]&0xC0 == 0x80 {
		clipped = clipped[:len(clipped)-1]
	}
	return clipped + "\n...(truncated)\n```"
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
