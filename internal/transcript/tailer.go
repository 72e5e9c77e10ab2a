package transcript

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/muxboard/internal/messages"
	"github.com/nextlevelbuilder/muxboard/internal/remote"
	"github.com/nextlevelbuilder/muxboard/internal/store"
)

// DefaultTailLines bounds how much of the transcript one pass reads.
const DefaultTailLines = 500

// Tailer incrementally ingests the newest transcript file per session.
// A per-session high-watermark (hash of the last observed line) elides
// the already-ingested prefix between passes.
type Tailer struct {
	runner    remote.Runner
	db        *store.DB
	msgs      *messages.Service
	tailLines int
}

// NewTailer builds a Tailer. tailLines <= 0 means the default.
func NewTailer(runner remote.Runner, db *store.DB, msgs *messages.Service, tailLines int) *Tailer {
	if tailLines <= 0 {
		tailLines = DefaultTailLines
	}
	return &Tailer{runner: runner, db: db, msgs: msgs, tailLines: tailLines}
}

func lineHash(line string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(line)))
}

// IngestForSession finds the session's latest transcript file on its
// host, tails it, and persists lines past the watermark. Returns the
// number of newly stored messages.
func (t *Tailer) IngestForSession(ctx context.Context, host, session, cwd string) (int, error) {
	if cwd == "" {
		return 0, nil
	}
	dir := "~/.claude/projects/" + SanitizeCwd(cwd)

	// ~ expands on the remote side, so the glob stays unquoted.
	res, err := t.runner.Run(ctx, host, fmt.Sprintf("ls -t %s/*.jsonl 2>/dev/null | head -1", dir))
	if err != nil {
		return 0, fmt.Errorf("transcript discovery for %s: %w", session, err)
	}
	file := strings.TrimSpace(res.Stdout)
	if file == "" {
		return 0, nil
	}

	res, err = t.runner.Run(ctx, host, fmt.Sprintf("tail -n %d %s", t.tailLines, remote.Quote(file)))
	if err != nil {
		return 0, fmt.Errorf("transcript tail for %s: %w", session, err)
	}
	lines := strings.Split(strings.TrimRight(res.Stdout, "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return 0, nil
	}

	key := store.KVTranscriptPrefix + session
	watermark, _, err := t.db.GetKV(key)
	if err != nil {
		return 0, err
	}

	fresh := lines
	if watermark != "" {
		for i := len(lines) - 1; i >= 0; i-- {
			if lineHash(lines[i]) == watermark {
				fresh = lines[i+1:]
				break
			}
		}
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	entries := ParseLines(fresh)
	n, err := t.msgs.IngestTranscript(session, entries)
	if err != nil {
		return n, err
	}

	last := lines[len(lines)-1]
	if err := t.db.SetKV(key, lineHash(last)); err != nil {
		slog.Warn("watermark update failed", "session", session, "error", err)
	}
	return n, nil
}
