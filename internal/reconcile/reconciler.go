// Package reconcile drives the session state machine: it diffs the live
// tmux sessions across hosts against the stored session table and emits
// lifecycle events for every transition.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/muxboard/internal/bus"
	"github.com/nextlevelbuilder/muxboard/internal/store"
	"github.com/nextlevelbuilder/muxboard/internal/tmux"
)

// ThreadResolver locates existing platform threads for a discovered
// session so its anchors are populated immediately. Optional.
type ThreadResolver interface {
	ResolveThreads(ctx context.Context, session, host string) (discordThreadID, slackTS, slackChannel string)
}

// Reconciler periodically reconciles live tmux sessions into the store.
type Reconciler struct {
	db       *store.DB
	tmux     *tmux.Service
	bus      bus.Publisher
	resolver ThreadResolver
	interval time.Duration
}

// New builds a Reconciler. resolver may be nil.
func New(db *store.DB, svc *tmux.Service, publisher bus.Publisher, resolver ThreadResolver, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{db: db, tmux: svc, bus: publisher, resolver: resolver, interval: interval}
}

// Run ticks until the context ends. A failed tick is logged and the
// loop continues; the reconciler itself never gives up.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.Tick(ctx); err != nil {
			slog.Error("reconcile tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one reconciliation pass.
func (r *Reconciler) Tick(ctx context.Context) error {
	live := r.tmux.ListAll(ctx)

	stored, err := r.db.OpenSessions()
	if err != nil {
		return err
	}
	storedByName := make(map[string]*store.Session, len(stored))
	for _, s := range stored {
		storedByName[s.Name] = s
	}

	for name, host := range live {
		if existing, ok := storedByName[name]; ok {
			r.reconcileLive(name, host, existing)
			continue
		}
		r.discover(ctx, name, host)
	}

	for name, s := range storedByName {
		if _, ok := live[name]; ok {
			continue
		}
		if s.Status != store.StatusActive {
			continue
		}
		if err := r.db.CloseSession(name); err != nil {
			slog.Warn("close failed", "name", name, "error", err)
			continue
		}
		slog.Info("session closed", "name", name, "host", s.Host)
		r.bus.Publish(bus.NewEvent(bus.EventSessionClosed, map[string]any{
			"name": name, "host": s.Host,
		}))
		if err := r.db.AppendEvent(bus.EventSessionClosed, name, map[string]any{"host": s.Host}); err != nil {
			slog.Warn("event audit write failed", "error", err)
		}
	}
	return nil
}

// discover inserts a newly seen live session. A close-then-recreate
// race can make the insert a no-op; the next tick handles it.
func (r *Reconciler) discover(ctx context.Context, name, host string) {
	inserted, err := r.db.InsertOrIgnoreSession(name, host, store.StatusActive, "")
	if err != nil {
		slog.Warn("discovery insert failed", "name", name, "error", err)
		return
	}
	if !inserted {
		return
	}

	fields := map[string]any{}
	if r.resolver != nil {
		discordID, slackTS, slackChan := r.resolver.ResolveThreads(ctx, name, host)
		if discordID != "" {
			fields["discord_thread_id"] = discordID
		}
		if slackTS != "" {
			fields["slack_thread_ts"] = slackTS
		}
		if slackChan != "" {
			fields["slack_channel_id"] = slackChan
		}
	}
	if cwd, err := r.tmux.Cwd(ctx, host, name); err == nil && cwd != "" {
		fields["working_dir"] = cwd
	}
	if len(fields) > 0 {
		if err := r.db.UpdateSessionFields(name, fields); err != nil {
			slog.Warn("discovery metadata update failed", "name", name, "error", err)
		}
	}

	slog.Info("session discovered", "name", name, "host", host)
	r.bus.Publish(bus.NewEvent(bus.EventSessionCreated, map[string]any{
		"name": name, "host": host,
	}))
	if err := r.db.AppendEvent(bus.EventSessionCreated, name, map[string]any{"host": host}); err != nil {
		slog.Warn("event audit write failed", "error", err)
	}
}

// reconcileLive updates a stored session that is still running. The
// update event fires only when status or host actually changed; the
// bump of updated_at alone stays quiet.
func (r *Reconciler) reconcileLive(name, host string, s *store.Session) {
	fields := map[string]any{}
	statusChanged := false
	if s.Status != store.StatusActive {
		fields["status"] = store.StatusActive
		statusChanged = true
	}
	hostChanged := host != s.Host
	if hostChanged {
		fields["host"] = host
		slog.Info("session moved hosts", "name", name, "from", s.Host, "to", host)
		if err := r.db.AppendEvent("session.host_changed", name, map[string]any{
			"from": s.Host, "to": host,
		}); err != nil {
			slog.Warn("event audit write failed", "error", err)
		}
	}

	if len(fields) == 0 {
		if err := r.db.TouchSession(name); err != nil {
			slog.Warn("touch failed", "name", name, "error", err)
		}
		return
	}
	if err := r.db.UpdateSessionFields(name, fields); err != nil {
		slog.Warn("session update failed", "name", name, "error", err)
		return
	}

	r.bus.Publish(bus.NewEvent(bus.EventSessionUpdated, map[string]any{
		"name": name, "host": host, "status": store.StatusActive,
	}))
	if statusChanged {
		r.bus.Publish(bus.NewEvent(bus.EventSessionStatusChanged, map[string]any{
			"name": name, "old": s.Status, "new": store.StatusActive,
		}))
	}
}
