package usage

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/muxboard/internal/bus"
	"github.com/nextlevelbuilder/muxboard/internal/store"
)

// Enqueue defers a command for a session until quota returns.
func (m *Monitor) Enqueue(session, host, command string, priority int) (*store.QueuedCommand, error) {
	c, err := m.db.EnqueueCommand(session, host, command, priority)
	if err != nil {
		return nil, err
	}
	slog.Info("command queued", "id", c.ID, "session", session, "priority", priority)
	m.bus.Publish(bus.NewEvent(bus.EventCommandQueued, map[string]any{
		"id": c.ID, "session_name": session, "host": host,
	}))
	return c, nil
}

// Cancel cancels a pending entry.
func (m *Monitor) Cancel(id string) error {
	return m.db.CancelCommand(id)
}

// ExecutePending drains pending entries in order, sending each into its
// tmux session. One failing entry is marked failed and the drain moves
// on; commands run sequentially so a session receives them in order.
func (m *Monitor) ExecutePending(ctx context.Context) {
	if m.sender == nil {
		return
	}
	pending, err := m.db.PendingCommands()
	if err != nil {
		slog.Error("pending command listing failed", "error", err)
		return
	}
	for _, c := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := m.db.MarkCommandExecuting(c.ID); err != nil {
			// Raced with a cancel; skip.
			continue
		}
		if err := m.sender.Send(ctx, c.Host, c.SessionName, c.Command); err != nil {
			slog.Warn("queued command failed", "id", c.ID, "session", c.SessionName, "error", err)
			if dbErr := m.db.MarkCommandFailed(c.ID, err.Error()); dbErr != nil {
				slog.Error("command state update failed", "id", c.ID, "error", dbErr)
			}
			m.bus.Publish(bus.NewEvent(bus.EventCommandFailed, map[string]any{
				"id": c.ID, "session_name": c.SessionName, "error": err.Error(),
			}))
			continue
		}
		if err := m.db.MarkCommandCompleted(c.ID); err != nil {
			slog.Error("command state update failed", "id", c.ID, "error", err)
		}
		slog.Info("queued command executed", "id", c.ID, "session", c.SessionName)
		m.bus.Publish(bus.NewEvent(bus.EventCommandExecuted, map[string]any{
			"id": c.ID, "session_name": c.SessionName, "host": c.Host,
		}))
	}
}
