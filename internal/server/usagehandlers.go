package server

import (
	"net/http"

	"github.com/nextlevelbuilder/muxboard/internal/config"
	"github.com/nextlevelbuilder/muxboard/internal/store"
)

func (s *Server) handleUsageCurrent(w http.ResponseWriter, r *http.Request) {
	latest, err := s.db.LatestSnapshots()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"usage": latest})
}

func (s *Server) handleUsageHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.db.UsageHistory(queryInt(r, "hours", 24))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	if history == nil {
		history = []*store.UsageSnapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": history})
}

// handleUsageSummary reduces the latest snapshot per provider to the
// remaining/limit pairs the dashboard header renders.
func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	latest, err := s.db.LatestSnapshots()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	summary := map[string]any{}
	for provider, snap := range latest {
		entry := map[string]any{"status_code": snap.PollStatusCode, "polled_at": snap.CreatedAt}
		if snap.RequestsRemaining != nil {
			entry["requests_remaining"] = *snap.RequestsRemaining
		}
		if snap.RequestsLimit != nil {
			entry["requests_limit"] = *snap.RequestsLimit
		}
		if snap.TokensRemaining != nil {
			entry["tokens_remaining"] = *snap.TokensRemaining
		}
		if snap.TokensLimit != nil {
			entry["tokens_limit"] = *snap.TokensLimit
		}
		summary[provider] = entry
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
}

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "DISABLED", "command queue is not enabled")
		return
	}
	cmds, err := s.db.ListCommands(r.URL.Query().Get("status"), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	if cmds == nil {
		cmds = []*store.QueuedCommand{}
	}
	stats, _ := s.db.QueueStats()
	writeJSON(w, http.StatusOK, map[string]any{"commands": cmds, "stats": stats})
}

func (s *Server) handleQueueAdd(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "DISABLED", "command queue is not enabled")
		return
	}
	var req struct {
		SessionName string `json:"session_name"`
		Host        string `json:"host"`
		Command     string `json:"command"`
		Priority    int    `json:"priority"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionName == "" || req.Command == "" {
		writeError(w, http.StatusBadRequest, "MISSING_NAME", "session_name and command are required")
		return
	}
	if !config.ValidSessionName(req.SessionName) {
		writeError(w, http.StatusBadRequest, "INVALID_NAME", "invalid session name")
		return
	}
	if req.Host == "" {
		if sess, err := s.db.GetSession(req.SessionName); err == nil {
			req.Host = sess.Host
		} else {
			req.Host = s.cfg.DefaultHost()
		}
	}
	cmd, err := s.queue.Enqueue(req.SessionName, req.Host, req.Command, req.Priority)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, cmd)
}

func (s *Server) handleQueueCancel(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "DISABLED", "command queue is not enabled")
		return
	}
	if err := s.queue.Cancel(r.PathValue("id")); err == store.ErrNotPending {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no pending command with that id")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func (s *Server) handleQueueExecute(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "DISABLED", "command queue is not enabled")
		return
	}
	s.queue.ExecutePending(r.Context())
	stats, _ := s.db.QueueStats()
	writeJSON(w, http.StatusOK, map[string]any{"executed": true, "stats": stats})
}
