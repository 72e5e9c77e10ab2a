package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/muxboard/internal/store"
)

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if len([]rune(q)) < 2 {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "query must be at least 2 characters")
		return
	}
	results, err := s.db.SearchMessages(q, r.URL.Query().Get("session"), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	if results == nil {
		results = []*store.SearchResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "query": q})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	byStatus, err := s.db.SessionCountsByStatus()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	byHost, err := s.db.SessionCountsByHost()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	total := 0
	for _, n := range byStatus {
		total += n
	}

	totalMsgs, _ := s.db.TotalMessages()
	bySource, _ := s.db.MessagesBySource()
	cutoff := time.Now().UTC().Add(-24 * time.Hour).Format(time.RFC3339)
	recent, _ := s.db.MessagesSince(cutoff)

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": map[string]any{
			"total":     total,
			"by_status": byStatus,
			"by_host":   byHost,
		},
		"messages": map[string]any{
			"total":     totalMsgs,
			"by_source": bySource,
			"last_24h":  recent,
		},
	})
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.db.RecentEvents(queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	if events == nil {
		events = []*store.EventRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// defaultPreferences enumerate the browser preference keys and their
// defaults. Writes outside this set are rejected.
var defaultPreferences = map[string]string{
	"theme":                 "dark",
	"sidebar_collapsed":     "false",
	"message_font_size":     "medium",
	"notifications_enabled": "true",
	"auto_scroll":           "true",
	"show_system_messages":  "true",
	"compact_mode":          "false",
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	stored, err := s.db.KVByPrefix(store.KVPrefPrefix)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	prefs := map[string]string{}
	for k, v := range defaultPreferences {
		prefs[k] = v
	}
	for k, v := range stored {
		if _, known := defaultPreferences[k]; known {
			prefs[k] = v
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"preferences": prefs})
}

func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if !decodeJSON(w, r, &req) {
		return
	}
	for k := range req {
		if _, known := defaultPreferences[k]; !known {
			writeError(w, http.StatusNotFound, "UNKNOWN_KEY", fmt.Sprintf("unknown preference %q", k))
			return
		}
	}
	for k, v := range req {
		if err := s.db.SetKV(store.KVPrefPrefix+k, v); err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
	}
	s.handleGetPreferences(w, r)
}

// writableSettings are operator-adjustable at runtime; the rest of the
// settings payload is derived from live configuration.
var writableSettings = map[string]bool{
	"dashboard_url":         true,
	"ssh_hosts":             true,
	"enable_session_poller": true,
	"poll_interval":         true,
	"enable_jsonl_ingester": true,
	"jsonl_scan_interval":   true,
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	stored, err := s.db.KVByPrefix(store.KVSettingPrefix)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	settings := map[string]any{}
	for k, v := range stored {
		if writableSettings[k] {
			settings[k] = v
		}
	}
	settings["discord_configured"] = s.cfg.DiscordEnabled()
	settings["slack_configured"] = s.cfg.SlackEnabled()
	writeJSON(w, http.StatusOK, map[string]any{"settings": settings})
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if !decodeJSON(w, r, &req) {
		return
	}
	for k := range req {
		if !writableSettings[k] {
			writeError(w, http.StatusNotFound, "UNKNOWN_KEY", fmt.Sprintf("setting %q is unknown or read-only", k))
			return
		}
	}
	for k, v := range req {
		if err := s.db.SetKV(store.KVSettingPrefix+k, v); err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
	}
	s.handleGetSettings(w, r)
}

// handleTestSettings probes each configured host with a trivial command.
func (s *Server) handleTestSettings(w http.ResponseWriter, r *http.Request) {
	results := map[string]any{}
	for _, host := range s.cfg.SSHHosts {
		if _, err := s.tmux.ListSessions(r.Context(), host); err != nil {
			results[host] = map[string]any{"ok": false, "error": err.Error()}
		} else {
			results[host] = map[string]any{"ok": true}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"hosts": results})
}

const installScript = `#!/bin/sh
# Installs the muxboard webhook hook for agent CLIs. The hook posts
# every relayed message to the dashboard so threads stay in sync even
# when the bridge misses a window.
set -e
DASHBOARD_URL="${DASHBOARD_URL:-%s}"
mkdir -p ~/.muxboard
cat > ~/.muxboard/hook.sh <<HOOK
#!/bin/sh
curl -fsS -m 5 -X POST "$DASHBOARD_URL/api/hooks/event" \
  -H 'Content-Type: application/json' \
  -d "\$1" >/dev/null 2>&1 || true
HOOK
chmod +x ~/.muxboard/hook.sh
echo "muxboard hook installed to ~/.muxboard/hook.sh"
`

func (s *Server) handleInstallScript(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/x-shellscript")
	fmt.Fprintf(w, installScript, s.cfg.DashboardURL())
}
