package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/muxboard/internal/messages"
)

// handleWebhook ingests a bridge event. The endpoint is unauthenticated
// and never fails outward; malformed or unprocessable events are logged
// and acknowledged anyway so bridges never retry into a loop.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var ev messages.BridgeEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		slog.Warn("webhook body rejected", "error", err)
	} else if ev.Type == "" || ev.SessionName == "" {
		slog.Warn("webhook missing type or session_name", "type", ev.Type)
	} else {
		s.msgs.IngestBridgeEvent(ev)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}
