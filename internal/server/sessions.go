package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/muxboard/internal/bus"
	"github.com/nextlevelbuilder/muxboard/internal/config"
	"github.com/nextlevelbuilder/muxboard/internal/store"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := q.Get("status")
	if status != "" && !store.ValidStatuses[status] {
		writeError(w, http.StatusBadRequest, "INVALID_STATUS", fmt.Sprintf("unknown status %q", status))
		return
	}
	filter := store.SessionFilter{
		Status: status,
		Host:   q.Get("host"),
		Name:   q.Get("q"),
		Sort:   q.Get("sort"),
		Desc:   q.Get("order") == "desc",
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	sessions, total, err := s.db.ListSessions(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	if sessions == nil {
		sessions = []*store.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"total":    total,
		"limit":    filter.Limit,
		"offset":   filter.Offset,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name"`
		Host       string `json:"host"`
		WorkingDir string `json:"working_dir"`
		AgentType  string `json:"agent_type"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "MISSING_NAME", "session name is required")
		return
	}
	if !config.ValidSessionName(req.Name) {
		writeError(w, http.StatusBadRequest, "INVALID_NAME", "name must match ^[A-Za-z0-9_-]+$ and be at most 64 characters")
		return
	}
	if req.Host == "" {
		req.Host = s.cfg.DefaultHost()
	}
	if !s.cfg.HasHost(req.Host) {
		writeError(w, http.StatusBadRequest, "INVALID_HOST", fmt.Sprintf("host %q is not configured", req.Host))
		return
	}
	if exists, err := s.db.SessionExists(req.Name); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	} else if exists {
		writeError(w, http.StatusConflict, "ALREADY_EXISTS", fmt.Sprintf("session %q already exists", req.Name))
		return
	}
	if s.tmux.Has(r.Context(), req.Host, req.Name) {
		writeError(w, http.StatusConflict, "ALREADY_EXISTS", fmt.Sprintf("tmux session %q already running on %s", req.Name, req.Host))
		return
	}

	if err := s.tmux.Create(r.Context(), req.Host, req.Name, req.WorkingDir); err != nil {
		writeError(w, http.StatusInternalServerError, "TMUX_CREATE_FAILED", err.Error())
		return
	}

	agentType := req.AgentType
	if agentType == "" {
		agentType = "unknown"
	}
	sess := &store.Session{
		Name:       req.Name,
		Host:       req.Host,
		Status:     store.StatusActive,
		AgentType:  agentType,
		WorkingDir: req.WorkingDir,
	}
	if err := s.db.CreateSession(sess); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	s.bus.Publish(bus.NewEvent(bus.EventSessionCreated, map[string]any{
		"name": sess.Name, "host": sess.Host,
	}))
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.db.GetSession(r.PathValue("name"))
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	count, _ := s.db.MessageCount(sess.Name)
	writeJSON(w, http.StatusOK, map[string]any{
		"session":       sess,
		"message_count": count,
	})
}

func (s *Server) handlePatchSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req map[string]any
	if !decodeJSON(w, r, &req) {
		return
	}

	fields := map[string]any{}
	if v, ok := req["agent_type"]; ok {
		agent, _ := v.(string)
		if !store.ValidAgentTypes[agent] {
			writeError(w, http.StatusBadRequest, "INVALID_AGENT_TYPE", fmt.Sprintf("unknown agent type %q", agent))
			return
		}
		fields["agent_type"] = agent
	}
	if v, ok := req["working_dir"]; ok {
		dir, _ := v.(string)
		fields["working_dir"] = dir
	}
	if len(fields) == 0 {
		writeError(w, http.StatusBadRequest, "NO_UPDATES", "no updatable fields in request")
		return
	}

	if exists, err := s.db.SessionExists(name); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	} else if !exists {
		writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found")
		return
	}
	if err := s.db.UpdateSessionFields(name, fields); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	sess, _ := s.db.GetSession(name)
	s.bus.Publish(bus.NewEvent(bus.EventSessionUpdated, map[string]any{"name": name}))
	writeJSON(w, http.StatusOK, sess)
}

// deleteOne tears a session down: tmux kill, thread cleanup, then the
// row is marked closed. Remote failures do not block the close; they
// are reported in flags.
func (s *Server) deleteOne(r *http.Request, sess *store.Session) (tmuxKilled bool, threadsArchived []string) {
	threadsArchived = []string{}
	if host, ok := s.tmux.FindHost(r.Context(), sess.Name); ok {
		if err := s.tmux.Kill(r.Context(), host, sess.Name); err != nil {
			slog.Warn("tmux kill failed", "name", sess.Name, "host", host, "error", err)
		} else {
			tmuxKilled = true
		}
	}
	if s.arch != nil {
		threadsArchived = s.arch.CleanupThreads(r.Context(), sess)
	}
	if err := s.db.CloseSession(sess.Name); err != nil {
		slog.Warn("session close failed", "name", sess.Name, "error", err)
	}
	s.bus.Publish(bus.NewEvent(bus.EventSessionClosed, map[string]any{
		"name": sess.Name, "host": sess.Host, "deleted": true,
	}))
	return tmuxKilled, threadsArchived
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.db.GetSession(r.PathValue("name"))
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	killed, archived := s.deleteOne(r, sess)
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted":          true,
		"tmux_killed":      killed,
		"threads_archived": archived,
	})
}

func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Names []string `json:"names"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Names) == 0 {
		writeError(w, http.StatusBadRequest, "MISSING_NAMES", "names is required")
		return
	}
	if len(req.Names) > 20 {
		writeError(w, http.StatusBadRequest, "TOO_MANY", "at most 20 sessions per bulk delete")
		return
	}

	results := map[string]any{}
	for _, name := range req.Names {
		sess, err := s.db.GetSession(name)
		if err != nil {
			results[name] = map[string]any{"deleted": false, "error": "not found"}
			continue
		}
		killed, archived := s.deleteOne(r, sess)
		results[name] = map[string]any{
			"deleted":          true,
			"tmux_killed":      killed,
			"threads_archived": archived,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleSendToSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req struct {
		Message string `json:"message"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "MISSING_MESSAGE", "message text is required")
		return
	}

	host, ok := s.tmux.FindHost(r.Context(), name)
	if !ok {
		writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", fmt.Sprintf("tmux session %q not found on any host", name))
		return
	}
	if err := s.tmux.Send(r.Context(), host, name, req.Message); err != nil {
		writeError(w, http.StatusInternalServerError, "SEND_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sent": true, "host": host})
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if exists, err := s.db.SessionExists(name); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	} else if !exists {
		writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found")
		return
	}
	msgs, total, err := s.db.ListMessages(name, queryInt(r, "limit", 200), queryInt(r, "offset", 0))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "total": total})
}

func (s *Server) handleSyncSession(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		writeError(w, http.StatusServiceUnavailable, "DISABLED", "message sync is not enabled")
		return
	}
	sess, err := s.db.GetSession(r.PathValue("name"))
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	n, err := s.sync.SyncSession(r.Context(), sess)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"synced": n})
}

func (s *Server) handleIngestSession(w http.ResponseWriter, r *http.Request) {
	if s.tail == nil {
		writeError(w, http.StatusServiceUnavailable, "DISABLED", "transcript ingest is not enabled")
		return
	}
	sess, err := s.db.GetSession(r.PathValue("name"))
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	n, err := s.tail.IngestForSession(r.Context(), sess.Host, sess.Name, sess.WorkingDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ingested": n})
}

func (s *Server) handleExportSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.db.GetSession(r.PathValue("name"))
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	// Page through the full history; the list query caps a single read.
	var msgs []*store.Message
	for offset := 0; ; {
		page, _, err := s.db.ListMessages(sess.Name, 500, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		msgs = append(msgs, page...)
		if len(page) < 500 {
			break
		}
		offset += len(page)
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sess.Name+".json"))
	writeJSON(w, http.StatusOK, map[string]any{
		"session":  sess,
		"messages": msgs,
	})
}
