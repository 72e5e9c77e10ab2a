// Package server is the dashboard HTTP and websocket surface: the JSON
// API, the webhook sink for bridges, the browser pages, and the /ws
// event stream.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/muxboard/internal/bus"
	"github.com/nextlevelbuilder/muxboard/internal/config"
	"github.com/nextlevelbuilder/muxboard/internal/messages"
	"github.com/nextlevelbuilder/muxboard/internal/store"
	"github.com/nextlevelbuilder/muxboard/internal/tmux"
)

// SessionSyncer backfills one session from its platform threads.
type SessionSyncer interface {
	SyncSession(ctx context.Context, sess *store.Session) (int, error)
}

// TranscriptIngester tails the agent transcript file for one session.
type TranscriptIngester interface {
	IngestForSession(ctx context.Context, host, session, cwd string) (int, error)
}

// CommandQueue is the slice of the usage monitor the API exposes.
type CommandQueue interface {
	Enqueue(session, host, command string, priority int) (*store.QueuedCommand, error)
	Cancel(id string) error
	ExecutePending(ctx context.Context)
}

// ThreadArchiver archives or deletes the platform threads of a killed
// session and reports which platforms were cleaned. Optional; nil skips
// thread cleanup on delete.
type ThreadArchiver interface {
	CleanupThreads(ctx context.Context, sess *store.Session) []string
}

// Server is the dashboard HTTP server.
type Server struct {
	cfg   *config.Config
	db    *store.DB
	bus   *bus.Bus
	tmux  *tmux.Service
	msgs  *messages.Service
	sync  SessionSyncer
	tail  TranscriptIngester
	queue CommandQueue
	arch  ThreadArchiver

	upgrader websocket.Upgrader
	limiter  *rateLimiter
	clients  map[string]*wsClient
	mu       sync.Mutex

	httpServer *http.Server
	mux        *http.ServeMux
	startedAt  time.Time
}

// New builds a Server. sync, tail, queue and arch may be nil when the
// corresponding worker is disabled.
func New(cfg *config.Config, db *store.DB, b *bus.Bus, svc *tmux.Service, msgs *messages.Service) *Server {
	s := &Server{
		cfg:       cfg,
		db:        db,
		bus:       b,
		tmux:      svc,
		msgs:      msgs,
		clients:   map[string]*wsClient{},
		limiter:   newRateLimiter(),
		startedAt: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return s
}

// SetSyncer wires the message-sync worker for on-demand sync.
func (s *Server) SetSyncer(sync SessionSyncer) { s.sync = sync }

// SetTailer wires the transcript tailer for on-demand ingest.
func (s *Server) SetTailer(tail TranscriptIngester) { s.tail = tail }

// SetQueue wires the command queue API.
func (s *Server) SetQueue(q CommandQueue) { s.queue = q }

// SetArchiver wires platform thread cleanup on session delete.
func (s *Server) SetArchiver(a ThreadArchiver) { s.arch = a }

// BuildMux creates and caches the full route table wrapped in the
// middleware chain: access log, rate limit, auth.
func (s *Server) BuildMux() http.Handler {
	if s.mux == nil {
		mux := http.NewServeMux()

		mux.HandleFunc("GET /healthz", s.handleHealthz)
		mux.HandleFunc("GET /ws", s.handleWebSocket)

		mux.HandleFunc("GET /api/sessions", s.handleListSessions)
		mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
		mux.HandleFunc("POST /api/sessions/bulk-delete", s.handleBulkDelete)
		mux.HandleFunc("GET /api/sessions/{name}", s.handleGetSession)
		mux.HandleFunc("PATCH /api/sessions/{name}", s.handlePatchSession)
		mux.HandleFunc("DELETE /api/sessions/{name}", s.handleDeleteSession)
		mux.HandleFunc("POST /api/sessions/{name}/send", s.handleSendToSession)
		mux.HandleFunc("GET /api/sessions/{name}/messages", s.handleSessionMessages)
		mux.HandleFunc("POST /api/sessions/{name}/sync", s.handleSyncSession)
		mux.HandleFunc("POST /api/sessions/{name}/ingest", s.handleIngestSession)
		mux.HandleFunc("GET /api/sessions/{name}/export", s.handleExportSession)

		mux.HandleFunc("GET /api/search", s.handleSearch)
		mux.HandleFunc("GET /api/stats", s.handleStats)
		mux.HandleFunc("GET /api/events", s.handleRecentEvents)

		mux.HandleFunc("GET /api/preferences", s.handleGetPreferences)
		mux.HandleFunc("PUT /api/preferences", s.handlePutPreferences)
		mux.HandleFunc("GET /api/settings", s.handleGetSettings)
		mux.HandleFunc("PUT /api/settings", s.handlePutSettings)
		mux.HandleFunc("POST /api/settings/test", s.handleTestSettings)
		mux.HandleFunc("GET /api/install.sh", s.handleInstallScript)

		mux.HandleFunc("GET /api/usage", s.handleUsageCurrent)
		mux.HandleFunc("GET /api/usage/history", s.handleUsageHistory)
		mux.HandleFunc("GET /api/usage/summary", s.handleUsageSummary)
		mux.HandleFunc("GET /api/usage/queue", s.handleQueueList)
		mux.HandleFunc("POST /api/usage/queue", s.handleQueueAdd)
		mux.HandleFunc("DELETE /api/usage/queue/{id}", s.handleQueueCancel)
		mux.HandleFunc("POST /api/usage/queue/execute", s.handleQueueExecute)

		mux.HandleFunc("POST /api/hooks/event", s.handleWebhook)

		mux.HandleFunc("GET /login", s.handleLoginPage)
		mux.HandleFunc("POST /login", s.handleLoginSubmit)
		mux.HandleFunc("GET /logout", s.handleLogout)
		mux.HandleFunc("GET /", s.handleIndex)

		s.mux = mux
	}
	return s.accessLog(s.rateLimit(s.auth(s.mux)))
}

// Start listens until the context ends, then shuts down gracefully,
// closing all websocket clients first.
func (s *Server) Start(ctx context.Context) error {
	handler := s.BuildMux()
	s.httpServer = &http.Server{Addr: s.cfg.BindAddr(), Handler: handler}

	slog.Info("dashboard starting", "addr", s.cfg.BindAddr(), "auth", s.cfg.Dashboard.Token != "")

	go func() {
		<-ctx.Done()
		s.closeAllClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// StartTestServer listens on a random loopback port and serves in the
// background until the context ends. Returns the base URL.
func StartTestServer(ctx context.Context, s *Server) (string, error) {
	handler := s.BuildMux()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	s.httpServer = &http.Server{Handler: handler}
	go func() {
		<-ctx.Done()
		s.closeAllClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()
	go s.httpServer.Serve(ln)
	return "http://" + ln.Addr().String(), nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if err := s.db.Ping(); err != nil {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}
