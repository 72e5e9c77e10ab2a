package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/muxboard/internal/bus"
	"github.com/nextlevelbuilder/muxboard/internal/store"
)

// heartbeatIdle is the send-loop timeout; a quiet subscriber queue
// produces a heartbeat frame at this cadence so clients can detect a
// dead connection.
const heartbeatIdle = 30 * time.Second

// wsFrame is the wire shape in both directions.
type wsFrame struct {
	Type      string   `json:"type"`
	Payload   any      `json:"payload,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
	Sessions  []string `json:"sessions,omitempty"`
	Session   string   `json:"session,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	Offset    int      `json:"offset,omitempty"`
}

type wsClient struct {
	id    string
	conn  *websocket.Conn
	subID int64

	writeMu sync.Mutex

	filterMu sync.Mutex
	filter   map[string]bool // empty = receive everything
}

func (c *wsClient) write(frame wsFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(frame)
}

func (c *wsClient) setFilter(sessions []string) {
	c.filterMu.Lock()
	defer c.filterMu.Unlock()
	if len(sessions) == 0 {
		c.filter = nil
		return
	}
	c.filter = make(map[string]bool, len(sessions))
	for _, s := range sessions {
		c.filter[s] = true
	}
}

// wants applies the client's session filter to an event by inspecting
// the payload's name or session_name. Events without a session always
// pass.
func (c *wsClient) wants(ev bus.Event) bool {
	c.filterMu.Lock()
	defer c.filterMu.Unlock()
	if len(c.filter) == 0 {
		return true
	}
	name, ok := ev.SessionName()
	return !ok || c.filter[name]
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	subID, events := s.bus.SubscribeBuffered(bus.DefaultQueueSize)
	client := &wsClient{id: uuid.NewString(), conn: conn, subID: subID}

	s.mu.Lock()
	s.clients[client.id] = client
	s.mu.Unlock()
	slog.Info("ws client connected", "id", client.id)

	defer func() {
		s.mu.Lock()
		delete(s.clients, client.id)
		s.mu.Unlock()
		s.bus.Unsubscribe(subID)
		conn.Close()
		slog.Info("ws client disconnected", "id", client.id)
	}()

	client.write(wsFrame{
		Type:      bus.EventHeartbeat,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})

	done := make(chan struct{})
	go s.wsSendLoop(client, events, done)
	s.wsReceiveLoop(client)
	close(done)
}

// wsSendLoop drains the subscriber queue into the socket, falling back
// to a heartbeat when the queue stays quiet past the idle window.
func (s *Server) wsSendLoop(c *wsClient, events <-chan bus.Event, done <-chan struct{}) {
	idle := time.NewTimer(heartbeatIdle)
	defer idle.Stop()
	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !c.wants(ev) {
				continue
			}
			if err := c.write(wsFrame{Type: ev.Type, Payload: ev.Payload, Timestamp: ev.Timestamp.Format(time.RFC3339)}); err != nil {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(heartbeatIdle)
		case <-idle.C:
			if err := c.write(wsFrame{
				Type:      bus.EventHeartbeat,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			}); err != nil {
				return
			}
			idle.Reset(heartbeatIdle)
		}
	}
}

// wsReceiveLoop handles client frames until the socket closes.
func (s *Server) wsReceiveLoop(c *wsClient) {
	for {
		var frame wsFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case "ping":
			c.write(wsFrame{Type: "pong", Timestamp: time.Now().UTC().Format(time.RFC3339)})
		case "subscribe":
			c.setFilter(frame.Sessions)
		case "fetch_history":
			s.wsFetchHistory(c, frame)
		case "typing":
			if frame.Session != "" {
				s.bus.Publish(bus.NewEvent(bus.EventTypingStart, map[string]any{
					"session_name": frame.Session,
				}))
			}
		default:
			slog.Debug("unknown ws frame", "type", frame.Type, "client", c.id)
		}
	}
}

func (s *Server) wsFetchHistory(c *wsClient, frame wsFrame) {
	msgs, total, err := s.db.ListMessages(frame.Session, frame.Limit, frame.Offset)
	if err != nil {
		c.write(wsFrame{Type: "error", Payload: map[string]any{"message": err.Error()}})
		return
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	c.write(wsFrame{Type: "history", Payload: map[string]any{
		"session":  frame.Session,
		"messages": msgs,
		"total":    total,
	}})
}

// closeAllClients sends going-away to every websocket before shutdown.
func (s *Server) closeAllClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		c.writeMu.Unlock()
		c.conn.Close()
	}
	s.clients = map[string]*wsClient{}
}
