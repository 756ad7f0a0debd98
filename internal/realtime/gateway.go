// Package realtime serves websocket sessions: it feeds join, leave and
// register messages into the subscription registry and writes hub events
// back to the sockets.
package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/robertarktes/seat-holds/internal/notify"
	"github.com/robertarktes/seat-holds/internal/observability"
	"github.com/robertarktes/seat-holds/internal/registry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Client message types.
const (
	MsgJoin     = "join"
	MsgLeave    = "leave"
	MsgRegister = "register"
	MsgError    = "error"
)

type clientMessage struct {
	Type   string `json:"type"`
	ShowID string `json:"showId"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type Gateway struct {
	registry *registry.Registry
	logger   observability.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session
}

func NewGateway(reg *registry.Registry, logger observability.Logger) *Gateway {
	return &Gateway{
		registry: reg,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
	}
}

// ServeWS upgrades the request and blocks until the session ends. userID is
// the authenticated caller, empty for anonymous viewers.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	s := &session{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
	}
	g.mu.Lock()
	g.sessions[s.id] = s
	g.mu.Unlock()
	observability.ActiveSessions.Inc()

	log := g.logger.WithField("session_id", s.id)
	log.Debug("session opened")

	go s.writePump()
	g.readPump(s)

	g.registry.Disconnect(s.id)
	g.mu.Lock()
	delete(g.sessions, s.id)
	g.mu.Unlock()
	s.close()
	observability.ActiveSessions.Dec()
	log.Debug("session closed")
}

func (g *Gateway) readPump(s *session) {
	defer s.conn.Close()
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.WithField("session_id", s.id).WithError(err).Warn("websocket read failed")
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.reply(MsgError, "malformed message")
			continue
		}
		g.handle(s, msg)
	}
}

func (g *Gateway) handle(s *session, msg clientMessage) {
	switch msg.Type {
	case MsgJoin, MsgLeave:
		if msg.ShowID == "" {
			s.reply(MsgError, "showId required")
			return
		}
		room := registry.RoomForShow(msg.ShowID)
		if msg.Type == MsgJoin {
			g.registry.Join(s.id, room)
		} else {
			g.registry.Leave(s.id, room)
		}
	case MsgRegister:
		if s.userID == "" {
			s.reply(MsgError, "register requires an authenticated user")
			return
		}
		g.registry.RegisterUser(s.id, s.userID)
	default:
		s.reply(MsgError, "unknown message type")
	}
}

// SendTo queues ev for each listed session that is still connected.
func (g *Gateway) SendTo(sessionIDs []string, ev notify.Event) {
	if len(sessionIDs) == 0 {
		return
	}
	data, ok := g.encode(ev)
	if !ok {
		return
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, id := range sessionIDs {
		if s, ok := g.sessions[id]; ok {
			g.enqueue(s, data)
		}
	}
}

func (g *Gateway) SendToAll(ev notify.Event) {
	data, ok := g.encode(ev)
	if !ok {
		return
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, s := range g.sessions {
		g.enqueue(s, data)
	}
}

func (g *Gateway) SessionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// Close ends every session; used on shutdown.
func (g *Gateway) Close() {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, s := range g.sessions {
		_ = s.conn.Close()
	}
}

func (g *Gateway) encode(ev notify.Event) ([]byte, bool) {
	data, err := json.Marshal(ev)
	if err != nil {
		g.logger.WithField("type", ev.Type).WithError(err).Error("failed to encode event")
		return nil, false
	}
	return data, true
}

func (g *Gateway) enqueue(s *session, data []byte) {
	if !s.enqueue(data) {
		g.logger.WithField("session_id", s.id).Warn("session send buffer full, event dropped")
	}
}

type session struct {
	id     string
	userID string
	conn   *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (s *session) enqueue(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *session) reply(typ, message string) {
	data, _ := json.Marshal(errorMessage{Type: typ, Message: message})
	s.enqueue(data)
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case data, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
