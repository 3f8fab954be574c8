package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

type wsEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type wsAction struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type privateSend struct {
	conn  *websocket.Conn
	event wsEvent
}

// wsSession is the per-connection state of the transport adapter. The token is
// set once the connection has created or joined a room.
type wsSession struct {
	conn  *websocket.Conn
	token string
}

type wsHub struct {
	mu      sync.Mutex
	rooms   map[string]map[*websocket.Conn]struct{}
	lobby   map[*websocket.Conn]struct{}
	byToken map[string]*websocket.Conn
}

func newWSHub() *wsHub {
	return &wsHub{
		rooms:   make(map[string]map[*websocket.Conn]struct{}),
		lobby:   make(map[*websocket.Conn]struct{}),
		byToken: make(map[string]*websocket.Conn),
	}
}

func (h *wsHub) JoinRoom(code string, conn *websocket.Conn) {
	if conn == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	group := h.rooms[code]
	if group == nil {
		group = make(map[*websocket.Conn]struct{})
		h.rooms[code] = group
	}
	group[conn] = struct{}{}
}

func (h *wsHub) LeaveRoom(code string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	group := h.rooms[code]
	if group == nil {
		return
	}
	delete(group, conn)
	if len(group) == 0 {
		delete(h.rooms, code)
	}
}

func (h *wsHub) DropRoom(code string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms, code)
}

func (h *wsHub) JoinLobby(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lobby[conn] = struct{}{}
}

func (h *wsHub) LeaveLobby(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.lobby, conn)
}

func (h *wsHub) Bind(token string, conn *websocket.Conn) {
	if conn == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byToken[token] = conn
}

func (h *wsHub) Unbind(token string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.byToken[token] == conn {
		delete(h.byToken, token)
	}
}

func (h *wsHub) ConnForToken(token string) *websocket.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.byToken[token]
}

func (h *wsHub) Send(conn *websocket.Conn, payload any) {
	if conn == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func (h *wsHub) Broadcast(code string, payload any) {
	h.mu.Lock()
	group := h.rooms[code]
	conns := make([]*websocket.Conn, 0, len(group))
	for conn := range group {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.LeaveRoom(code, conn)
		}
	}
}

func (h *wsHub) BroadcastLobby(payload any) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.lobby))
	for conn := range h.lobby {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.LeaveLobby(conn)
		}
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	log.Printf("ws connected remote=%s", r.RemoteAddr)
	go s.readWS(&wsSession{conn: conn})
}

func (s *Server) readWS(sess *wsSession) {
	defer s.dropSession(sess)
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			log.Printf("ws disconnected remote=%s error=%v", sess.conn.RemoteAddr(), err)
			return
		}
		var msg wsAction
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(sess.conn, "malformed message")
			continue
		}
		s.handleAction(sess, msg)
	}
}

// dropSession runs the connectivity callback for a closed socket: the player
// record keeps its identity token and gets an AFK grace timer.
func (s *Server) dropSession(sess *wsSession) {
	s.ws.LeaveLobby(sess.conn)
	_ = sess.conn.Close()
	if sess.token == "" {
		return
	}
	s.ws.Unbind(sess.token, sess.conn)
	room := s.registry.HandleDisconnect(sess.token)
	if room != nil {
		s.ws.LeaveRoom(room.Code, sess.conn)
		s.broadcastRoom(room.Code)
	}
	s.broadcastPublicRooms()
}

func (s *Server) sendError(conn *websocket.Conn, message string) {
	s.ws.Send(conn, wsEvent{Event: "error", Data: message})
}

func (s *Server) broadcastRoom(code string) {
	var snap map[string]any
	err := s.registry.WithRoom(code, func(room *Room, _ *Engine) error {
		snap = roomSnapshot(room)
		return nil
	})
	if err != nil {
		return
	}
	s.ws.Broadcast(code, wsEvent{Event: "roomState", Data: snap})
}

func (s *Server) broadcastPublicRooms() {
	s.ws.BroadcastLobby(wsEvent{Event: "publicRooms", Data: s.registry.PublicRooms()})
}
