// Package server implements the context engine's network surface: the
// websocket eval endpoint and the session lifecycle behind it.
package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/zot/context-engine/internal/config"
	"github.com/zot/context-engine/internal/protocol"
	"github.com/zot/context-engine/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// DisconnectCallback is called when a connection disconnects.
type DisconnectCallback func(sessionID string)

// WebSocketEndpoint handles WebSocket connections. A connection is unbound
// until its hello message either creates a session or rejoins an existing
// one; sessions are addressed by vended ID on the wire.
type WebSocketEndpoint struct {
	config          *config.Config
	connections     map[string]*websocket.Conn // connectionID -> conn
	sessionBindings map[string]string          // connectionID -> vended session ID
	sessionSvc      map[string]ChanSvc         // vended session ID -> executor
	sessions        *session.Manager
	handler         *protocol.Handler
	onDisconnectCb  DisconnectCallback
	mu              sync.RWMutex
}

// NewWebSocketEndpoint creates a new WebSocket endpoint.
func NewWebSocketEndpoint(cfg *config.Config, sessions *session.Manager, handler *protocol.Handler) *WebSocketEndpoint {
	return &WebSocketEndpoint{
		config:          cfg,
		connections:     make(map[string]*websocket.Conn),
		sessionBindings: make(map[string]string),
		sessionSvc:      make(map[string]ChanSvc),
		sessions:        sessions,
		handler:         handler,
	}
}

// Log logs a message via the config.
func (ws *WebSocketEndpoint) Log(level int, format string, args ...interface{}) {
	ws.config.Log(level, format, args...)
}

// SetOnDisconnect sets the callback for when a connection disconnects.
func (ws *WebSocketEndpoint) SetOnDisconnect(callback DisconnectCallback) {
	ws.onDisconnectCb = callback
}

// getOrCreateSvc returns the executor for a session, creating if needed.
func (ws *WebSocketEndpoint) getOrCreateSvc(sessionID string) ChanSvc {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if svc, ok := ws.sessionSvc[sessionID]; ok {
		return svc
	}

	svc := make(ChanSvc)
	ws.sessionSvc[sessionID] = svc
	RunSvc(svc)
	return svc
}

// CleanupSessionSvc closes and removes a session's executor.
func (ws *WebSocketEndpoint) CleanupSessionSvc(sessionID string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if svc, ok := ws.sessionSvc[sessionID]; ok {
		close(svc)
		delete(ws.sessionSvc, sessionID)
	}
}

// ExecuteInSession executes a function within a session's executor,
// serialized with websocket message processing for the session.
func (ws *WebSocketEndpoint) ExecuteInSession(sessionID string, fn func() (interface{}, error)) (interface{}, error) {
	svc := ws.getOrCreateSvc(sessionID)
	return SvcSync(svc, fn)
}

// HandleWebSocket upgrades an incoming connection. The connection stays
// unbound until its hello message is processed.
func (ws *WebSocketEndpoint) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.Log(0, "WebSocket upgrade failed: %v", err)
		return
	}

	connectionID := generateConnectionID()

	ws.mu.Lock()
	ws.connections[connectionID] = conn
	ws.mu.Unlock()

	ws.Log(1, "WebSocket connected: conn=%s", connectionID)

	go ws.readPump(connectionID, conn)
}

// readPump reads messages from a WebSocket connection.
func (ws *WebSocketEndpoint) readPump(connectionID string, conn *websocket.Conn) {
	defer func() {
		ws.onDisconnect(connectionID)
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				ws.Log(0, "WebSocket error: %v", err)
			}
			break
		}

		var msg protocol.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			ws.Log(0, "Failed to parse message: %v", err)
			ws.send(connectionID, protocol.ErrorMessage(0, "malformed message"))
			continue
		}

		if msg.Type == protocol.MsgHello {
			ws.handleHello(connectionID, &msg)
			continue
		}

		ws.mu.RLock()
		sessionID := ws.sessionBindings[connectionID]
		ws.mu.RUnlock()

		if sessionID == "" {
			ws.send(connectionID, protocol.ErrorMessage(msg.ID, "no session bound; send hello first"))
			continue
		}

		// Queue message processing through the session's executor
		svc := ws.getOrCreateSvc(sessionID)
		msgCopy := msg
		Svc(svc, func() {
			ws.processMessage(connectionID, sessionID, &msgCopy)
		})
	}
}

// handleHello binds the connection to a session, creating one when the
// hello names none.
func (ws *WebSocketEndpoint) handleHello(connectionID string, msg *protocol.Message) {
	var data protocol.HelloData
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			ws.send(connectionID, protocol.ErrorMessage(msg.ID, "bad hello: "+err.Error()))
			return
		}
	}

	var sess *session.Session
	vendedID := data.SessionID
	if vendedID != "" {
		existing, ok := ws.sessions.GetByVendedID(vendedID)
		if !ok {
			ws.send(connectionID, protocol.ErrorMessage(msg.ID, "unknown session: "+vendedID))
			return
		}
		sess = existing
	} else {
		created, id, err := ws.sessions.CreateSession()
		if err != nil {
			ws.send(connectionID, protocol.ErrorMessage(msg.ID, "failed to create session: "+err.Error()))
			return
		}
		sess = created
		vendedID = id
	}

	ws.mu.Lock()
	ws.sessionBindings[connectionID] = vendedID
	ws.mu.Unlock()

	sess.AddConnection(connectionID)
	ws.Log(1, "Session bound: session=%s conn=%s", vendedID, connectionID)

	ws.send(connectionID, protocol.NewMessage(protocol.MsgReady, msg.ID, protocol.ReadyData{SessionID: vendedID}))
}

// processMessage handles one request within the session's executor.
func (ws *WebSocketEndpoint) processMessage(connectionID, sessionID string, msg *protocol.Message) {
	// Recover from panics to prevent server crashes
	defer func() {
		if r := recover(); r != nil {
			ws.Log(0, "PANIC in processMessage: %v", r)
			ws.send(connectionID, protocol.ErrorMessage(msg.ID, fmt.Sprintf("internal error: %v", r)))
		}
	}()

	resp := ws.handler.Handle(sessionID, msg)
	if resp != nil {
		ws.send(connectionID, resp)
	}
}

// send sends a message to a specific connection.
func (ws *WebSocketEndpoint) send(connectionID string, msg *protocol.Message) error {
	ws.mu.RLock()
	conn, ok := ws.connections[connectionID]
	ws.mu.RUnlock()

	if !ok {
		return nil
	}

	msgType := strings.ToUpper(string(msg.Type))
	if ws.config.Verbosity() >= 3 {
		ws.Log(3, "[OUT] %s: to=%s data=%s", msgType, connectionID, string(msg.Data))
	} else {
		ws.Log(2, "[OUT] %s: to=%s", msgType, connectionID)
	}

	return conn.WriteJSON(msg)
}

// Broadcast sends a message to all connections bound to a session.
func (ws *WebSocketEndpoint) Broadcast(sessionID string, msg *protocol.Message) {
	ws.mu.RLock()
	var conns []*websocket.Conn
	for connID, sessID := range ws.sessionBindings {
		if sessID == sessionID {
			if conn, ok := ws.connections[connID]; ok {
				conns = append(conns, conn)
			}
		}
	}
	ws.mu.RUnlock()

	ws.Log(2, "[OUT] %s: to=session:%s", strings.ToUpper(string(msg.Type)), sessionID)

	for _, conn := range conns {
		conn.WriteJSON(msg)
	}
}

// BroadcastEvent pushes a loop event (e.g. an unhandled rejection) to
// every connection in a session.
func (ws *WebSocketEndpoint) BroadcastEvent(sessionID, name, value string) {
	ws.Broadcast(sessionID, protocol.NewMessage(protocol.MsgEvent, 0, protocol.EventData{Name: name, Value: value}))
}

// onDisconnect handles connection close.
func (ws *WebSocketEndpoint) onDisconnect(connectionID string) {
	ws.mu.Lock()
	sessionID := ws.sessionBindings[connectionID]
	delete(ws.connections, connectionID)
	delete(ws.sessionBindings, connectionID)
	ws.mu.Unlock()

	ws.Log(1, "WebSocket disconnected: session=%s conn=%s", sessionID, connectionID)

	if sessionID != "" {
		if sess, ok := ws.sessions.GetByVendedID(sessionID); ok {
			sess.RemoveConnection(connectionID)
		}
		if ws.onDisconnectCb != nil {
			ws.onDisconnectCb(sessionID)
		}
	}
}

// IsConnected checks if a connection is active.
func (ws *WebSocketEndpoint) IsConnected(connectionID string) bool {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	_, ok := ws.connections[connectionID]
	return ok
}

// GetSessionID returns the vended session ID for a connection.
func (ws *WebSocketEndpoint) GetSessionID(connectionID string) (string, bool) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	sessionID, ok := ws.sessionBindings[connectionID]
	return sessionID, ok
}

func generateConnectionID() string {
	bytes := make([]byte, 16)
	rand.Read(bytes)
	return "conn-" + hex.EncodeToString(bytes)
}
