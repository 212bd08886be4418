// Package ctxclient provides a client library for connecting to a context
// engine server over its websocket endpoint.
package ctxclient

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Message mirrors the engine's wire protocol.
type Message struct {
	Type string          `json:"type"`
	ID   int64           `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// TraceRecord is one task execution record from the engine's trace store.
type TraceRecord struct {
	ID        int64         `json:"id"`
	SessionID string        `json:"sessionId"`
	Kind      string        `json:"kind"`
	Label     string        `json:"label,omitempty"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// EventHandler receives events pushed by the engine, such as
// unhandledRejection notifications.
type EventHandler func(name, value string)

// Connection is a client connection bound to one engine session.
type Connection struct {
	conn      *websocket.Conn
	sessionID string
	nextID    int64
	pending   map[int64]chan *Message
	onEvent   EventHandler
	onClose   func()
	closed    bool
	mu        sync.Mutex
	writeMu   sync.Mutex
}

type errorData struct {
	Message string `json:"message"`
}

type helloData struct {
	SessionID string `json:"sessionId,omitempty"`
}

type readyData struct {
	SessionID string `json:"sessionId"`
}

type evalData struct {
	Code string `json:"code"`
}

type resultData struct {
	Value json.RawMessage `json:"value,omitempty"`
}

type traceData struct {
	Records json.RawMessage `json:"records,omitempty"`
}

type eventData struct {
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

// Connect dials the engine at url (e.g. "ws://localhost:8080/ws") and
// creates a new session. Use Rejoin to bind an existing session instead.
func Connect(url string) (*Connection, error) {
	return dial(url, "")
}

// Rejoin dials the engine and rebinds an existing session by its ID.
func Rejoin(url, sessionID string) (*Connection, error) {
	return dial(url, sessionID)
}

func dial(url, sessionID string) (*Connection, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &Connection{
		conn:    conn,
		pending: make(map[int64]chan *Message),
	}

	ready, err := c.handshake(sessionID)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.sessionID = ready

	go c.readPump()
	return c, nil
}

// handshake runs the hello/ready exchange before the read pump starts.
func (c *Connection) handshake(sessionID string) (string, error) {
	if err := c.writeMessage("hello", 0, helloData{SessionID: sessionID}); err != nil {
		return "", err
	}

	c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer c.conn.SetReadDeadline(time.Time{})

	var msg Message
	if err := c.conn.ReadJSON(&msg); err != nil {
		return "", fmt.Errorf("handshake failed: %w", err)
	}

	switch msg.Type {
	case "ready":
		var ready readyData
		if err := json.Unmarshal(msg.Data, &ready); err != nil {
			return "", fmt.Errorf("bad ready message: %w", err)
		}
		return ready.SessionID, nil
	case "error":
		var ed errorData
		json.Unmarshal(msg.Data, &ed)
		return "", fmt.Errorf("handshake rejected: %s", ed.Message)
	default:
		return "", fmt.Errorf("unexpected handshake reply: %s", msg.Type)
	}
}

// SessionID returns the vended session ID this connection is bound to.
func (c *Connection) SessionID() string {
	return c.sessionID
}

// OnEvent registers a handler for engine-pushed events.
func (c *Connection) OnEvent(fn EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = fn
}

// OnClose registers a callback for connection close.
func (c *Connection) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

// Eval runs code in the connection's session and returns the result as
// raw JSON.
func (c *Connection) Eval(code string) (json.RawMessage, error) {
	resp, err := c.request("eval", evalData{Code: code})
	if err != nil {
		return nil, err
	}
	var result resultData
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("bad result: %w", err)
	}
	return result.Value, nil
}

// EvalInto runs code and unmarshals the result into out.
func (c *Connection) EvalInto(code string, out interface{}) error {
	raw, err := c.Eval(code)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// Trace fetches the session's task records, oldest first.
func (c *Connection) Trace() ([]TraceRecord, error) {
	resp, err := c.request("trace", nil)
	if err != nil {
		return nil, err
	}
	var td traceData
	if err := json.Unmarshal(resp.Data, &td); err != nil {
		return nil, fmt.Errorf("bad trace response: %w", err)
	}
	if len(td.Records) == 0 || string(td.Records) == "null" {
		return nil, nil
	}
	var records []TraceRecord
	if err := json.Unmarshal(td.Records, &records); err != nil {
		return nil, fmt.Errorf("bad trace records: %w", err)
	}
	return records, nil
}

// Close closes the connection. The session stays alive on the server and
// can be rejoined.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

// request sends a message and waits for the correlated response.
func (c *Connection) request(typ string, data interface{}) (*Message, error) {
	id := atomic.AddInt64(&c.nextID, 1)

	ch := make(chan *Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("connection closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.writeMessage(typ, id, data); err != nil {
		return nil, err
	}

	resp, ok := <-ch
	if !ok {
		return nil, fmt.Errorf("connection closed")
	}
	if resp.Type == "error" {
		var ed errorData
		json.Unmarshal(resp.Data, &ed)
		return nil, fmt.Errorf("%s", ed.Message)
	}
	return resp, nil
}

func (c *Connection) writeMessage(typ string, id int64, data interface{}) error {
	msg := Message{Type: typ, ID: id}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		msg.Data = raw
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// readPump dispatches responses to pending requests and events to the
// event handler.
func (c *Connection) readPump() {
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}

		if msg.Type == "event" {
			var ev eventData
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				continue
			}
			c.mu.Lock()
			handler := c.onEvent
			c.mu.Unlock()
			if handler != nil {
				handler(ev.Name, ev.Value)
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		c.mu.Unlock()
		if ok {
			ch <- &msg
		}
	}

	c.mu.Lock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	onClose := c.onClose
	c.mu.Unlock()

	if onClose != nil {
		onClose()
	}
}
