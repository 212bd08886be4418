// Package protocol implements the eval protocol spoken between clients and
// the engine over the websocket endpoint.
package protocol

import "encoding/json"

// MessageType identifies the type of protocol message.
type MessageType string

const (
	// Client-sent messages
	MsgHello MessageType = "hello"
	MsgEval  MessageType = "eval"
	MsgTrace MessageType = "trace"

	// Server-sent messages
	MsgReady  MessageType = "ready"
	MsgResult MessageType = "result"
	MsgError  MessageType = "error"
	MsgEvent  MessageType = "event"
)

// Message is the base protocol message structure. ID correlates a request
// with its response; events carry no ID.
type Message struct {
	Type MessageType     `json:"type"`
	ID   int64           `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// HelloData opens a connection, optionally rebinding an existing session.
type HelloData struct {
	SessionID string `json:"sessionId,omitempty"`
}

// ReadyData answers hello with the bound session.
type ReadyData struct {
	SessionID string `json:"sessionId"`
}

// EvalData requests script evaluation in the connection's session.
type EvalData struct {
	Code string `json:"code"`
}

// ResultData carries an eval result.
type ResultData struct {
	Value json.RawMessage `json:"value,omitempty"`
}

// ErrorData carries a request failure.
type ErrorData struct {
	Message string `json:"message"`
}

// TraceData carries the session's task records.
type TraceData struct {
	Records json.RawMessage `json:"records,omitempty"`
}

// EventData carries a loop event (e.g. unhandledRejection) pushed to the
// client.
type EventData struct {
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

// NewMessage builds a message with marshaled data. Marshal failures return
// an error message instead, so the caller always has something to send.
func NewMessage(t MessageType, id int64, data interface{}) *Message {
	raw, err := json.Marshal(data)
	if err != nil {
		return ErrorMessage(id, "failed to encode response: "+err.Error())
	}
	return &Message{Type: t, ID: id, Data: raw}
}

// ErrorMessage builds an error response.
func ErrorMessage(id int64, msg string) *Message {
	raw, _ := json.Marshal(ErrorData{Message: msg})
	return &Message{Type: MsgError, ID: id, Data: raw}
}
