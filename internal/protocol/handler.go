package protocol

import (
	"encoding/json"

	"github.com/zot/context-engine/internal/config"
)

// Evaluator is what the handler needs from the session layer.
type Evaluator interface {
	// Eval runs code in a session and returns the script's result as
	// transport-ready Go data.
	Eval(sessionID, code string) (interface{}, error)

	// TraceRecords returns a session's task records, oldest first, as
	// JSON-marshalable data. Returns nil when tracing is disabled.
	TraceRecords(sessionID string) (interface{}, error)
}

// Handler routes protocol messages to a session's runtime.
type Handler struct {
	config    *config.Config
	evaluator Evaluator
}

// NewHandler creates a protocol handler.
func NewHandler(cfg *config.Config, evaluator Evaluator) *Handler {
	return &Handler{config: cfg, evaluator: evaluator}
}

// Log logs a message via the config.
func (h *Handler) Log(level int, format string, args ...interface{}) {
	h.config.Log(level, format, args...)
}

// Handle processes one request for a bound session and returns the
// response. Hello is handled by the connection layer, not here.
func (h *Handler) Handle(sessionID string, msg *Message) *Message {
	switch msg.Type {
	case MsgEval:
		return h.handleEval(sessionID, msg)
	case MsgTrace:
		return h.handleTrace(sessionID, msg)
	default:
		return ErrorMessage(msg.ID, "unknown message type: "+string(msg.Type))
	}
}

func (h *Handler) handleEval(sessionID string, msg *Message) *Message {
	var data EvalData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return ErrorMessage(msg.ID, "bad eval request: "+err.Error())
	}
	if data.Code == "" {
		return ErrorMessage(msg.ID, "eval request has no code")
	}

	h.Log(2, "Protocol: eval in session %s (%d bytes)", sessionID, len(data.Code))
	value, err := h.evaluator.Eval(sessionID, data.Code)
	if err != nil {
		return ErrorMessage(msg.ID, err.Error())
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return ErrorMessage(msg.ID, "unencodable result: "+err.Error())
	}
	return NewMessage(MsgResult, msg.ID, ResultData{Value: raw})
}

func (h *Handler) handleTrace(sessionID string, msg *Message) *Message {
	records, err := h.evaluator.TraceRecords(sessionID)
	if err != nil {
		return ErrorMessage(msg.ID, err.Error())
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return ErrorMessage(msg.ID, "unencodable records: "+err.Error())
	}
	return NewMessage(MsgTrace, msg.ID, TraceData{Records: raw})
}
