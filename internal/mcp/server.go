// Package mcp exposes the context engine to AI agents over the Model
// Context Protocol. Tools cover the session lifecycle plus script
// evaluation and trace inspection.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/zot/context-engine/internal/config"
)

// Engine is what the MCP surface needs from the server.
type Engine interface {
	CreateSession() (string, error)
	DestroySession(sessionID string) error
	Eval(sessionID, code string) (interface{}, error)
	TraceRecords(sessionID string) (interface{}, error)
	Sessions() []string
}

// Server wraps an MCP server bound to an engine.
type Server struct {
	config *config.Config
	engine Engine
	mcp    *server.MCPServer
}

// NewServer creates the MCP server and registers its tools.
func NewServer(cfg *config.Config, engine Engine, version string) *Server {
	s := &Server{
		config: cfg,
		engine: engine,
		mcp: server.NewMCPServer(
			"context-engine",
			version,
			server.WithToolCapabilities(false),
		),
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("create_session",
		mcp.WithDescription("Create a new script session with its own event loop and async context frames. Returns the session ID."),
	), s.handleCreateSession)

	s.mcp.AddTool(mcp.NewTool("eval",
		mcp.WithDescription("Evaluate Lua code in a session. Host modules async_context, timers, futures, and events are available via require(). Returns the script's result as JSON."),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session to evaluate in, from create_session"),
		),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("Lua code to evaluate"),
		),
	), s.handleEval)

	s.mcp.AddTool(mcp.NewTool("destroy_session",
		mcp.WithDescription("Destroy a session and release its runtime."),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session to destroy"),
		),
	), s.handleDestroySession)

	s.mcp.AddTool(mcp.NewTool("list_sessions",
		mcp.WithDescription("List the IDs of all live sessions."),
	), s.handleListSessions)

	s.mcp.AddTool(mcp.NewTool("trace",
		mcp.WithDescription("Fetch a session's task execution records, oldest first. Requires a trace backend to be configured."),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session to fetch records for"),
		),
	), s.handleTrace)
}

func (s *Server) handleCreateSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := s.engine.CreateSession()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create session: %v", err)), nil
	}
	s.config.Log(1, "MCP: created session %s", sessionID)
	return mcp.NewToolResultText(sessionID), nil
}

func (s *Server) handleEval(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	s.config.Log(2, "MCP: eval in session %s (%d bytes)", sessionID, len(code))
	value, err := s.engine.Eval(sessionID, code)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("unencodable result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(encoded)), nil
}

func (s *Server) handleDestroySession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.engine.DestroySession(sessionID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.config.Log(1, "MCP: destroyed session %s", sessionID)
	return mcp.NewToolResultText("destroyed"), nil
}

func (s *Server) handleListSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	encoded, err := json.Marshal(s.engine.Sessions())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(encoded)), nil
}

func (s *Server) handleTrace(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	records, err := s.engine.TraceRecords(sessionID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	encoded, err := json.Marshal(records)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(encoded)), nil
}

// ServeStdio serves MCP over stdin/stdout. Blocks until EOF or shutdown.
func (s *Server) ServeStdio() error {
	s.config.Log(0, "MCP server on stdio")
	return server.ServeStdio(s.mcp)
}
