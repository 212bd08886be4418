// Package cli provides the command-line interface for the context engine.
// This file re-exports internal packages for wrapper projects and MCP
// integration.
package cli

import (
	"github.com/zot/context-engine/internal/luart"
	"github.com/zot/context-engine/internal/mcp"
	"github.com/zot/context-engine/internal/server"
	"github.com/zot/context-engine/internal/trace"
)

// Re-export server types for embedding
type (
	Server    = server.Server
	MCPServer = mcp.Server
	Runtime   = luart.Runtime
)

// Re-export trace types for record inspection
type (
	TraceRecord  = trace.Record
	TraceBackend = trace.Backend
)

// Re-export constructors
var (
	NewServer    = server.New
	NewMCPServer = mcp.NewServer
	NewRuntime   = luart.NewRuntime
)

// Re-export Lua utilities
var (
	LuaToGo = luart.LuaToGo
	GoToLua = luart.GoToLua
)
