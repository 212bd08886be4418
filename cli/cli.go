// Package cli provides the command-line interface for the context engine.
// It exports Run() and RunWithHooks() to allow extension by wrapper projects.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/zot/context-engine/internal/config"
	"github.com/zot/context-engine/internal/luart"
	"github.com/zot/context-engine/internal/mcp"
	"github.com/zot/context-engine/internal/server"
)

// Version is the engine version reported by the version command and the
// MCP server.
const Version = "0.1.0"

// Hooks allows extending the CLI with additional commands.
type Hooks struct {
	// BeforeDispatch is called before command dispatch.
	// Return (handled=true, exitCode) to skip normal dispatch.
	BeforeDispatch func(command string, args []string) (handled bool, exitCode int)

	// CustomHelp returns additional help text to append.
	CustomHelp func() string

	// CustomVersion returns version info to append (optional).
	CustomVersion func() string
}

// Run executes the CLI with the given arguments.
// Returns exit code (0 = success, non-zero = error).
func Run(args []string) int {
	return RunWithHooks(args, nil)
}

// RunWithHooks executes CLI with extension hooks.
func RunWithHooks(args []string, hooks *Hooks) int {
	if len(args) < 1 {
		return runServe(args)
	}

	command := args[0]
	cmdArgs := args[1:]

	// Let hooks intercept first
	if hooks != nil && hooks.BeforeDispatch != nil {
		if handled, code := hooks.BeforeDispatch(command, cmdArgs); handled {
			return code
		}
	}

	switch command {
	case "serve":
		return runServe(cmdArgs)
	case "run":
		return runScript(cmdArgs)
	case "eval":
		return runEval(cmdArgs)
	case "mcp":
		return runMCP(cmdArgs)
	case "help", "-h", "--help":
		printHelp(hooks)
		return 0
	case "version", "--version":
		printVersion(hooks)
		return 0
	default:
		// Check if it's a flag (starts with -)
		if len(command) > 0 && command[0] == '-' {
			return runServe(args)
		}
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printHelp(hooks)
		return 1
	}
}

// runServe starts the websocket server and blocks until a shutdown signal.
func runServe(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	srv, err := server.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create server: %v\n", err)
		return 1
	}

	srv.StartCleanupWorker(time.Hour)

	if _, err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		return 1
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	cfg.Log(0, "Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Shutdown error: %v\n", err)
		return 1
	}
	return 0
}

// runScript runs a Lua file to completion: the file is evaluated as a
// macrotask, then the loop drains until no tasks or timers remain.
func runScript(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: context-engine run <file.lua> [options]")
		return 1
	}
	path := args[0]

	cfg, err := config.Load(args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	rt, err := luart.NewRuntime(cfg, filepath.Dir(path))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create runtime: %v\n", err)
		return 1
	}
	defer rt.Shutdown()

	if err := rt.EvalFile(path); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	rt.WaitIdle()
	return 0
}

// runEval evaluates code given on the command line and prints the result
// as JSON.
func runEval(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: context-engine eval <code> [options]")
		return 1
	}
	code := args[0]

	cfg, err := config.Load(args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	rt, err := luart.NewRuntime(cfg, cfg.Runtime.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create runtime: %v\n", err)
		return 1
	}
	defer rt.Shutdown()

	value, err := rt.Eval(code)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	rt.WaitIdle()

	output, err := json.Marshal(value)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unencodable result: %v\n", err)
		return 1
	}
	fmt.Println(string(output))
	return 0
}

// runMCP serves the engine over MCP on stdio.
func runMCP(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	srv, err := server.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create server: %v\n", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	mcpServer := mcp.NewServer(cfg, srv, Version)
	if err := mcpServer.ServeStdio(); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		return 1
	}
	return 0
}

func printHelp(hooks *Hooks) {
	fmt.Println(`Context Engine

Usage: context-engine [command] [options]

Commands:
  serve           Start the websocket server (default)
  run <file>      Run a Lua script to completion
  eval <code>     Evaluate Lua code and print the result as JSON
  mcp             Serve the engine over MCP on stdio
  version         Print version
  help            Print this help

Server Options:
  -host             Listen address (default: 0.0.0.0)
  -port             Listen port (default: 8080)
  -scripts          Script directory served to require() (default: scripts/)
  -hot-reload       Re-run modules when their files change
  -trace            Trace backend: none, memory, sqlite, postgresql
  -trace-path       SQLite database path
  -trace-url        PostgreSQL connection URL
  -session-timeout  Session expiration (default: 24h, 0=never)
  -config           TOML config file
  -v                Verbosity (use -v, -vv, or -vvv)

Examples:
  context-engine serve -port 8080 -trace memory
  context-engine run scripts/main.lua
  context-engine eval 'return 1 + 2'
  context-engine mcp -scripts scripts/`)

	if hooks != nil && hooks.CustomHelp != nil {
		fmt.Println(hooks.CustomHelp())
	}
}

func printVersion(hooks *Hooks) {
	fmt.Println("Context Engine v" + Version)
	if hooks != nil && hooks.CustomVersion != nil {
		fmt.Println(hooks.CustomVersion())
	}
}
