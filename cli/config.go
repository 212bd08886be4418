// Package cli provides the command-line interface for the context engine.
// This file re-exports config types from internal/config for public API.
package cli

import (
	"github.com/zot/context-engine/internal/config"
)

// Re-export config types for public API
type (
	Config        = config.Config
	ServerConfig  = config.ServerConfig
	RuntimeConfig = config.RuntimeConfig
	TraceConfig   = config.TraceConfig
	SessionConfig = config.SessionConfig
	LoggingConfig = config.LoggingConfig
	Duration      = config.Duration
)

// Re-export config functions for public API
var (
	DefaultConfig = config.DefaultConfig
	Load          = config.Load
)
