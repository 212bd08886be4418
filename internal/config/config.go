// Package config handles configuration loading from CLI flags, environment
// variables, and TOML files.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all configuration settings for the context engine.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Runtime RuntimeConfig `toml:"runtime"`
	Trace   TraceConfig   `toml:"trace"`
	Session SessionConfig `toml:"session"`
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// RuntimeConfig holds script runtime settings.
type RuntimeConfig struct {
	Path      string `toml:"path"`       // Script directory for require()
	HotReload bool   `toml:"hot_reload"` // Re-run changed modules
}

// TraceConfig holds task-trace persistence settings.
type TraceConfig struct {
	Type string `toml:"type"` // "none", "memory", "sqlite", "postgresql"
	Path string `toml:"path"` // SQLite file path
	URL  string `toml:"url"`  // PostgreSQL connection URL
}

// SessionConfig holds session-related settings.
type SessionConfig struct {
	Timeout Duration `toml:"timeout"` // Session expiration (0 = never)
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Verbosity int `toml:"verbosity"` // 0=none, 1=sessions, 2=tasks, 3=frames
}

// verbosityCounter implements flag.Value for counting -v flags.
type verbosityCounter int

func (v *verbosityCounter) String() string {
	return fmt.Sprintf("%d", *v)
}

func (v *verbosityCounter) Set(string) error {
	*v++
	return nil
}

func (v *verbosityCounter) IsBoolFlag() bool {
	return true
}

// expandVerbosityFlags preprocesses args to expand -vvv into -v -v -v.
// This allows both "-v -v -v" and "-vvv" styles to work.
func expandVerbosityFlags(args []string) []string {
	result := make([]string, 0, len(args))
	for _, arg := range args {
		if len(arg) > 2 && arg[0] == '-' && arg[1] != '-' && arg[1] == 'v' {
			allV := true
			for _, c := range arg[1:] {
				if c != 'v' {
					allV = false
					break
				}
			}
			if allV {
				for range arg[1:] {
					result = append(result, "-v")
				}
				continue
			}
		}
		result = append(result, arg)
	}
	return result
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Runtime: RuntimeConfig{
			Path:      "scripts/",
			HotReload: false,
		},
		Trace: TraceConfig{
			Type: "none",
			Path: "trace.db",
		},
		Session: SessionConfig{
			Timeout: Duration(24 * time.Hour),
		},
		Logging: LoggingConfig{
			Verbosity: 0,
		},
	}
}

// Load loads configuration from CLI flags, environment variables, and TOML file.
// Priority: CLI flags > env vars > TOML file > defaults
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()

	args = expandVerbosityFlags(args)

	fs := flag.NewFlagSet("context-engine", flag.ContinueOnError)
	configFile := fs.String("config", "", "TOML config file path")

	// Server flags
	host := fs.String("host", "", "Listen address")
	port := fs.Int("port", 0, "Listen port")

	// Runtime flags
	scripts := fs.String("scripts", "", "Script directory for require()")
	hotReload := fs.Bool("hot-reload", false, "Re-run changed script modules")

	// Trace flags
	traceType := fs.String("trace", "", "Trace backend: none, memory, sqlite, postgresql")
	tracePath := fs.String("trace-path", "", "SQLite trace database path")
	traceURL := fs.String("trace-url", "", "PostgreSQL trace connection URL")

	// Session flags
	sessionTimeout := fs.Duration("session-timeout", 0, "Session expiration (0=never)")

	// Logging flags
	var verbosity verbosityCounter
	fs.Var(&verbosity, "v", "Verbosity level (use -v, -vv, or -vvv)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Load TOML config if present
	configPath := "config.toml"
	if *configFile != "" {
		configPath = *configFile
	}
	if err := cfg.loadTOML(configPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	// Apply environment variables
	cfg.applyEnv()

	// Apply CLI flags (highest priority)
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *scripts != "" {
		cfg.Runtime.Path = *scripts
	}
	if *hotReload {
		cfg.Runtime.HotReload = true
	}
	if *traceType != "" {
		cfg.Trace.Type = *traceType
	}
	if *tracePath != "" {
		cfg.Trace.Path = *tracePath
	}
	if *traceURL != "" {
		cfg.Trace.URL = *traceURL
	}
	if *sessionTimeout != 0 {
		cfg.Session.Timeout = Duration(*sessionTimeout)
	}
	if verbosity > 0 {
		cfg.Logging.Verbosity = int(verbosity)
	}

	return cfg, nil
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("CTX_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("CTX_PORT"); v != "" {
		var port int
		if parseEnvInt(v, &port) {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("CTX_SCRIPTS"); v != "" {
		c.Runtime.Path = v
	}
	if v := os.Getenv("CTX_HOT_RELOAD"); v != "" {
		c.Runtime.HotReload = v == "true" || v == "1"
	}
	if v := os.Getenv("CTX_TRACE"); v != "" {
		c.Trace.Type = v
	}
	if v := os.Getenv("CTX_TRACE_PATH"); v != "" {
		c.Trace.Path = v
	}
	if v := os.Getenv("CTX_TRACE_URL"); v != "" {
		c.Trace.URL = v
	}
	if v := os.Getenv("CTX_SESSION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Session.Timeout = Duration(d)
		}
	}
	if v := os.Getenv("CTX_VERBOSITY"); v != "" {
		if verbosity, err := strconv.Atoi(v); err == nil {
			c.Logging.Verbosity = verbosity
		}
	}
}

// parseEnvInt parses an environment variable as a nonnegative integer.
func parseEnvInt(s string, result *int) bool {
	if s == "" {
		return false
	}
	var v int
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
		v = v*10 + int(c-'0')
	}
	*result = v
	return true
}

// Verbosity returns the configured verbosity level (0-3).
func (c *Config) Verbosity() int {
	return c.Logging.Verbosity
}

// Log writes a message to stderr when the configured verbosity is at least
// level. Level 0 messages always print.
func (c *Config) Log(level int, format string, args ...interface{}) {
	if level > c.Logging.Verbosity {
		return
	}
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}
