package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/zot/context-engine/internal/config"
	"github.com/zot/context-engine/internal/loop"
	"github.com/zot/context-engine/internal/luart"
	"github.com/zot/context-engine/internal/protocol"
	"github.com/zot/context-engine/internal/session"
	"github.com/zot/context-engine/internal/trace"
)

// Server is the main context engine server. It owns the session manager,
// the trace backend, and the websocket endpoint, and implements
// protocol.Evaluator on top of per-session runtimes.
type Server struct {
	config       *config.Config
	sessions     *session.Manager
	handler      *protocol.Handler
	wsEndpoint   *WebSocketEndpoint
	traceBackend trace.Backend
	httpServer   *http.Server
	mux          *http.ServeMux
}

// New creates a new server with the given configuration.
func New(cfg *config.Config) (*Server, error) {
	backend, err := newTraceBackend(cfg)
	if err != nil {
		return nil, err
	}

	sessions := session.NewManager(cfg.Session.Timeout.Duration())

	s := &Server{
		config:       cfg,
		sessions:     sessions,
		traceBackend: backend,
		mux:          http.NewServeMux(),
	}

	s.handler = protocol.NewHandler(cfg, s)
	s.wsEndpoint = NewWebSocketEndpoint(cfg, sessions, s.handler)

	sessions.SetOnSessionCreated(s.initSessionRuntime)
	sessions.SetOnSessionDestroyed(s.teardownSessionRuntime)

	s.mux.HandleFunc("/ws", s.handleWebSocket)
	s.mux.HandleFunc("/healthz", s.handleHealthz)

	return s, nil
}

// newTraceBackend builds the configured trace backend, or nil when
// tracing is disabled.
func newTraceBackend(cfg *config.Config) (trace.Backend, error) {
	switch cfg.Trace.Type {
	case "", "none":
		return nil, nil
	case "memory":
		return trace.NewMemoryStorage(), nil
	case "sqlite":
		if cfg.Trace.Path == "" {
			return nil, fmt.Errorf("sqlite trace backend requires a path")
		}
		return trace.NewSQLiteStorage(cfg.Trace.Path)
	case "postgresql":
		if cfg.Trace.URL == "" {
			return nil, fmt.Errorf("postgresql trace backend requires a url")
		}
		return trace.NewPostgresStorage(cfg.Trace.URL)
	default:
		return nil, fmt.Errorf("unknown trace backend: %s", cfg.Trace.Type)
	}
}

// initSessionRuntime builds the Lua runtime for a newly created session.
// Called by the session manager with the vended ID clients will use.
func (s *Server) initSessionRuntime(vendedID string, sess *session.Session) error {
	rt, err := luart.NewRuntime(s.config, s.config.Runtime.Path)
	if err != nil {
		return fmt.Errorf("failed to create runtime for session %s: %w", vendedID, err)
	}

	if s.traceBackend != nil {
		recorder := trace.NewRecorder(vendedID, s.traceBackend)
		rt.Loop().SetTraceSink(recorder)
		sess.SetRecorder(recorder)
	}

	// Push loop-level rejection events to the session's connections.
	rt.Loop().Events().On(loop.EventUnhandledRejection, func(args ...interface{}) {
		if len(args) > 0 {
			if err, ok := args[0].(error); ok {
				s.wsEndpoint.BroadcastEvent(vendedID, loop.EventUnhandledRejection, err.Error())
			}
		}
	})

	if s.config.Runtime.HotReload {
		if err := rt.EnableHotReload(); err != nil {
			s.config.Log(0, "Hot reload unavailable for session %s: %v", vendedID, err)
		}
	}

	sess.SetRuntime(rt)
	s.config.Log(1, "Session %s: runtime created", vendedID)
	return nil
}

// teardownSessionRuntime shuts down a destroyed session's runtime.
func (s *Server) teardownSessionRuntime(vendedID string, sess *session.Session) {
	if rt := sess.Runtime(); rt != nil {
		rt.Shutdown()
	}
	s.wsEndpoint.CleanupSessionSvc(vendedID)
	s.config.Log(1, "Session %s: runtime destroyed", vendedID)
}

// Eval implements protocol.Evaluator. Session IDs are vended IDs.
func (s *Server) Eval(sessionID, code string) (interface{}, error) {
	sess, ok := s.sessions.GetByVendedID(sessionID)
	if !ok {
		return nil, fmt.Errorf("unknown session: %s", sessionID)
	}
	sess.Touch()

	rt := sess.Runtime()
	if rt == nil {
		return nil, fmt.Errorf("session %s has no runtime", sessionID)
	}
	return rt.Eval(code)
}

// TraceRecords implements protocol.Evaluator.
func (s *Server) TraceRecords(sessionID string) (interface{}, error) {
	if s.traceBackend == nil {
		return nil, nil
	}
	if _, ok := s.sessions.GetByVendedID(sessionID); !ok {
		return nil, fmt.Errorf("unknown session: %s", sessionID)
	}
	return s.traceBackend.List(sessionID)
}

// CreateSession creates a session and returns its vended ID.
func (s *Server) CreateSession() (string, error) {
	_, vendedID, err := s.sessions.CreateSession()
	return vendedID, err
}

// DestroySession destroys a session by vended ID.
func (s *Server) DestroySession(sessionID string) error {
	internalID := s.sessions.GetInternalID(sessionID)
	if internalID == "" {
		return fmt.Errorf("unknown session: %s", sessionID)
	}
	return s.sessions.DestroySession(internalID)
}

// Sessions returns the vended IDs of all live sessions.
func (s *Server) Sessions() []string {
	all := s.sessions.GetAllSessions()
	ids := make([]string, 0, len(all))
	for _, sess := range all {
		if id := s.sessions.GetVendedID(sess.ID); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// GetSessions returns the session manager.
func (s *Server) GetSessions() *session.Manager {
	return s.sessions
}

// GetHandler returns the protocol handler.
func (s *Server) GetHandler() *protocol.Handler {
	return s.handler
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.wsEndpoint.HandleWebSocket(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"sessions": s.sessions.Count(),
	})
}

// Start starts the HTTP server on the configured port. It returns the
// full base URL once the listener is up.
func (s *Server) Start() (string, error) {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s,
	}

	// We need to capture the actual port if 0 was passed
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if s.config.Server.Port == 0 {
		addr = listener.Addr().String()
		_, portStr, _ := net.SplitHostPort(addr)
		s.config.Server.Port, _ = strconv.Atoi(portStr)
	}

	go func() {
		s.config.Log(0, "HTTP server listening on %s", addr)
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.config.Log(0, "HTTP server error: %v", err)
		}
	}()

	host := s.config.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}

	return fmt.Sprintf("http://%s:%d", host, s.config.Server.Port), nil
}

// StartCleanupWorker starts a background worker to clean up inactive sessions.
func (s *Server) StartCleanupWorker(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for range ticker.C {
			count := s.sessions.CleanupInactiveSessions()
			if count > 0 {
				s.config.Log(0, "Cleaned up %d inactive sessions", count)
			}
		}
	}()
}

// Shutdown gracefully shuts down the server, destroying all sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, sess := range s.sessions.GetAllSessions() {
		s.sessions.DestroySession(sess.ID)
	}

	if s.traceBackend != nil {
		s.traceBackend.Close()
	}

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
