package ctxclient

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zot/context-engine/internal/config"
	"github.com/zot/context-engine/internal/server"
)

func startEngine(t *testing.T) string {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Runtime.Path = t.TempDir()
	cfg.Trace.Type = "memory"

	s, err := server.New(cfg)
	if err != nil {
		t.Fatalf("server.New failed: %v", err)
	}
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)

	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

// TestConnectAndEval verifies the basic connect/eval round trip
func TestConnectAndEval(t *testing.T) {
	url := startEngine(t)

	conn, err := Connect(url)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer conn.Close()

	if conn.SessionID() == "" {
		t.Error("Expected non-empty session ID")
	}

	var result float64
	if err := conn.EvalInto("return 6 * 7", &result); err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	if result != 42 {
		t.Errorf("Expected 42, got %v", result)
	}
}

// TestEvalError verifies script errors surface as Go errors
func TestEvalError(t *testing.T) {
	url := startEngine(t)

	conn, err := Connect(url)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Eval("error('kaboom')"); err == nil {
		t.Fatal("Expected error from Eval")
	} else if !strings.Contains(err.Error(), "kaboom") {
		t.Errorf("Expected error to mention kaboom, got %v", err)
	}
}

// TestRejoin verifies session state survives reconnection
func TestRejoin(t *testing.T) {
	url := startEngine(t)

	first, err := Connect(url)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if _, err := first.Eval("answer = 42"); err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	sessionID := first.SessionID()
	first.Close()

	second, err := Rejoin(url, sessionID)
	if err != nil {
		t.Fatalf("Rejoin failed: %v", err)
	}
	defer second.Close()

	if second.SessionID() != sessionID {
		t.Errorf("Rejoined session ID %s, want %s", second.SessionID(), sessionID)
	}

	var result float64
	if err := second.EvalInto("return answer", &result); err != nil {
		t.Fatalf("Eval after rejoin failed: %v", err)
	}
	if result != 42 {
		t.Errorf("Expected 42 after rejoin, got %v", result)
	}
}

// TestRejoinUnknownSession verifies rejoining a bad ID fails
func TestRejoinUnknownSession(t *testing.T) {
	url := startEngine(t)

	if _, err := Rejoin(url, "999"); err == nil {
		t.Fatal("Expected Rejoin to fail for unknown session")
	}
}

// TestTrace verifies trace records come back through the client
func TestTrace(t *testing.T) {
	url := startEngine(t)

	conn, err := Connect(url)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Eval("return 1"); err != nil {
		t.Fatalf("Eval failed: %v", err)
	}

	records, err := conn.Trace()
	if err != nil {
		t.Fatalf("Trace failed: %v", err)
	}
	if len(records) == 0 {
		t.Fatal("Expected at least one trace record")
	}
	if records[0].Kind == "" {
		t.Error("Expected record kind to be set")
	}
}

// TestUnhandledRejectionEvent verifies engine events reach the handler
func TestUnhandledRejectionEvent(t *testing.T) {
	url := startEngine(t)

	conn, err := Connect(url)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer conn.Close()

	events := make(chan string, 1)
	conn.OnEvent(func(name, value string) {
		if name == "unhandledRejection" {
			events <- value
		}
	})

	code := `
		local futures = require("futures")
		local f, resolve, reject = futures.new("orphan")
		reject("nobody listening")
	`
	if _, err := conn.Eval(code); err != nil {
		t.Fatalf("Eval failed: %v", err)
	}

	select {
	case value := <-events:
		if !strings.Contains(value, "nobody listening") {
			t.Errorf("Expected event to carry the rejection, got %q", value)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for unhandledRejection event")
	}
}
