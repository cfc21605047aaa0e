package e2e_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const (
	designA = "507f1f77bcf86cd799439011"
	designB = "507f1f77bcf86cd799439012"
)

// Helper function to create a WebSocket dialer
func newDialer() *websocket.Dialer {
	return &websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// sendEvent writes one envelope with a raw JSON payload. An empty payload
// sends the envelope without a data field, as leave_design does.
func sendEvent(t *testing.T, conn *websocket.Conn, event string, payload string) {
	t.Helper()

	env := envelope{Event: event}
	if payload != "" {
		env.Data = json.RawMessage(payload)
	}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("Failed to send %s: %v", event, err)
	}
}

// readEvent blocks until the next envelope arrives and decodes its payload
// into a generic map for assertions.
func readEvent(t *testing.T, conn *websocket.Conn) (string, map[string]any) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var env envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}

	var data map[string]any
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			t.Fatalf("Failed to decode %s payload: %v", env.Event, err)
		}
	}
	return env.Event, data
}

// expectEvent reads the next envelope and fails unless it carries the
// wanted event class.
func expectEvent(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()

	event, data := readEvent(t, conn)
	if event != want {
		t.Fatalf("got event %q, want %q (payload: %v)", event, want, data)
	}
	return data
}
