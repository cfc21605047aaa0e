package e2e_test

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/canvaslab/drawnet/ws"
)

// startServer boots a collaboration server on addr and registers its
// shutdown with the test.
func startServer(t *testing.T, addr string) *ws.Server {
	t.Helper()

	server := ws.New(ws.NewConfig(addr))
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Stop(stopCtx)
	})

	time.Sleep(200 * time.Millisecond)
	return server
}

func TestCollaborationFlow(t *testing.T) {
	t.Parallel()

	server := startServer(t, ":18080")

	alice, _, err := newDialer().Dial("ws://localhost:18080/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer alice.Close()

	// Alice joins and receives a roster that contains only herself.
	sendEvent(t, alice, "join_design", `{"designId":"`+designA+`","userName":"Alice"}`)
	joined := expectEvent(t, alice, "joined_design")

	aliceID, _ := joined["userId"].(string)
	if aliceID == "" {
		t.Fatal("joined_design should carry the assigned userId")
	}
	if joined["userName"] != "Alice" {
		t.Errorf("userName = %v, want Alice", joined["userName"])
	}
	if color, _ := joined["userColor"].(string); color == "" {
		t.Error("joined_design should carry an assigned color")
	}
	if roster, ok := joined["roomUsers"].([]any); !ok || len(roster) != 1 {
		t.Errorf("roomUsers = %v, want a single entry", joined["roomUsers"])
	}

	bob, _, err := newDialer().Dial("ws://localhost:18080/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer bob.Close()

	// Bob joins the same design and sees both members in the roster,
	// while alice is told about the arrival.
	sendEvent(t, bob, "join_design", `{"designId":"`+designA+`","userName":"Bob"}`)
	joined = expectEvent(t, bob, "joined_design")

	bobID, _ := joined["userId"].(string)
	if roster, ok := joined["roomUsers"].([]any); !ok || len(roster) != 2 {
		t.Errorf("roomUsers = %v, want two entries", joined["roomUsers"])
	}

	arrival := expectEvent(t, alice, "user_joined")
	if arrival["userId"] != bobID {
		t.Errorf("user_joined userId = %v, want %v", arrival["userId"], bobID)
	}
	if arrival["userName"] != "Bob" {
		t.Errorf("user_joined userName = %v, want Bob", arrival["userName"])
	}

	// Alice adds an element. Bob receives it enriched with her identity
	// and a server timestamp; alice gets no echo.
	sendEvent(t, alice, "element_operation",
		`{"type":"element_added","elementId":"rect-1","element":{"kind":"rect","x":10,"y":20}}`)

	op := expectEvent(t, bob, "element_operation")
	if op["type"] != "element_added" {
		t.Errorf("operation type = %v, want element_added", op["type"])
	}
	if op["elementId"] != "rect-1" {
		t.Errorf("elementId = %v, want rect-1", op["elementId"])
	}
	if op["userId"] != aliceID {
		t.Errorf("operation userId = %v, want %v", op["userId"], aliceID)
	}
	if op["designId"] != designA {
		t.Errorf("operation designId = %v, want %v", op["designId"], designA)
	}
	if ts, ok := op["timestamp"].(float64); !ok || ts <= 0 {
		t.Errorf("timestamp = %v, want a positive server stamp", op["timestamp"])
	}

	// Bob streams a cursor position. Alice receives it directly after the
	// arrival notice, which proves her own operation was never echoed.
	sendEvent(t, bob, "cursor_move", `{"x":150,"y":300.5}`)

	cursor := expectEvent(t, alice, "cursor_move")
	if cursor["userId"] != bobID {
		t.Errorf("cursor userId = %v, want %v", cursor["userId"], bobID)
	}
	pos, ok := cursor["cursor"].(map[string]any)
	if !ok || pos["x"] != 150.0 || pos["y"] != 300.5 {
		t.Errorf("cursor position = %v, want x=150 y=300.5", cursor["cursor"])
	}

	// Bob drags the element; alice sees every phase with his identity.
	sendEvent(t, bob, "element_drag_start", `{"elementId":"rect-1","x":10,"y":20}`)
	drag := expectEvent(t, alice, "element_drag_start")
	if drag["elementId"] != "rect-1" || drag["userId"] != bobID {
		t.Errorf("drag payload = %v, want rect-1 from %v", drag, bobID)
	}

	// Bob leaves politely and alice is notified.
	sendEvent(t, bob, "leave_design", "")
	left := expectEvent(t, alice, "user_left")
	if left["userId"] != bobID {
		t.Errorf("user_left userId = %v, want %v", left["userId"], bobID)
	}

	stats := server.Stats()
	if stats.Sessions != 2 {
		t.Errorf("Sessions = %d, want 2", stats.Sessions)
	}
	if stats.Members != 1 {
		t.Errorf("Members = %d, want 1 after bob left", stats.Members)
	}
}

func TestValidationAndMembershipErrors(t *testing.T) {
	t.Parallel()

	startServer(t, ":18081")

	conn, _, err := newDialer().Dial("ws://localhost:18081/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	// A malformed design id is rejected before any room state changes.
	sendEvent(t, conn, "join_design", `{"designId":"not-hex"}`)
	failure := expectEvent(t, conn, "error")
	if failure["code"] != "validation_error" {
		t.Errorf("error code = %v, want validation_error", failure["code"])
	}

	// Operations without a joined design are refused.
	sendEvent(t, conn, "element_operation", `{"type":"element_added","elementId":"rect-1"}`)
	failure = expectEvent(t, conn, "error")
	if failure["code"] != "not_in_room" {
		t.Errorf("error code = %v, want not_in_room", failure["code"])
	}

	// The same connection can still join normally afterwards.
	sendEvent(t, conn, "join_design", `{"designId":"`+designA+`"}`)
	joined := expectEvent(t, conn, "joined_design")
	if id, _ := joined["userId"].(string); id == "" {
		t.Error("join after rejected attempts should still succeed")
	}

	// An unknown operation type is a validation failure, not a drop.
	sendEvent(t, conn, "element_operation", `{"type":"element_exploded","elementId":"rect-1"}`)
	failure = expectEvent(t, conn, "error")
	if failure["code"] != "validation_error" {
		t.Errorf("error code = %v, want validation_error", failure["code"])
	}
}

func TestMalformedEnvelopeStrikes(t *testing.T) {
	t.Parallel()

	startServer(t, ":18082")

	conn, _, err := newDialer().Dial("ws://localhost:18082/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	// The first malformed frame draws an error but keeps the session open.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("Failed to send junk: %v", err)
	}
	failure := expectEvent(t, conn, "error")
	if failure["message"] != "invalid message envelope" {
		t.Errorf("error message = %v, want invalid message envelope", failure["message"])
	}

	sendEvent(t, conn, "join_design", `{"designId":"`+designA+`"}`)
	expectEvent(t, conn, "joined_design")

	// Nine more strikes exhaust the budget and the server hangs up.
	for i := 0; i < 9; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte("still not json")); err != nil {
			t.Fatalf("Failed to send junk %d: %v", i, err)
		}
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	sawClose := false
	for i := 0; i < 20; i++ {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			sawClose = true
			break
		}
	}
	if !sawClose {
		t.Error("Connection should be closed after exhausting the decode strike budget")
	}
}

func TestRoomIsolation(t *testing.T) {
	t.Parallel()

	startServer(t, ":18083")

	editor, _, err := newDialer().Dial("ws://localhost:18083/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer editor.Close()

	bystander, _, err := newDialer().Dial("ws://localhost:18083/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer bystander.Close()

	sendEvent(t, editor, "join_design", `{"designId":"`+designA+`"}`)
	expectEvent(t, editor, "joined_design")
	sendEvent(t, bystander, "join_design", `{"designId":"`+designB+`"}`)
	expectEvent(t, bystander, "joined_design")

	sendEvent(t, editor, "element_operation",
		`{"type":"element_added","elementId":"rect-1","element":{}}`)
	sendEvent(t, editor, "cursor_move", `{"x":1,"y":2}`)

	// Nothing from designA may cross into designB.
	bystander.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	if _, _, err := bystander.ReadMessage(); err == nil {
		t.Error("Bystander in another design should not receive foreign events")
	}
}

func TestConnectionLifetimeExpiry(t *testing.T) {
	t.Parallel()

	cfg := ws.NewConfig(":18085")
	cfg.MaxConnectionAge = 500 * time.Millisecond

	server := ws.New(cfg)
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Stop(stopCtx)
	})
	time.Sleep(200 * time.Millisecond)

	conn, _, err := newDialer().Dial("ws://localhost:18085/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	// The session stays joined and active, yet the lifetime cap still
	// force-closes it.
	sendEvent(t, conn, "join_design", `{"designId":"`+designA+`"}`)
	expectEvent(t, conn, "joined_design")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				t.Logf("close error = %v, policy violation close expected", err)
			}
			return
		}
	}
}

func TestFrameFloodDisconnects(t *testing.T) {
	t.Parallel()

	cfg := ws.NewConfig(":18086")
	cfg.Flood = &ws.FloodConfig{FramesPerSecond: 1, Burst: 3, Enabled: true}

	server := ws.New(cfg)
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Stop(stopCtx)
	})
	time.Sleep(200 * time.Millisecond)

	conn, _, err := newDialer().Dial("ws://localhost:18086/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	// Burn through the burst budget as fast as the socket allows.
	for i := 0; i < 20; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"cursor_move","data":{"x":1,"y":1}}`)); err != nil {
			break
		}
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	sawClose := false
	for i := 0; i < 40; i++ {
		if _, _, err := conn.ReadMessage(); err != nil {
			sawClose = true
			break
		}
	}
	if !sawClose {
		t.Error("Connection should be closed after exceeding the frame budget")
	}
}

func TestOriginConnectionCapRefusal(t *testing.T) {
	t.Parallel()

	cfg := ws.NewConfig(":18087")
	cfg.MaxSessionsPerOrigin = 2

	server := ws.New(cfg)
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Stop(stopCtx)
	})
	time.Sleep(200 * time.Millisecond)

	first, _, err := newDialer().Dial("ws://localhost:18087/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer first.Close()

	second, _, err := newDialer().Dial("ws://localhost:18087/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer second.Close()

	// The third concurrent connection from the same host is refused
	// before the upgrade.
	_, resp, err := newDialer().Dial("ws://localhost:18087/ws", nil)
	if err == nil {
		t.Fatal("Third connection should be refused")
	}
	if resp == nil || resp.StatusCode != 429 {
		t.Errorf("refusal status = %v, want 429", resp)
	}

	// Releasing one slot admits a newcomer.
	first.Close()
	time.Sleep(200 * time.Millisecond)

	replacement, _, err := newDialer().Dial("ws://localhost:18087/ws", nil)
	if err != nil {
		t.Fatalf("Connection after release should succeed: %v", err)
	}
	defer replacement.Close()
}

func TestServerStopClosesSessions(t *testing.T) {
	t.Parallel()

	server := ws.New(ws.NewConfig(":18084"))
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	conn, _, err := newDialer().Dial("ws://localhost:18084/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(stopCtx); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Read should fail after the server shut down")
	}
}
