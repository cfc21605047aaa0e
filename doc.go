// Package drawnet provides a realtime collaboration server for shared
// design-canvas editing.
//
// Multiple browser sessions edit the same document concurrently; this core
// turns their independent WebSocket streams into a room-scoped broadcast
// fabric. It tracks who is present in which design session, relays
// element-level edit operations and ephemeral presence signals (cursor
// position, drag state) to every other participant of the same room, and
// protects the process from abusive or malformed input under many
// concurrent, untrusted connections.
//
// # Architecture
//
// Inbound events flow through a fixed pipeline: contract validation, then a
// per-(session, event class) rate limit, then the presence registry, then a
// broadcast to the other members of the sender's room. The router binds each
// event class to its contract and handler in a dispatch table, so adding an
// event class is a data change rather than new control flow. Room
// membership, rate windows and per-origin connection counts are the only
// shared state; all of it is in-memory and lost on restart, and clients are
// expected to rejoin.
//
// # Quick Start
//
//	import (
//	    "github.com/canvaslab/drawnet"
//	    "github.com/canvaslab/drawnet/ws"
//	)
//
//	cfg := ws.NewConfig(":8080")
//	cfg.OnConnect = func(sess drawnet.Session) {
//	    log.Printf("session connected: %s", sess.ID())
//	}
//
//	server := ws.New(cfg)
//	if err := server.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// A connected client then drives everything over the wire: it joins a
// design room with join_design and receives the room roster back, after
// which its element operations, cursor moves and drag events are relayed to
// the other members of that room.
//
// # Protocol Format
//
// Messages are JSON text frames with a two-field envelope:
//
//	{"event": "<event class>", "data": { ... }}
//
// Inbound classes: join_design, leave_design, element_operation,
// cursor_move, element_drag_start, element_drag_move, element_drag_end.
// Outbound classes: joined_design, user_joined, user_left,
// element_operation, cursor_move, the drag classes and error. Error events
// carry {code, message} and go only to the offending session; other
// participants never observe a peer's failure.
//
// Maximum envelope: 64KB. Larger frames close the connection.
//
// # Rate Limiting
//
// Two independent layers protect the server:
//
//   - Per event class, each session gets a fixed 60 second counting window
//     with a class-specific ceiling (presence noise like cursor_move runs
//     high, element mutations lower, joins lower still). Over-ceiling
//     cursor traffic is dropped silently; over-ceiling mutations earn the
//     sender a rate_limit_exceeded error.
//   - Per connection, a token bucket bounds raw frames per second before
//     any decoding happens. A flooding connection is closed with code 1008
//     (Policy Violation).
//
// # Security Features
//
//   - Concurrent connections capped per origin address (refused with 429)
//   - Connection lifetime cap: 30 minutes, then force-close
//   - Inactivity reaper evicts members idle for over 5 minutes
//   - Contract validation on every payload (bounded lengths, numeric
//     ranges, identifier formats)
//   - Read timeout 60s, write timeout 10s, keepalive via ping/pong
//   - Origin validation via CheckOriginFn
//
// # Performance
//
//   - 256-message send buffer per session; slow receivers never block the
//     sender's read loop
//   - Peer snapshots are taken under the registry lock, sends happen
//     outside it
//   - Ping every 54 seconds
//
// # Important
//
//   - Events from one session are handled synchronously in arrival order;
//     per-session ordering is preserved end to end, but there is no global
//     ordering across sessions
//   - Delivery is best effort: undeliverable broadcasts are dropped, and
//     nothing is persisted
//   - Configure CheckOriginFn in production (never use ws.AllOrigins() in
//     production)
package drawnet
