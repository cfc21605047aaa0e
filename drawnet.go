package drawnet

import (
	"context"
	"time"
)

// Server defines the interface for a realtime collaboration server for shared
// design sessions.
//
// A server accepts WebSocket connections, tracks which session is present in
// which design room, and relays element operations and presence signals
// (cursor position, drag state) to every other participant of the same room.
// Delivery is best effort and nothing is persisted; a restart loses all room
// membership and clients are expected to rejoin.
//
// Example usage:
//
//	import "github.com/canvaslab/drawnet/ws"
//
//	cfg := ws.NewConfig(":8080")
//	server := ws.New(cfg)
//
//	if err := server.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
type Server interface {
	// Start starts the server and begins listening for connections.
	// The server keeps running until Stop is called or the context is
	// cancelled.
	//
	// Returns an error if the server is already running or if there is a
	// problem binding to the network address.
	Start(ctx context.Context) error

	// Stop gracefully stops the server. All sessions are closed and the
	// background sweepers are shut down. Active connections are given time
	// to close properly.
	//
	// Returns an error if there is a problem during shutdown.
	Stop(ctx context.Context) error
}

// Session represents a connected client session.
//
// Each session has a unique identifier minted at accept time that stays
// constant for the lifetime of the connection; it doubles as the member id
// other participants see in presence broadcasts. The session's context is
// cancelled when the connection closes.
type Session interface {
	// ID returns the unique identifier of the session.
	//
	// The ID is generated when the connection is accepted and remains
	// constant until it closes.
	ID() string

	// RemoteAddr returns the session's remote network address, typically
	// in the form "IP:port".
	RemoteAddr() string

	// Origin returns the origin address the session is accounted against
	// for concurrent-connection limiting. This is the host portion of the
	// remote address.
	Origin() string

	// Context returns the session's lifecycle context.
	//
	// The context is cancelled when the connection closes, allowing
	// goroutines tied to the session to clean up.
	Context() context.Context

	// Send encodes an event envelope and queues it for delivery to the
	// session. The send is non-blocking with respect to the network; the
	// message is dropped if the connection closes before it is written.
	//
	// Returns an error if the connection is closed or the context is
	// cancelled.
	Send(ctx context.Context, event string, data any) error

	// Close closes the session gracefully.
	//
	// This is equivalent to calling CloseWithCode with
	// websocket.CloseNormalClosure.
	Close(ctx context.Context) error

	// CloseWithCode closes the connection with a specific WebSocket close
	// code and optional reason.
	CloseWithCode(ctx context.Context, code int, reason string) error

	// IsAlive returns true if the connection is still active.
	IsAlive() bool
}

// AuditEntry is a record of a security-relevant lifecycle decision made by
// the server on behalf of a connection.
type AuditEntry struct {
	Time   time.Time
	Kind   string
	RoomID string
	UserID string
	Origin string
	Detail string
}

// Audit entry kinds.
const (
	// AuditMemberReaped records a member evicted for inactivity.
	AuditMemberReaped = "member_reaped"
	// AuditConnectionExpired records a connection force-closed after
	// reaching its maximum lifetime.
	AuditConnectionExpired = "connection_expired"
	// AuditConnectionRefused records a connection refused because its
	// origin reached the concurrent-connection ceiling.
	AuditConnectionRefused = "connection_refused"
)

// AuditSink consumes audit entries. Implementations must be safe for
// concurrent use and must not block; entries are informational and are
// written from connection and sweeper goroutines.
type AuditSink interface {
	Record(entry AuditEntry)
}
