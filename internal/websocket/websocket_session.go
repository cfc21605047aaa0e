package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/canvaslab/drawnet"
	"github.com/canvaslab/drawnet/internal/protocol"
)

// Session implements the drawnet.Session interface over a single WebSocket
// connection. Writes go through a buffered channel drained by the write
// pump, so Send never blocks on the network.
type Session struct {
	id         string
	conn       *websocket.Conn
	remoteAddr string
	origin     string
	ctx        context.Context
	cancel     context.CancelFunc
	sendCh     chan []byte
	mu         sync.RWMutex
	closed     bool
	flood      *rate.Limiter
}

func newSession(conn *websocket.Conn, remoteAddr, origin string, flood *FloodConfig) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if flood != nil && flood.Enabled {
		limiter = rate.NewLimiter(flood.FramesPerSecond, flood.Burst)
	}

	sess := &Session{
		id:         uuid.New().String(),
		conn:       conn,
		remoteAddr: remoteAddr,
		origin:     origin,
		ctx:        ctx,
		cancel:     cancel,
		sendCh:     make(chan []byte, 256),
		closed:     false,
		flood:      limiter,
	}

	go sess.writePump()

	return sess
}

// ID returns the unique identifier of the session. It doubles as the member
// id other room participants see.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the session's remote network address.
func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

// Origin returns the origin address the session is accounted against for
// concurrent-connection limiting.
func (s *Session) Origin() string {
	return s.origin
}

// Context returns the session's lifecycle context.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Send encodes an event envelope and queues it for delivery. Delivery is
// best effort: when the send buffer is full the frame is dropped rather
// than blocking the caller, which may be another session's read loop.
func (s *Session) Send(ctx context.Context, event string, data any) error {
	// Encode before acquiring the lock
	raw, err := protocol.Encode(event, data)
	if err != nil {
		return fmt.Errorf("%s: %w", drawnet.ErrFailedToEncode, err)
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf(drawnet.ErrSessionClosed)
	}

	// Keep the lock while queueing to prevent a race with Close()
	select {
	case s.sendCh <- raw:
		s.mu.RUnlock()
		return nil
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	case <-s.ctx.Done():
		s.mu.RUnlock()
		return fmt.Errorf(drawnet.ErrContextCancelled)
	default:
		s.mu.RUnlock()
		return fmt.Errorf(drawnet.ErrSendBufferFull)
	}
}

// Close closes the session gracefully.
func (s *Session) Close(ctx context.Context) error {
	return s.CloseWithCode(ctx, websocket.CloseNormalClosure, "")
}

// CloseWithCode closes the connection with a close code and optional reason.
func (s *Session) CloseWithCode(ctx context.Context, code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.cancel()

	message := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	s.conn.WriteControl(websocket.CloseMessage, message, deadline)

	close(s.sendCh)
	return s.conn.Close()
}

// IsAlive returns true if the connection is still active.
func (s *Session) IsAlive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

// allowFrame reports whether the session is within its raw frame budget.
// This is transport flood protection; the per-event-class limits are
// enforced later by the router.
func (s *Session) allowFrame() bool {
	if s.flood == nil {
		return true
	}
	return s.flood.Allow()
}

// writePump pumps messages from the send channel to the connection. It also
// keeps the connection alive with periodic pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.sendCh:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Channel closed
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.ctx.Done():
			return
		}
	}
}
