package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/canvaslab/drawnet"
	"github.com/canvaslab/drawnet/internal/collab"
	"github.com/canvaslab/drawnet/internal/guard"
	"github.com/canvaslab/drawnet/internal/presence"
	"github.com/canvaslab/drawnet/internal/protocol"
	"github.com/canvaslab/drawnet/internal/ratelimit"
)

// CheckOriginFn validates the origin of a WebSocket connection request.
// It receives the HTTP request and returns true if the origin is allowed.
// When nil, the underlying upgrader falls back to a same-host check.
type CheckOriginFn = func(r *http.Request) bool

// OnConnectFn is called when a new session connects. It runs after the
// WebSocket handshake completes and before the message reading loop starts,
// so it is the place to track connections or send a welcome message.
//
// The callback runs synchronously during connection setup; avoid
// long-running work that could delay the first read.
type OnConnectFn = func(sess drawnet.Session)

// OnDisconnectFn is invoked when a session disconnects. voluntary is true
// when the session was closed deliberately (by either side), false for
// unexpected terminations such as read errors or timeouts. The session's
// room membership has already been released when this fires.
type OnDisconnectFn = func(sess drawnet.Session, voluntary bool)

// A session sending this many undecodable frames is disconnected instead of
// being error-looped forever.
const maxDecodeStrikes = 10

// FloodConfig bounds the raw frame rate of a single connection, before any
// event is decoded. It is the transport-level backstop under the per-class
// event limits enforced by the router.
type FloodConfig struct {
	// FramesPerSecond defines how many frames a session can send per second
	FramesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if flood protection is active
	Enabled bool
}

// DefaultFloodConfig allows 100 frames per second with a burst of 200.
func DefaultFloodConfig() *FloodConfig {
	return &FloodConfig{
		FramesPerSecond: 100,
		Burst:           200,
		Enabled:         true,
	}
}

// NoFloodLimit returns a configuration with flood protection disabled.
func NoFloodLimit() *FloodConfig {
	return &FloodConfig{
		Enabled: false,
	}
}

// ServerConfig carries everything the collaboration server needs. The zero
// value of every field except Addr is usable; see New for the defaults.
type ServerConfig struct {
	// Addr is the network address to listen on (e.g. ":8080").
	Addr string
	// Path is the WebSocket endpoint path. Defaults to "/ws".
	Path string

	Logger *logrus.Logger
	// Audit receives records of reaped members, expired connections and
	// refused connections. Nil discards them.
	Audit drawnet.AuditSink

	CheckOrigin  CheckOriginFn
	OnConnect    OnConnectFn
	OnDisconnect OnDisconnectFn

	// Flood bounds raw frames per connection. Nil means DefaultFloodConfig.
	Flood *FloodConfig
	// EventLimits overrides the per-window ceiling per event class. Nil
	// means collab.DefaultEventLimits.
	EventLimits map[string]int
	// LimitWindow is the rate limit window length. Defaults to one minute.
	LimitWindow time.Duration

	// RoomCap is the maximum number of members per design room (default 50).
	RoomCap int
	// MaxSessionsPerOrigin caps concurrent connections per origin address
	// (default 10).
	MaxSessionsPerOrigin int
	// MaxConnectionAge force-closes connections older than this regardless
	// of activity (default 30 minutes).
	MaxConnectionAge time.Duration

	// ReapInterval is how often idle members are swept (default 1 minute).
	ReapInterval time.Duration
	// IdleTimeout is how long a member may go without sending an accepted
	// event before the reaper evicts it (default 5 minutes).
	IdleTimeout time.Duration
}

// Stats is a point-in-time census of the server.
type Stats struct {
	Sessions int `json:"sessions"`
	Rooms    int `json:"rooms"`
	Members  int `json:"members"`
}

// Server accepts WebSocket connections and routes their events through the
// collaboration core. It implements the drawnet.Server interface.
type Server struct {
	addr   string
	path   string
	server *http.Server

	sessions sync.Map // map[string]*Session

	registry *presence.Registry
	limiter  *ratelimit.Limiter
	core     *collab.Core
	guard    *guard.Guard
	reaper   *presence.Reaper

	flood  *FloodConfig
	maxAge time.Duration
	audit  drawnet.AuditSink
	log    *logrus.Entry

	mu         sync.RWMutex
	running    bool
	stopSweeps context.CancelFunc

	upgrader     websocket.Upgrader
	onConnect    OnConnectFn
	onDisconnect OnDisconnectFn
}

type nopAudit struct{}

func (nopAudit) Record(drawnet.AuditEntry) {}

// New creates a collaboration server from the given configuration. The
// presence registry, rate limiter, router, connection guard and reaper are
// wired together here; Start brings the listener and the sweepers up.
func New(cfg *ServerConfig) *Server {
	flood := cfg.Flood
	if flood == nil {
		flood = DefaultFloodConfig()
	}
	path := cfg.Path
	if path == "" {
		path = "/ws"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	audit := cfg.Audit
	if audit == nil {
		audit = nopAudit{}
	}
	maxAge := cfg.MaxConnectionAge
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	limits := cfg.EventLimits
	if limits == nil {
		limits = collab.DefaultEventLimits()
	}

	registry := presence.NewRegistry(cfg.RoomCap, logger)
	limiter := ratelimit.New(ratelimit.Config{
		Window:   cfg.LimitWindow,
		Ceilings: limits,
	}, logger)
	core := collab.NewCore(registry, limiter, logger)

	return &Server{
		addr:         cfg.Addr,
		path:         path,
		registry:     registry,
		limiter:      limiter,
		core:         core,
		guard:        guard.New(cfg.MaxSessionsPerOrigin),
		reaper:       presence.NewReaper(registry, cfg.ReapInterval, cfg.IdleTimeout, core.EvictIdle, audit, logger),
		flood:        flood,
		maxAge:       maxAge,
		audit:        audit,
		log:          logger.WithField("component", "server"),
		onConnect:    cfg.OnConnect,
		onDisconnect: cfg.OnDisconnect,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

// Start starts the server and the background sweepers.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf(drawnet.ErrServerAlreadyRunning)
	}
	s.running = true

	sweepCtx, cancel := context.WithCancel(context.Background())
	s.stopSweeps = cancel
	s.mu.Unlock()

	go s.reaper.Run(sweepCtx)
	go s.limiter.Run(sweepCtx)

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Check for immediate startup errors with a small timeout
	select {
	case err := <-errChan:
		// Reset running state without calling Stop to avoid deadlock
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		cancel()
		return err
	case <-ctx.Done():
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		return s.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
		s.log.WithFields(logrus.Fields{
			"addr": s.addr,
			"path": s.path,
		}).Info("server listening")
		return nil
	}
}

// Stop stops the server, the sweepers and every open session.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	stop := s.stopSweeps
	s.mu.Unlock()

	if stop != nil {
		stop()
	}

	s.sessions.Range(func(_, value any) bool {
		if sess, ok := value.(*Session); ok {
			sess.Close(ctx)
		}
		return true
	})

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Session returns a connected session by id.
func (s *Server) Session(id string) (drawnet.Session, bool) {
	if sess, ok := s.sessions.Load(id); ok {
		return sess.(*Session), true
	}
	return nil, false
}

// SessionCount returns the number of open connections.
func (s *Server) SessionCount() int {
	n := 0
	s.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Stats reports the current sessions, rooms and members.
func (s *Server) Stats() Stats {
	return Stats{
		Sessions: s.SessionCount(),
		Rooms:    s.registry.Rooms(),
		Members:  s.registry.Size(),
	}
}

// handleWebSocket admits incoming connections. The origin ceiling is
// checked before the upgrade so refused connections cost one HTTP response,
// not a socket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	origin := guard.OriginOf(r.RemoteAddr)
	if !s.guard.Acquire(origin) {
		s.log.WithField("origin", origin).Warn("connection refused, origin at capacity")
		s.audit.Record(drawnet.AuditEntry{
			Time:   time.Now(),
			Kind:   drawnet.AuditConnectionRefused,
			Origin: origin,
			Detail: "concurrent connection limit reached",
		})
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own response
		s.guard.Release(origin)
		return
	}

	sess := newSession(conn, r.RemoteAddr, origin, s.flood)
	s.sessions.Store(sess.ID(), sess)

	go s.serveSession(sess)
}

// serveSession owns one connection: it arms the lifetime timer, reads
// frames, and dispatches decoded events into the router synchronously so
// per-connection ordering survives end to end.
func (s *Server) serveSession(sess *Session) {
	lifetime := time.AfterFunc(s.maxAge, func() {
		s.log.WithFields(logrus.Fields{
			"session_id": sess.ID(),
			"origin":     sess.Origin(),
			"age":        s.maxAge.String(),
		}).Warn("connection lifetime exceeded")
		s.audit.Record(drawnet.AuditEntry{
			Time:   time.Now(),
			Kind:   drawnet.AuditConnectionExpired,
			UserID: sess.ID(),
			Origin: sess.Origin(),
			Detail: "maximum connection age " + s.maxAge.String(),
		})
		sess.CloseWithCode(context.Background(), websocket.ClosePolicyViolation, "connection lifetime exceeded")
	})

	defer func() {
		voluntary := sess.Context().Err() == context.Canceled
		lifetime.Stop()

		if s.onDisconnect != nil {
			s.onDisconnect(sess, voluntary)
		}
		s.sessions.Delete(sess.ID())
		s.core.Disconnect(sess)
		s.guard.Release(sess.Origin())
		sess.Close(context.Background())
	}()

	sess.conn.SetReadLimit(protocol.MaxEnvelopeSize)
	sess.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	if s.onConnect != nil {
		s.onConnect(sess)
	}

	strikes := 0
	for {
		select {
		case <-sess.Context().Done():
			return
		default:
			_, data, err := sess.conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					// The client sent a close frame; mark the
					// shutdown as deliberate before the defer
					// computes voluntary.
					sess.Close(context.Background())
				} else if websocket.IsUnexpectedCloseError(err,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway,
					websocket.CloseAbnormalClosure) {
					s.log.WithField("session_id", sess.ID()).WithError(err).Debug("read failed")
				}
				return
			}

			// Reset read deadline after successful read
			sess.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

			if !sess.allowFrame() {
				s.log.WithFields(logrus.Fields{
					"session_id":  sess.ID(),
					"remote_addr": sess.RemoteAddr(),
				}).Warn("frame flood, closing connection")
				sess.CloseWithCode(context.Background(), websocket.ClosePolicyViolation, "message flood")
				return
			}

			event, payload, err := protocol.Decode(data)
			if err != nil {
				strikes++
				s.sendError(sess, drawnet.CodeValidation, drawnet.ErrInvalidEnvelope)
				if strikes >= maxDecodeStrikes {
					sess.CloseWithCode(context.Background(), websocket.CloseProtocolError, drawnet.ErrInvalidEnvelope)
					return
				}
				continue
			}

			s.core.Handle(sess, event, payload)
		}
	}
}

func (s *Server) sendError(sess *Session, code, message string) {
	err := sess.Send(sess.Context(), drawnet.EventError, drawnet.ErrorEvent{
		Code:    code,
		Message: message,
	})
	if err != nil {
		s.log.WithField("session_id", sess.ID()).WithError(err).Debug("error event not delivered")
	}
}
