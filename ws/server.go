// Package ws is the public entry point for running a collaboration server.
// It re-exports the configuration surface of the internal implementation so
// applications never import internal packages directly.
package ws

import (
	"net/http"

	"github.com/canvaslab/drawnet/internal/collab"
	"github.com/canvaslab/drawnet/internal/websocket"
)

type FloodConfig = websocket.FloodConfig
type CheckOriginFn = websocket.CheckOriginFn
type OnConnectFn = websocket.OnConnectFn
type OnDisconnectFn = websocket.OnDisconnectFn
type Config = websocket.ServerConfig
type Server = websocket.Server
type Stats = websocket.Stats

// New creates a collaboration server from the given configuration. The
// returned server satisfies the drawnet.Server interface.
//
// Example:
//
//	cfg := ws.NewConfig(":8080")
//	cfg.CheckOrigin = ws.AllOrigins()
//	cfg.OnConnect = func(sess drawnet.Session) {
//	    log.Printf("session connected: %s", sess.ID())
//	}
//
//	server := ws.New(cfg)
//	if err := server.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
func New(cfg *Config) *Server {
	return websocket.New(cfg)
}

// NewConfig returns a configuration listening on addr with every other
// field left to its default: the "/ws" path, default flood protection and
// event ceilings, a 50 member room cap, 10 connections per origin, a 30
// minute connection lifetime and a 5 minute inactivity timeout.
func NewConfig(addr string) *Config {
	return &Config{
		Addr: addr,
	}
}

// AllOrigins returns a check that admits every origin. Use behind a proxy
// that enforces its own origin policy, or in development.
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// DefaultFloodConfig returns the default per-connection frame budget.
func DefaultFloodConfig() *FloodConfig {
	return websocket.DefaultFloodConfig()
}

// NoFloodLimit returns a configuration with flood protection disabled.
func NoFloodLimit() *FloodConfig {
	return websocket.NoFloodLimit()
}

// DefaultEventLimits returns the default per-window ceiling per event class.
func DefaultEventLimits() map[string]int {
	return collab.DefaultEventLimits()
}
