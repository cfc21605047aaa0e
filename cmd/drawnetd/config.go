package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/canvaslab/drawnet/ws"
)

type Config struct {
	Addr             string        `env:"DRAWNET_ADDR,default=:8080"`
	WSPath           string        `env:"DRAWNET_WS_PATH,default=/ws"`
	HealthAddr       string        `env:"DRAWNET_HEALTH_ADDR,default=:8081"`
	LogLevel         string        `env:"DRAWNET_LOG_LEVEL,default=info"`
	LogJSON          bool          `env:"DRAWNET_LOG_JSON,default=false"`
	AllowedOrigins   string        `env:"DRAWNET_ALLOWED_ORIGINS"`
	RoomCap          int           `env:"DRAWNET_ROOM_CAP,default=50"`
	MaxPerOrigin     int           `env:"DRAWNET_MAX_CONNS_PER_ORIGIN,default=10"`
	FloodRate        float64       `env:"DRAWNET_FLOOD_FRAMES_PER_SEC,default=100"`
	FloodBurst       int           `env:"DRAWNET_FLOOD_BURST,default=200"`
	MaxConnectionAge time.Duration `env:"DRAWNET_MAX_CONNECTION_AGE,default=30m"`
	IdleTimeout      time.Duration `env:"DRAWNET_IDLE_TIMEOUT,default=5m"`
	ReapInterval     time.Duration `env:"DRAWNET_REAP_INTERVAL,default=1m"`
	LimitWindow      time.Duration `env:"DRAWNET_LIMIT_WINDOW,default=1m"`
	ShutdownTimeout  time.Duration `env:"DRAWNET_SHUTDOWN_TIMEOUT,default=10s"`
}

func (c Config) Validate() error {
	if c.Addr == c.HealthAddr {
		return fmt.Errorf("DRAWNET_ADDR and DRAWNET_HEALTH_ADDR must differ, both are %q", c.Addr)
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("DRAWNET_WS_PATH must start with a slash, got %q", c.WSPath)
	}
	return nil
}

// OriginPolicy builds the handshake origin check from the comma separated
// DRAWNET_ALLOWED_ORIGINS list. An empty list admits every origin.
func (c Config) OriginPolicy() ws.CheckOriginFn {
	raw := strings.TrimSpace(c.AllowedOrigins)
	if raw == "" || raw == "*" {
		return ws.AllOrigins()
	}
	allowed := lo.Map(strings.Split(raw, ","), func(origin string, _ int) string {
		return strings.ToLower(strings.TrimSpace(origin))
	})
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return lo.Contains(allowed, strings.ToLower(origin))
	}
}
