package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/canvaslab/drawnet"
	"github.com/canvaslab/drawnet/ws"
)

// Exit codes to provide meaningful status to the operating system or service manager (e.g., systemd).
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "drawnetd terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run initializes the collaboration server, manages its lifecycle and
// centralizes error reporting so that deferred cleanup always executes.
func run() (int, error) {
	_ = godotenv.Load()

	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	if err := config.Validate(); err != nil {
		return exitConfig, err
	}

	logger := newLogger(config)
	started := time.Now()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := ws.NewConfig(config.Addr)
	cfg.Path = config.WSPath
	cfg.Logger = logger
	cfg.Audit = logAudit{log: logger.WithField("component", "audit")}
	cfg.CheckOrigin = config.OriginPolicy()
	cfg.RoomCap = config.RoomCap
	cfg.MaxSessionsPerOrigin = config.MaxPerOrigin
	cfg.Flood = &ws.FloodConfig{
		FramesPerSecond: rate.Limit(config.FloodRate),
		Burst:           config.FloodBurst,
		Enabled:         config.FloodRate > 0,
	}
	cfg.MaxConnectionAge = config.MaxConnectionAge
	cfg.IdleTimeout = config.IdleTimeout
	cfg.ReapInterval = config.ReapInterval
	cfg.LimitWindow = config.LimitWindow
	cfg.OnConnect = func(sess drawnet.Session) {
		logger.WithFields(logrus.Fields{
			"session_id":  sess.ID(),
			"remote_addr": sess.RemoteAddr(),
		}).Info("session connected")
	}
	cfg.OnDisconnect = func(sess drawnet.Session, voluntary bool) {
		logger.WithFields(logrus.Fields{
			"session_id": sess.ID(),
			"voluntary":  voluntary,
		}).Info("session disconnected")
	}

	server := ws.New(cfg)
	if err := server.Start(ctx); err != nil {
		return exitRuntime, fmt.Errorf("websocket server: %w", err)
	}

	health := &http.Server{
		Addr:    config.HealthAddr,
		Handler: healthMux(server, started),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", config.HealthAddr).Info("health endpoint listening")
		if err := health.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health endpoint: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
		defer cancel()
		_ = health.Shutdown(shutdownCtx)
		return server.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return exitRuntime, err
	}
	logger.Info("drawnetd stopped")
	return exitOK, nil
}

func newLogger(config Config) *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if config.LogJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

type healthPayload struct {
	Status string   `json:"status"`
	Uptime string   `json:"uptime"`
	Stats  ws.Stats `json:"stats"`
}

func healthMux(server *ws.Server, started time.Time) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(healthPayload{
			Status: "ok",
			Uptime: time.Since(started).Round(time.Second).String(),
			Stats:  server.Stats(),
		})
	})
	return mux
}

// logAudit forwards security events to the structured log.
type logAudit struct {
	log *logrus.Entry
}

func (a logAudit) Record(entry drawnet.AuditEntry) {
	a.log.WithFields(logrus.Fields{
		"kind":    entry.Kind,
		"room_id": entry.RoomID,
		"user_id": entry.UserID,
		"origin":  entry.Origin,
		"detail":  entry.Detail,
	}).Warn("security event recorded")
}
