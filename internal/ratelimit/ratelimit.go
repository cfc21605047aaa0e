package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Config controls the per-session event windows.
type Config struct {
	// Window is the fixed wall-clock interval events are counted against.
	Window time.Duration
	// Ceilings maps an event class to its maximum events per window.
	Ceilings map[string]int
	// DefaultCeiling applies to classes missing from Ceilings.
	DefaultCeiling int
	// SweepInterval is how often expired windows are discarded. Defaults
	// to the window length.
	SweepInterval time.Duration
}

// Limiter counts events per (session, event class) against fixed wall-clock
// windows. The first event after a rollover starts a fresh window with a
// count of one; once the class ceiling is reached, Allow reports false until
// the next rollover. Expired windows are swept periodically so memory stays
// bounded regardless of traffic shape.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	cfg     Config
	log     *logrus.Entry
}

type window struct {
	count   int
	resetAt time.Time
}

// New creates a Limiter. Zero config fields fall back to a one minute
// window, a default ceiling of 60 and a sweep cadence of one window.
func New(cfg Config, log *logrus.Logger) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.DefaultCeiling <= 0 {
		cfg.DefaultCeiling = 60
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.Window
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Limiter{
		windows: make(map[string]*window),
		cfg:     cfg,
		log:     log.WithField("component", "ratelimit"),
	}
}

// Allow reports whether one more event of the given class may be accepted
// from the session within the current window.
func (l *Limiter) Allow(sessionID, class string) bool {
	ceiling := l.ceiling(class)
	now := time.Now()
	key := sessionID + "|" + class

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.After(w.resetAt) {
		l.windows[key] = &window{count: 1, resetAt: now.Add(l.cfg.Window)}
		return true
	}

	w.count++
	return w.count <= ceiling
}

// Forget drops every window belonging to the session. Called on disconnect
// so counters do not outlive their connection.
func (l *Limiter) Forget(sessionID string) {
	prefix := sessionID + "|"

	l.mu.Lock()
	defer l.mu.Unlock()

	for key := range l.windows {
		if strings.HasPrefix(key, prefix) {
			delete(l.windows, key)
		}
	}
}

// Run sweeps expired windows until the context is cancelled.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.sweep(time.Now()); n > 0 {
				l.log.WithField("windows", n).Debug("discarded expired rate windows")
			}
		}
	}
}

// Len returns the number of live windows.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

func (l *Limiter) ceiling(class string) int {
	if c, ok := l.cfg.Ceilings[class]; ok && c > 0 {
		return c
	}
	return l.cfg.DefaultCeiling
}

func (l *Limiter) sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}
