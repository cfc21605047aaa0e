package presence

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/canvaslab/drawnet"
)

// EvictFunc receives members removed by the reaper so the caller can notify
// the survivors of their room.
type EvictFunc func(Eviction)

// Reaper periodically evicts members whose connections went quiet without a
// clean disconnect, recovering room slots from vanished clients. Raw
// connection lifetime is enforced separately by the transport.
type Reaper struct {
	registry  *Registry
	interval  time.Duration
	threshold time.Duration
	onEvict   EvictFunc
	audit     drawnet.AuditSink
	log       *logrus.Entry
}

// NewReaper creates a Reaper sweeping every interval and evicting members
// idle for longer than threshold. Zero durations fall back to a one minute
// sweep and a five minute threshold.
func NewReaper(registry *Registry, interval, threshold time.Duration, onEvict EvictFunc, audit drawnet.AuditSink, log *logrus.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Reaper{
		registry:  registry,
		interval:  interval,
		threshold: threshold,
		onEvict:   onEvict,
		audit:     audit,
		log:       log.WithField("component", "reaper"),
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Reaper) sweep() {
	for _, ev := range r.registry.Sweep(r.threshold) {
		idle := ev.IdleFor.Round(time.Second)

		r.log.WithFields(logrus.Fields{
			"room_id": ev.Leave.RoomID,
			"user_id": ev.Leave.UserID,
			"idle":    idle.String(),
		}).Warn("reaped inactive member")

		if r.audit != nil {
			r.audit.Record(drawnet.AuditEntry{
				Time:   time.Now(),
				Kind:   drawnet.AuditMemberReaped,
				RoomID: ev.Leave.RoomID,
				UserID: ev.Leave.UserID,
				Origin: ev.Origin,
				Detail: "idle for " + idle.String(),
			})
		}

		if r.onEvict != nil {
			r.onEvict(ev)
		}
	}
}
