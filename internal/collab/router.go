// Package collab routes decoded canvas events through validation, rate
// limiting and the presence registry, and fans the results out to the other
// members of the sender's room.
package collab

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/canvaslab/drawnet"
	"github.com/canvaslab/drawnet/internal/contract"
	"github.com/canvaslab/drawnet/internal/presence"
	"github.com/canvaslab/drawnet/internal/ratelimit"
)

// DefaultEventLimits returns the per-window ceiling for each event class.
// Presence noise runs hot, element mutations are stricter, joins stricter
// still. Classes not listed fall back to the limiter's default ceiling.
func DefaultEventLimits() map[string]int {
	return map[string]int{
		drawnet.EventCursorMove:       600,
		drawnet.EventDragMove:         600,
		drawnet.EventDragStart:        300,
		drawnet.EventDragEnd:          300,
		drawnet.EventElementOperation: 120,
		drawnet.EventJoinDesign:       30,
		drawnet.EventLeaveDesign:      30,
	}
}

type joinedPayload struct {
	UserID    string                `json:"userId"`
	UserName  string                `json:"userName"`
	UserColor string                `json:"userColor"`
	RoomUsers []presence.MemberView `json:"roomUsers"`
}

type leftPayload struct {
	UserID string `json:"userId"`
}

type operationPayload struct {
	Type      string          `json:"type"`
	DesignID  string          `json:"designId"`
	ElementID string          `json:"elementId"`
	Element   json.RawMessage `json:"element,omitempty"`
	Updates   json.RawMessage `json:"updates,omitempty"`
	UserID    string          `json:"userId"`
	Timestamp int64           `json:"timestamp"`
	Version   int64           `json:"version"`
}

type cursorPayload struct {
	UserID    string          `json:"userId"`
	UserName  string          `json:"userName"`
	UserColor string          `json:"userColor"`
	Cursor    presence.Cursor `json:"cursor"`
}

type dragPayload struct {
	UserID    string  `json:"userId"`
	ElementID string  `json:"elementId"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
}

type parseFunc func(raw json.RawMessage) (any, *contract.Rejection)

type applyFunc func(sess drawnet.Session, event string, payload any)

// binding wires one event class to its contract, rate class and handler.
// The quiet flags mark rejections that are dropped without an error event.
type binding struct {
	class         string
	quietOnReject bool
	quietOnLimit  bool
	parse         parseFunc
	apply         applyFunc
}

func parseWith[T any](fn func(json.RawMessage) (T, *contract.Rejection)) parseFunc {
	return func(raw json.RawMessage) (any, *contract.Rejection) {
		p, rej := fn(raw)
		if rej != nil {
			return nil, rej
		}
		return p, nil
	}
}

// Core is the event router. Adding an event class is a table entry, not new
// control flow.
type Core struct {
	contracts *contract.Validator
	registry  *presence.Registry
	limiter   *ratelimit.Limiter
	log       *logrus.Entry
	bindings  map[string]binding
}

// NewCore creates a router over the given registry and limiter.
func NewCore(registry *presence.Registry, limiter *ratelimit.Limiter, log *logrus.Logger) *Core {
	if log == nil {
		log = logrus.StandardLogger()
	}

	c := &Core{
		contracts: contract.New(),
		registry:  registry,
		limiter:   limiter,
		log:       log.WithField("component", "router"),
	}

	c.bindings = map[string]binding{
		drawnet.EventJoinDesign: {
			class: drawnet.EventJoinDesign,
			parse: parseWith(c.contracts.JoinDesign),
			apply: c.applyJoin,
		},
		drawnet.EventLeaveDesign: {
			class: drawnet.EventLeaveDesign,
			apply: c.applyLeave,
		},
		drawnet.EventElementOperation: {
			class: drawnet.EventElementOperation,
			parse: parseWith(c.contracts.ElementOperation),
			apply: c.applyOperation,
		},
		drawnet.EventCursorMove: {
			class:         drawnet.EventCursorMove,
			quietOnReject: true,
			quietOnLimit:  true,
			parse:         parseWith(c.contracts.CursorMove),
			apply:         c.applyCursor,
		},
		drawnet.EventDragStart: {
			class:        drawnet.EventDragStart,
			quietOnLimit: true,
			parse:        parseWith(c.contracts.ElementDrag),
			apply:        c.applyDrag,
		},
		drawnet.EventDragMove: {
			class:        drawnet.EventDragMove,
			quietOnLimit: true,
			parse:        parseWith(c.contracts.ElementDrag),
			apply:        c.applyDrag,
		},
		drawnet.EventDragEnd: {
			class:        drawnet.EventDragEnd,
			quietOnLimit: true,
			parse:        parseWith(c.contracts.ElementDrag),
			apply:        c.applyDrag,
		},
	}

	return c
}

// Handle dispatches one decoded inbound event. It runs synchronously on the
// session's read loop, which is what preserves per-connection ordering end
// to end. Unknown events are ignored.
func (c *Core) Handle(sess drawnet.Session, event string, data json.RawMessage) {
	b, ok := c.bindings[event]
	if !ok {
		c.log.WithFields(logrus.Fields{
			"session_id": sess.ID(),
			"event":      event,
		}).Debug("ignoring unknown event")
		return
	}

	var payload any
	if b.parse != nil {
		p, rej := b.parse(data)
		if rej != nil {
			c.log.WithFields(logrus.Fields{
				"session_id": sess.ID(),
				"event":      event,
				"field":      rej.Field,
				"rule":       rej.Rule,
			}).Debug("payload rejected")
			if !b.quietOnReject {
				c.sendError(sess, drawnet.CodeValidation, rej.Message)
			}
			return
		}
		payload = p
	}

	if !c.limiter.Allow(sess.ID(), b.class) {
		c.log.WithFields(logrus.Fields{
			"session_id": sess.ID(),
			"class":      b.class,
		}).Debug("rate limit exceeded")
		if !b.quietOnLimit {
			c.sendError(sess, drawnet.CodeRateLimit, "rate limit exceeded for "+event)
		}
		return
	}

	b.apply(sess, event, payload)
}

// Disconnect releases everything the router holds for a session. It is safe
// to call for sessions that never joined a room.
func (c *Core) Disconnect(sess drawnet.Session) {
	if res, ok := c.registry.Leave(sess.ID()); ok {
		c.broadcast(res.Peers, drawnet.EventUserLeft, leftPayload{UserID: res.UserID})
	}
	c.limiter.Forget(sess.ID())
}

// EvictIdle announces a reaper eviction to the survivors of the room. It is
// the reaper's EvictFunc.
func (c *Core) EvictIdle(ev presence.Eviction) {
	c.broadcast(ev.Leave.Peers, drawnet.EventUserLeft, leftPayload{UserID: ev.Leave.UserID})
}

func (c *Core) applyJoin(sess drawnet.Session, _ string, payload any) {
	p := payload.(contract.JoinDesign)

	res, err := c.registry.Join(sess, p.DesignID, contract.SanitizeName(p.UserName))
	if res.Departed != nil {
		c.broadcast(res.Departed.Peers, drawnet.EventUserLeft, leftPayload{UserID: res.Departed.UserID})
	}
	if err != nil {
		if errors.Is(err, presence.ErrRoomFull) {
			c.sendError(sess, drawnet.CodeRoomFull, "design session is full")
		}
		return
	}

	c.send(sess, drawnet.EventJoinedDesign, joinedPayload{
		UserID:    res.Self.UserID,
		UserName:  res.Self.UserName,
		UserColor: res.Self.UserColor,
		RoomUsers: res.Roster,
	})
	c.broadcast(res.Peers, drawnet.EventUserJoined, res.Self)
}

func (c *Core) applyLeave(sess drawnet.Session, _ string, _ any) {
	res, ok := c.registry.Leave(sess.ID())
	if !ok {
		return
	}
	c.broadcast(res.Peers, drawnet.EventUserLeft, leftPayload{UserID: res.UserID})
}

func (c *Core) applyOperation(sess drawnet.Session, _ string, payload any) {
	p := payload.(contract.ElementOperation)

	relay, err := c.registry.Relay(sess.ID())
	if err != nil {
		c.sendError(sess, drawnet.CodeNotInRoom, "join a design first")
		return
	}

	// The inbound version is discarded; the server stamp is the only
	// ordering hint receivers get, and it is not a logical clock.
	now := time.Now().UnixMilli()
	c.broadcast(relay.Peers, drawnet.EventElementOperation, operationPayload{
		Type:      p.Type,
		DesignID:  relay.RoomID,
		ElementID: p.ElementID,
		Element:   p.Element,
		Updates:   p.Updates,
		UserID:    relay.Member.UserID,
		Timestamp: now,
		Version:   now,
	})
}

func (c *Core) applyCursor(sess drawnet.Session, _ string, payload any) {
	p := payload.(contract.CursorMove)

	upd, ok := c.registry.UpdateCursor(sess.ID(), *p.X, *p.Y)
	if !ok {
		return
	}

	c.broadcast(upd.Peers, drawnet.EventCursorMove, cursorPayload{
		UserID:    upd.Member.UserID,
		UserName:  upd.Member.UserName,
		UserColor: upd.Member.UserColor,
		Cursor:    upd.Cursor,
	})
}

func (c *Core) applyDrag(sess drawnet.Session, event string, payload any) {
	p := payload.(contract.ElementDrag)

	relay, err := c.registry.Relay(sess.ID())
	if err != nil {
		c.sendError(sess, drawnet.CodeNotInRoom, "join a design first")
		return
	}

	c.broadcast(relay.Peers, event, dragPayload{
		UserID:    relay.Member.UserID,
		ElementID: p.ElementID,
		X:         *p.X,
		Y:         *p.Y,
	})
}

func (c *Core) sendError(sess drawnet.Session, code, message string) {
	c.send(sess, drawnet.EventError, drawnet.ErrorEvent{Code: code, Message: message})
}

// broadcast sends sequentially so that two broadcasts to the same receiver
// can never arrive reordered. Failed sends are dropped, not retried.
func (c *Core) broadcast(peers []drawnet.Session, event string, data any) {
	for _, peer := range peers {
		c.send(peer, event, data)
	}
}

func (c *Core) send(sess drawnet.Session, event string, data any) {
	if err := sess.Send(sess.Context(), event, data); err != nil {
		c.log.WithFields(logrus.Fields{
			"session_id": sess.ID(),
			"event":      event,
		}).WithError(err).Debug("send failed")
	}
}
