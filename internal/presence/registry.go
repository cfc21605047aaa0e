package presence

import (
	"errors"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/canvaslab/drawnet"
)

var (
	// ErrRoomFull rejects joins into a room at its member cap.
	ErrRoomFull = errors.New("presence: room is full")
	// ErrNotInRoom rejects room-scoped events from unjoined sessions.
	ErrNotInRoom = errors.New("presence: session has not joined a room")
)

// palette supplies member colors; assignment rotates per room in join order.
var palette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#FFA07A", "#98D8C8",
	"#F7DC6F", "#BB8FCE", "#85C1E9", "#F8B739", "#52BE80",
}

// MemberView is the identity of a room member as other participants see it
// in presence broadcasts.
type MemberView struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	UserColor string `json:"userColor"`
}

// Cursor is a canvas position.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// JoinResult carries everything needed to announce a join: the joiner's own
// view, the room roster for catch-up, the peers to notify, and the departure
// notification when the join moved the session out of another room.
type JoinResult struct {
	RoomID   string
	Self     MemberView
	Roster   []MemberView
	Peers    []drawnet.Session
	Departed *LeaveResult
}

// LeaveResult identifies who left which room and the remaining peers to
// notify. Peers is empty when the room was removed with the member.
type LeaveResult struct {
	RoomID string
	UserID string
	Peers  []drawnet.Session
}

// CursorUpdate is a cursor position stamped with the sender's identity.
type CursorUpdate struct {
	Member MemberView
	Cursor Cursor
	Peers  []drawnet.Session
}

// Relay identifies the sender of a room-scoped event and the peers that
// should receive it.
type Relay struct {
	RoomID string
	Member MemberView
	Peers  []drawnet.Session
}

// Eviction describes a member removed by the inactivity sweep.
type Eviction struct {
	Leave    LeaveResult
	UserName string
	Origin   string
	IdleFor  time.Duration
}

type member struct {
	sess     drawnet.Session
	view     MemberView
	roomID   string
	joinedAt time.Time
	lastSeen time.Time
	cursor   *Cursor
}

type room struct {
	id       string
	members  map[string]*member
	colorSeq int
}

func (rm *room) sessions() []drawnet.Session {
	return lo.Map(lo.Values(rm.members), func(m *member, _ int) drawnet.Session {
		return m.sess
	})
}

func (rm *room) views() []MemberView {
	return lo.Map(lo.Values(rm.members), func(m *member, _ int) MemberView {
		return m.view
	})
}

func (rm *room) peersOf(sessID string) []drawnet.Session {
	peers := make([]drawnet.Session, 0, len(rm.members)-1)
	for id, m := range rm.members {
		if id == sessID {
			continue
		}
		peers = append(peers, m.sess)
	}
	return peers
}

// Registry is the presence state machine: which session is a member of which
// room. Every mutation funnels through its mutex, so callers observe rooms
// and members atomically; peer snapshots are taken under the lock and sends
// happen outside it.
type Registry struct {
	mu      sync.Mutex
	rooms   map[string]*room
	members map[string]*member
	roomCap int
	log     *logrus.Entry
}

// NewRegistry creates a Registry. Caps below one fall back to 50.
func NewRegistry(roomCap int, log *logrus.Logger) *Registry {
	if roomCap <= 0 {
		roomCap = 50
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Registry{
		rooms:   make(map[string]*room),
		members: make(map[string]*member),
		roomCap: roomCap,
		log:     log.WithField("component", "presence"),
	}
}

// Join makes the session a member of roomID. A session already joined
// elsewhere leaves that room first; the departure notification is part of
// the result even when the join itself is then refused for capacity, since
// the old room's peers still need to hear about it.
func (r *Registry) Join(sess drawnet.Session, roomID, displayName string) (JoinResult, error) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var departed *LeaveResult
	if prev, ok := r.members[sess.ID()]; ok {
		res := r.removeLocked(prev)
		departed = &res
	}

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{id: roomID, members: make(map[string]*member)}
		r.rooms[roomID] = rm
		r.log.WithField("room_id", roomID).Debug("room created")
	} else if len(rm.members) >= r.roomCap {
		return JoinResult{Departed: departed}, ErrRoomFull
	}

	name := displayName
	if name == "" {
		name = "Guest_" + shortID(sess.ID())
	}

	m := &member{
		sess: sess,
		view: MemberView{
			UserID:    sess.ID(),
			UserName:  name,
			UserColor: palette[rm.colorSeq%len(palette)],
		},
		roomID:   roomID,
		joinedAt: now,
		lastSeen: now,
	}
	rm.colorSeq++

	peers := rm.sessions()
	rm.members[sess.ID()] = m
	r.members[sess.ID()] = m

	r.log.WithFields(logrus.Fields{
		"room_id":   roomID,
		"user_id":   m.view.UserID,
		"user_name": m.view.UserName,
		"members":   len(rm.members),
	}).Info("member joined design")

	return JoinResult{
		RoomID:   roomID,
		Self:     m.view,
		Roster:   rm.views(),
		Peers:    peers,
		Departed: departed,
	}, nil
}

// Leave removes the session's membership. It reports false when the session
// was not joined anywhere, which is not an error on disconnect paths.
func (r *Registry) Leave(sessID string) (LeaveResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[sessID]
	if !ok {
		return LeaveResult{}, false
	}
	return r.removeLocked(m), true
}

// Touch bumps the session's activity timestamp.
func (r *Registry) Touch(sessID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.members[sessID]; ok {
		m.lastSeen = time.Now()
	}
}

// UpdateCursor records the session's cursor position and bumps activity.
// It reports false for unjoined sessions; cursor noise from a session that
// has not joined is dropped without ceremony.
func (r *Registry) UpdateCursor(sessID string, x, y float64) (CursorUpdate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[sessID]
	if !ok {
		return CursorUpdate{}, false
	}

	m.cursor = &Cursor{X: x, Y: y}
	m.lastSeen = time.Now()

	return CursorUpdate{
		Member: m.view,
		Cursor: *m.cursor,
		Peers:  r.rooms[m.roomID].peersOf(sessID),
	}, true
}

// Relay resolves the sender of a room-scoped event, bumps activity and
// returns the peers the event should be forwarded to.
func (r *Registry) Relay(sessID string) (Relay, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[sessID]
	if !ok {
		return Relay{}, ErrNotInRoom
	}

	m.lastSeen = time.Now()

	return Relay{
		RoomID: m.roomID,
		Member: m.view,
		Peers:  r.rooms[m.roomID].peersOf(sessID),
	}, nil
}

// Sweep removes every member idle for longer than threshold and returns the
// evictions for the caller to announce and audit.
func (r *Registry) Sweep(threshold time.Duration) []Eviction {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []Eviction
	for _, m := range r.members {
		idle := now.Sub(m.lastSeen)
		if idle <= threshold {
			continue
		}
		evicted = append(evicted, Eviction{
			Leave:    r.removeLocked(m),
			UserName: m.view.UserName,
			Origin:   m.sess.Origin(),
			IdleFor:  idle,
		})
	}
	return evicted
}

// HasRoom reports whether the room currently exists.
func (r *Registry) HasRoom(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.rooms[roomID]
	return ok
}

// RoomSize returns the member count of the room, zero when absent.
func (r *Registry) RoomSize(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return 0
	}
	return len(rm.members)
}

// Rooms returns the number of active rooms.
func (r *Registry) Rooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Size returns the total number of members across all rooms.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func (r *Registry) removeLocked(m *member) LeaveResult {
	delete(r.members, m.view.UserID)

	res := LeaveResult{RoomID: m.roomID, UserID: m.view.UserID}
	rm, ok := r.rooms[m.roomID]
	if !ok {
		return res
	}

	delete(rm.members, m.view.UserID)
	if len(rm.members) == 0 {
		delete(r.rooms, m.roomID)
		r.log.WithField("room_id", m.roomID).Debug("empty room removed")
	} else {
		res.Peers = rm.sessions()
	}

	r.log.WithFields(logrus.Fields{
		"room_id": m.roomID,
		"user_id": m.view.UserID,
		"members": len(rm.members),
	}).Info("member left design")

	return res
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
