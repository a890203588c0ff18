package presence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"roomrelay/internal/services/chat"
	"roomrelay/internal/services/room"
)

var ErrStopped = errors.New("presence service stopped")

// Membership is one "user U is present in room R" fact. The JSON shape
// is the member projection pushed inside room_update.
type Membership struct {
	UserID      string    `json:"id"`
	DisplayName string    `json:"pseudo"`
	Role        string    `json:"role"`
	JoinedAt    time.Time `json:"-"`
}

// Broadcaster pushes state snapshots to connected clients. Implemented
// by the ws dispatcher; presence never touches sockets directly.
type Broadcaster interface {
	BroadcastRoomState(roomCode string)
	BroadcastLobby()
	NotifyKicked(roomCode, userID string)
	NotifyRoomDeleted(roomCode string)
}

type IPresenceService interface {
	Join(ctx context.Context, roomCode, userID, displayName string) error
	Leave(ctx context.Context, roomCode, userID string) error
	Kick(ctx context.Context, roomCode, userID string) error
	Disconnected(roomCode, userID, displayName string)
	RoomDeleted(ctx context.Context, roomCode string) error
	MembersOf(roomCode string) []Membership
}

// Service is the authoritative membership store. Every mutation for a
// given room runs on that room's actor goroutine, so two racing events
// for one room are applied in a defined order and their broadcasts go
// out in the same order. Unrelated rooms never wait on each other.
type Service struct {
	db             *sql.DB
	rooms          room.IRoomService
	persistTimeout time.Duration

	mu       sync.Mutex
	states   map[string]*roomState
	actors   map[string]*roomActor
	userRoom map[string]string // userID -> roomCode, at most one entry per user

	evictor  *evictor
	notifier Broadcaster
	system   chat.IChatService

	stopOnce sync.Once
	stopCh   chan struct{}
}

var _ IPresenceService = (*Service)(nil)

func NewService(db *sql.DB, rooms room.IRoomService, grace, persistTimeout time.Duration) *Service {
	svc := &Service{
		db:             db,
		rooms:          rooms,
		persistTimeout: persistTimeout,
		states:         make(map[string]*roomState),
		actors:         make(map[string]*roomActor),
		userRoom:       make(map[string]string),
		stopCh:         make(chan struct{}),
	}
	svc.evictor = newEvictor(grace, svc.evict)
	return svc
}

// Bind attaches the broadcast and system-chat collaborators. Called
// once during wiring, before any traffic.
func (s *Service) Bind(n Broadcaster, system chat.IChatService) {
	s.notifier = n
	s.system = system
}

// Stop drains the evictor and retires every room actor.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.evictor.Stop()
		close(s.stopCh)
	})
}

// ───────────────────────────── room state ────────────────────────────

// roomState holds one room's members. Written only from the room's
// actor; read concurrently by snapshot builders.
type roomState struct {
	mu      sync.RWMutex
	order   []string // user ids in join order, snapshot ordering stays stable
	members map[string]*Membership
}

func newRoomState() *roomState {
	return &roomState{members: make(map[string]*Membership)}
}

func (rs *roomState) upsert(m Membership) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if cur, ok := rs.members[m.UserID]; ok {
		cur.DisplayName = m.DisplayName
		cur.Role = m.Role
		return
	}
	m.JoinedAt = time.Now()
	rs.members[m.UserID] = &m
	rs.order = append(rs.order, m.UserID)
}

func (rs *roomState) remove(userID string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.members[userID]; !ok {
		return false
	}
	delete(rs.members, userID)
	for i, id := range rs.order {
		if id == userID {
			rs.order = append(rs.order[:i], rs.order[i+1:]...)
			break
		}
	}
	return true
}

func (rs *roomState) list() []Membership {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]Membership, 0, len(rs.order))
	for _, id := range rs.order {
		out = append(out, *rs.members[id])
	}
	return out
}

// ───────────────────────────── room actor ────────────────────────────

type actorTask struct {
	fn   func() error
	done chan error
}

type roomActor struct {
	tasks chan actorTask
	quit  chan struct{}
}

func (s *Service) actor(code string) *roomActor {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actors[code]
	if !ok {
		a = &roomActor{tasks: make(chan actorTask, 64), quit: make(chan struct{})}
		s.actors[code] = a
		go a.loop(s.stopCh)
	}
	return a
}

func (a *roomActor) loop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-a.quit:
			a.drain()
			return
		case t := <-a.tasks:
			t.done <- t.fn()
		}
	}
}

// drain fails every task still queued when the actor retires, so no
// caller stays blocked on a room that no longer exists.
func (a *roomActor) drain() {
	for {
		select {
		case t := <-a.tasks:
			t.done <- ErrStopped
		default:
			return
		}
	}
}

// run executes fn on the room's actor and waits for its result. All
// membership mutations go through here.
func (s *Service) run(code string, fn func() error) error {
	a := s.actor(code)
	t := actorTask{fn: fn, done: make(chan error, 1)}
	select {
	case a.tasks <- t:
	case <-a.quit:
		return ErrStopped
	case <-s.stopCh:
		return ErrStopped
	}
	select {
	case err := <-t.done:
		return err
	case <-a.quit:
		return ErrStopped
	case <-s.stopCh:
		return ErrStopped
	}
}

// post is the fire-and-forget variant, used for cross-room side effects
// so two actors never wait on each other.
func (s *Service) post(code string, fn func() error) {
	a := s.actor(code)
	t := actorTask{fn: fn, done: make(chan error, 1)}
	select {
	case a.tasks <- t:
	case <-s.stopCh:
	}
}

func (s *Service) state(code string) *roomState {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.states[code]
	if !ok {
		rs = newRoomState()
		s.states[code] = rs
	}
	return rs
}

// ───────────────────────────── operations ────────────────────────────

// Join upserts a membership. A rejoin overwrites the display name; a
// rejoin during the grace period cancels the pending eviction with no
// other side effects. Joining while still a member of another room
// removes the old membership first (one room per user).
func (s *Service) Join(ctx context.Context, roomCode, userID, displayName string) error {
	roomCode = strings.ToUpper(roomCode)

	// Any join by this user resolves the disconnect, whatever its outcome.
	s.evictor.Cancel(userID)

	return s.run(roomCode, func() error {
		if _, err := s.rooms.GetByCode(ctx, roomCode); err != nil {
			return err
		}

		us, err := s.rooms.ResolveUser(ctx, userID)
		if err != nil {
			return err
		}

		s.mu.Lock()
		prev, had := s.userRoom[userID]
		s.userRoom[userID] = roomCode
		s.mu.Unlock()
		if had && prev != roomCode {
			// The removal outlives this request: the caller's ctx may be
			// cancelled before the previous room's actor gets to it.
			s.post(prev, func() error {
				rctx, cancel := context.WithTimeout(context.Background(), 2*s.persistTimeout)
				defer cancel()
				return s.removeMember(rctx, prev, userID, "")
			})
		}

		s.state(roomCode).upsert(Membership{
			UserID:      userID,
			DisplayName: displayName,
			Role:        us.Role,
		})

		if err := s.persistUpsert(ctx, roomCode, userID, displayName); err != nil {
			zap.L().Error("presence.persist_join",
				zap.String("room", roomCode), zap.String("user", userID), zap.Error(err))
			return nil // membership held in memory, broadcast skipped
		}

		s.notifier.BroadcastRoomState(roomCode)
		s.notifier.BroadcastLobby()
		return nil
	})
}

// Leave deletes the membership if present; no-op otherwise.
func (s *Service) Leave(ctx context.Context, roomCode, userID string) error {
	roomCode = strings.ToUpper(roomCode)
	s.evictor.Cancel(userID)
	return s.run(roomCode, func() error {
		return s.removeMember(ctx, roomCode, userID, "")
	})
}

// Kick removes a member like Leave but additionally emits the targeted
// player_kicked notification so the client knows it did not leave by
// its own action.
func (s *Service) Kick(ctx context.Context, roomCode, userID string) error {
	roomCode = strings.ToUpper(roomCode)
	s.evictor.Cancel(userID)
	return s.run(roomCode, func() error {
		return s.removeMember(ctx, roomCode, userID, "kicked")
	})
}

// Disconnected arms the grace-period timer for a user whose connection
// dropped while associated with a room. Called by the transport layer.
func (s *Service) Disconnected(roomCode, userID, displayName string) {
	roomCode = strings.ToUpper(roomCode)
	s.evictor.Schedule(roomCode, userID, displayName)
}

// RoomDeleted clears all live membership for a room, notifies its
// connections and refreshes the lobby. Row cleanup belongs to the
// external CRUD backend that deleted the room.
func (s *Service) RoomDeleted(ctx context.Context, roomCode string) error {
	roomCode = strings.ToUpper(roomCode)
	err := s.run(roomCode, func() error {
		for _, m := range s.state(roomCode).list() {
			s.state(roomCode).remove(m.UserID)
			s.evictor.Cancel(m.UserID)
			s.mu.Lock()
			if s.userRoom[m.UserID] == roomCode {
				delete(s.userRoom, m.UserID)
			}
			s.mu.Unlock()
		}
		s.notifier.NotifyRoomDeleted(roomCode)
		s.notifier.BroadcastLobby()
		return nil
	})
	s.retire(roomCode)
	return err
}

// MembersOf returns the room's members in join order.
func (s *Service) MembersOf(roomCode string) []Membership {
	roomCode = strings.ToUpper(roomCode)
	s.mu.Lock()
	rs, ok := s.states[roomCode]
	s.mu.Unlock()
	if !ok {
		return []Membership{}
	}
	return rs.list()
}

// RoomOf reports which room a user currently belongs to, if any.
func (s *Service) RoomOf(userID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.userRoom[userID]
	return code, ok
}

// ───────────────────────────── internals ─────────────────────────────

// removeMember runs on the room actor. kind "" is a plain leave,
// "kicked" adds the targeted notification, "evicted" adds the system
// chat entry.
func (s *Service) removeMember(ctx context.Context, roomCode, userID, kind string) error {
	var name string
	if m, ok := s.member(roomCode, userID); ok {
		name = m.DisplayName
	}
	if !s.state(roomCode).remove(userID) {
		return nil
	}

	s.mu.Lock()
	if s.userRoom[userID] == roomCode {
		delete(s.userRoom, userID)
	}
	s.mu.Unlock()

	if err := s.persistDelete(ctx, roomCode, userID); err != nil {
		zap.L().Error("presence.persist_remove",
			zap.String("room", roomCode), zap.String("user", userID), zap.Error(err))
		return nil
	}

	switch kind {
	case "kicked":
		s.notifier.NotifyKicked(roomCode, userID)
	case "evicted":
		if name == "" {
			name = userID
		}
		msg := fmt.Sprintf("%s was removed after inactivity", name)
		if _, err := s.system.Send(ctx, roomCode, nil, msg); err != nil {
			zap.L().Warn("presence.evict_message", zap.String("room", roomCode), zap.Error(err))
		}
	}

	s.notifier.BroadcastRoomState(roomCode)
	s.notifier.BroadcastLobby()
	return nil
}

// evict is the evictor's fire callback: the grace period elapsed with
// no rejoin.
func (s *Service) evict(roomCode, userID, displayName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*s.persistTimeout)
	defer cancel()

	zap.L().Info("presence.evict",
		zap.String("room", roomCode), zap.String("user", userID))

	err := s.run(roomCode, func() error {
		return s.removeMember(ctx, roomCode, userID, "evicted")
	})
	if err != nil && !errors.Is(err, ErrStopped) {
		zap.L().Error("presence.evict_failed", zap.String("user", userID), zap.Error(err))
	}
}

func (s *Service) member(roomCode, userID string) (Membership, bool) {
	s.mu.Lock()
	rs, ok := s.states[roomCode]
	s.mu.Unlock()
	if !ok {
		return Membership{}, false
	}
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	m, ok := rs.members[userID]
	if !ok {
		return Membership{}, false
	}
	return *m, true
}

func (s *Service) retire(roomCode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.actors[roomCode]; ok {
		close(a.quit)
		delete(s.actors, roomCode)
	}
	delete(s.states, roomCode)
}

func (s *Service) persistUpsert(ctx context.Context, roomCode, userID, displayName string) error {
	pctx, cancel := context.WithTimeout(ctx, s.persistTimeout)
	defer cancel()
	const q = `
	INSERT INTO room_players (user_id, room_id, pseudo)
	     SELECT $1, r.id, $3 FROM rooms r WHERE r.code = $2
	ON CONFLICT (user_id, room_id) DO UPDATE SET pseudo = EXCLUDED.pseudo`
	_, err := s.db.ExecContext(pctx, q, userID, roomCode, displayName)
	return err
}

func (s *Service) persistDelete(ctx context.Context, roomCode, userID string) error {
	pctx, cancel := context.WithTimeout(ctx, s.persistTimeout)
	defer cancel()
	const q = `
	DELETE FROM room_players p USING rooms r
	 WHERE p.room_id = r.id AND r.code = $1 AND p.user_id = $2`
	_, err := s.db.ExecContext(pctx, q, roomCode, userID)
	return err
}
