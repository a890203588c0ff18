package ws

import (
	"sync"

	"github.com/google/uuid"
)

// session is the identity attached to one live connection. A user may
// hold several sessions at once (multiple tabs); membership stays keyed
// by user id, so the extra sessions only affect fan-out targeting.
type session struct {
	connID      string
	conn        *clientConn
	userID      string
	roomCode    string
	displayName string
}

// Registry maps live connections to identities. Unknown connection ids
// are no-ops everywhere: disconnect races are expected, not fatal.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session            // connID -> session
	byUser   map[string]map[string]*session // userID -> connID -> session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*session),
		byUser:   make(map[string]map[string]*session),
	}
}

// Register admits a new connection and returns its id. Ids are never
// reused.
func (r *Registry) Register(c *clientConn) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.sessions[id] = &session{connID: id, conn: c}
	r.mu.Unlock()
	return id
}

// Unregister removes the connection and returns its last association,
// so the caller can arm the grace-period timer.
func (r *Registry) Unregister(connID string) (userID, roomCode, displayName string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, found := r.sessions[connID]
	if !found {
		return "", "", "", false
	}
	delete(r.sessions, connID)
	r.dropUserIndex(s)
	return s.userID, s.roomCode, s.displayName, true
}

// Associate binds identity and room to a connection. Idempotent per
// connection; repeated calls simply overwrite the association.
func (r *Registry) Associate(connID, roomCode, userID, displayName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[connID]
	if !ok {
		return
	}
	if s.userID != userID {
		r.dropUserIndex(s)
	}
	s.userID = userID
	s.roomCode = roomCode
	s.displayName = displayName

	if userID != "" {
		set, ok := r.byUser[userID]
		if !ok {
			set = make(map[string]*session)
			r.byUser[userID] = set
		}
		set[connID] = s
	}
}

// Lookup returns the current association for a connection.
func (r *Registry) Lookup(connID string) (userID, roomCode string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, found := r.sessions[connID]
	if !found {
		return "", "", false
	}
	return s.userID, s.roomCode, true
}

// ClearRoom detaches a connection from its room without touching the
// user binding. Used on leave_room so a later disconnect does not arm
// an eviction timer.
func (r *Registry) ClearRoom(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[connID]; ok {
		s.roomCode = ""
	}
}

// ClearRoomForUser detaches every session of a user from one room.
// Used when the user is kicked.
func (r *Registry) ClearRoomForUser(roomCode, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.byUser[userID] {
		if s.roomCode == roomCode {
			s.roomCode = ""
		}
	}
}

// UserConns returns the live connections of a user, for targeted pushes.
func (r *Registry) UserConns(userID string) []*clientConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*clientConn, 0, 1)
	for _, s := range r.byUser[userID] {
		out = append(out, s.conn)
	}
	return out
}

// Conns returns every live connection.
func (r *Registry) Conns() []*clientConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*clientConn, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.conn)
	}
	return out
}

// Count is the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) connOf(connID string) *clientConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[connID]; ok {
		return s.conn
	}
	return nil
}

// dropUserIndex must run with r.mu held.
func (r *Registry) dropUserIndex(s *session) {
	if s.userID == "" {
		return
	}
	if set, ok := r.byUser[s.userID]; ok {
		delete(set, s.connID)
		if len(set) == 0 {
			delete(r.byUser, s.userID)
		}
	}
}
