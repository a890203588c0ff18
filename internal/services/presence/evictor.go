package presence

import (
	"sync"
	"time"
)

// evictor tracks at most one pending eviction per user id. A disconnect
// schedules a deadline; any rejoin before it cancels. The fire callback
// re-checks the entry under the same mutex Cancel takes, so a cancel
// that lands strictly before the deadline always wins.
type evictor struct {
	mu      sync.Mutex
	grace   time.Duration
	pending map[string]*pendingEviction
	fire    func(roomCode, userID, displayName string)
}

type pendingEviction struct {
	roomCode    string
	displayName string
	timer       *time.Timer
}

func newEvictor(grace time.Duration, fire func(roomCode, userID, displayName string)) *evictor {
	return &evictor{
		grace:   grace,
		pending: make(map[string]*pendingEviction),
		fire:    fire,
	}
}

// Schedule arms the eviction timer for a user. Replace semantics: a
// second disconnect for the same user discards the earlier timer, even
// across different room codes.
func (e *evictor) Schedule(roomCode, userID, displayName string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if prev, ok := e.pending[userID]; ok {
		prev.timer.Stop()
		delete(e.pending, userID)
	}

	p := &pendingEviction{roomCode: roomCode, displayName: displayName}
	p.timer = time.AfterFunc(e.grace, func() { e.fired(userID, p) })
	e.pending[userID] = p
}

// Cancel discards the pending eviction for a user, if any. O(1).
func (e *evictor) Cancel(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.pending[userID]; ok {
		p.timer.Stop()
		delete(e.pending, userID)
	}
}

func (e *evictor) fired(userID string, p *pendingEviction) {
	e.mu.Lock()
	cur, ok := e.pending[userID]
	if !ok || cur != p {
		// Cancelled or replaced between the deadline and this callback.
		e.mu.Unlock()
		return
	}
	delete(e.pending, userID)
	e.mu.Unlock()

	e.fire(p.roomCode, userID, p.displayName)
}

// Pending reports whether a user currently has an armed timer.
func (e *evictor) Pending(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[userID]
	return ok
}

// Stop discards every pending timer. Used on shutdown.
func (e *evictor) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for uid, p := range e.pending {
		p.timer.Stop()
		delete(e.pending, uid)
	}
}
