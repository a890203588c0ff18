package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// subscriptionManager guarantees that we have **exactly one** Redis
// subscription per "room:<code>:events" channel ― no matter how many
// websocket clients join the same room on this instance.
type subscriptionManager struct {
	rdb *redis.Client
	hub *Hub
	reg *Registry

	mu   sync.Mutex
	subs map[string]*subEntry // roomCode ➜ subscription data
}

type subEntry struct {
	refCnt int
	cancel context.CancelFunc
}

func newSubscriptionManager(rdb *redis.Client, hub *Hub, reg *Registry) *subscriptionManager {
	return &subscriptionManager{
		rdb:  rdb,
		hub:  hub,
		reg:  reg,
		subs: make(map[string]*subEntry),
	}
}

// Subscribe ensures that the process is subscribed to the room's channel;
// subsequent calls for the same room only increment the ref-counter.
func (sm *subscriptionManager) Subscribe(roomCode string) {
	sm.mu.Lock()
	if e, ok := sm.subs[roomCode]; ok {
		e.refCnt++
		sm.mu.Unlock()
		return
	}

	// First consumer → create Redis SUB and fan-out loop.
	ctx, cancel := context.WithCancel(context.Background())
	ps := sm.rdb.Subscribe(ctx, roomChannel(roomCode))

	sm.subs[roomCode] = &subEntry{refCnt: 1, cancel: cancel}
	sm.mu.Unlock()

	go func() {
		defer ps.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ps.Channel():
				if !ok { // Redis connection closed.
					return
				}
				sm.deliver(m.Payload)
			}
		}
	}()
}

// Unsubscribe decrements the ref-counter and tears the Redis SUB down when
// the last websocket client leaves the room on this instance.
func (sm *subscriptionManager) Unsubscribe(roomCode string) {
	sm.mu.Lock()
	e, ok := sm.subs[roomCode]
	if !ok {
		sm.mu.Unlock()
		return
	}
	e.refCnt--
	if e.refCnt > 0 {
		sm.mu.Unlock()
		return
	}
	delete(sm.subs, roomCode)
	sm.mu.Unlock()

	// Outside the lock → stop the fan-out goroutine.
	e.cancel()
}

// RunLobby consumes the lobby channel for the whole process lifetime.
// Events with no room scope (rooms_update, user_count) land here.
func (sm *subscriptionManager) RunLobby(ctx context.Context) {
	ps := sm.rdb.Subscribe(ctx, lobbyChannel)
	defer ps.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ps.Channel():
			if !ok {
				return
			}
			sm.deliver(m.Payload)
		}
	}
}

// deliver routes one bus frame to its local connections.
func (sm *subscriptionManager) deliver(payload string) {
	var ev busEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		zap.L().Warn("ws.bus_decode", zap.Error(err))
		return
	}

	switch {
	case ev.User != "":
		// Targeted: only the user's connections, and only those
		// actually sitting in the room.
		for _, c := range sm.reg.UserConns(ev.User) {
			if ev.Room == "" || sm.hub.InRoom(ev.Room, c) {
				if err := c.write(websocket.TextMessage, ev.Payload); err != nil {
					zap.L().Debug("ws.targeted_write", zap.Error(err))
				}
			}
		}
	case ev.Room != "":
		sm.hub.Broadcast(ev.Room, ev.Payload)
	default:
		for _, c := range sm.reg.Conns() {
			_ = c.write(websocket.TextMessage, ev.Payload)
		}
	}
}
