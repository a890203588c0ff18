package ws

import (
	"sync"
)

// Hub keeps client sets per room code.
type Hub struct {
	rooms sync.Map // roomCode -> *room
}

func NewHub() *Hub { return &Hub{} }

// Broadcast is called by the Redis subscriber.
func (h *Hub) Broadcast(roomCode string, msg []byte) {
	if v, ok := h.rooms.Load(roomCode); ok {
		v.(*room).broadcast(msg)
	}
}

func (h *Hub) Join(roomCode string, c *clientConn) {
	r, _ := h.rooms.LoadOrStore(roomCode, newRoom())
	r.(*room).add(c)
}

func (h *Hub) Leave(roomCode string, c *clientConn) {
	if v, ok := h.rooms.Load(roomCode); ok {
		v.(*room).remove(c)
	}
}

func (h *Hub) InRoom(roomCode string, c *clientConn) bool {
	if v, ok := h.rooms.Load(roomCode); ok {
		return v.(*room).has(c)
	}
	return false
}
