package ws

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"roomrelay/internal/services/chat"
	"roomrelay/internal/services/presence"
	roomsvc "roomrelay/internal/services/room"
)

const lobbyChannel = "lobby:events"

func roomChannel(code string) string { return "room:" + code + ":events" }

// busEvent is the frame carried on the Redis bus. Room scopes the
// delivery to one room's connections, User narrows it further to one
// user's connections; both empty means every connection.
type busEvent struct {
	Room    string          `json:"room,omitempty"`
	User    string          `json:"user,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// MemberLister is the read side of the membership store.
type MemberLister interface {
	MembersOf(roomCode string) []presence.Membership
}

// Dispatcher computes snapshots and pushes them through the Redis bus,
// so every instance's hub sees the same per-room event order. It is the
// only component that writes to the bus.
type Dispatcher struct {
	rdc     *redis.Client
	rooms   roomsvc.IRoomService
	members MemberLister
	timeout time.Duration
}

var (
	_ presence.Broadcaster = (*Dispatcher)(nil)
	_ chat.Notifier        = (*Dispatcher)(nil)
)

func NewDispatcher(rdc *redis.Client, rooms roomsvc.IRoomService, members MemberLister) *Dispatcher {
	return &Dispatcher{rdc: rdc, rooms: rooms, members: members, timeout: 4 * time.Second}
}

// BroadcastRoomState pushes a fresh RoomSnapshot to every connection in
// the room. Push-only: failures are logged, never returned.
func (d *Dispatcher) BroadcastRoomState(roomCode string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	rm, err := d.rooms.GetByCode(ctx, roomCode)
	if err != nil {
		if !errors.Is(err, roomsvc.ErrRoomNotFound) {
			zap.L().Warn("ws.room_snapshot", zap.String("room", roomCode), zap.Error(err))
		}
		return
	}
	host, err := d.rooms.GetHost(ctx, rm.HostID)
	if err != nil {
		zap.L().Warn("ws.room_snapshot_host", zap.String("room", roomCode), zap.Error(err))
	}

	snap := RoomSnapshot{
		Code:       rm.Code,
		Name:       rm.Name,
		IsPrivate:  rm.IsPrivate,
		CreatedAt:  rm.CreatedAt,
		Status:     rm.Status,
		HostID:     rm.HostID,
		MaxPlayers: rm.MaxPlayers,
		Host:       host,
		Players:    d.members.MembersOf(rm.Code),
	}
	d.publish(ctx, busEvent{Room: rm.Code}, EvtRoomUpdate, snap)
}

// BroadcastLobby pushes the open-room summaries to every connection,
// regardless of room membership.
func (d *Dispatcher) BroadcastLobby() {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	list, err := d.rooms.ListOpen(ctx)
	if err != nil {
		zap.L().Warn("ws.lobby_snapshot", zap.Error(err))
		return
	}
	d.publish(ctx, busEvent{}, EvtRoomsUpdate, list)
}

// BroadcastMessage fans an accepted chat message out to its room.
func (d *Dispatcher) BroadcastMessage(msg *chat.ChatMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	d.publish(ctx, busEvent{Room: msg.RoomCode}, EvtNewMessage, msg)
}

// NotifyKicked targets only the kicked user's connections, so the
// client can distinguish the removal from its own leave.
func (d *Dispatcher) NotifyKicked(roomCode, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	d.publish(ctx, busEvent{Room: roomCode, User: userID}, EvtPlayerKicked, PlayerKickedBody{UserID: userID})
}

// NotifyRoomDeleted pushes the terminal event to the room's connections.
func (d *Dispatcher) NotifyRoomDeleted(roomCode string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	d.publish(ctx, busEvent{Room: roomCode}, EvtRoomDeletedPush, AckBody{})
}

// BroadcastUserCount pushes the total live-connection count to all.
func (d *Dispatcher) BroadcastUserCount(n int) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	d.publish(ctx, busEvent{}, EvtUserCount, n)
}

func (d *Dispatcher) publish(ctx context.Context, ev busEvent, event string, body any) {
	payload, err := json.Marshal(map[string]any{"event": event, "body": body})
	if err != nil {
		zap.L().Error("ws.publish_marshal", zap.String("event", event), zap.Error(err))
		return
	}
	ev.Payload = payload

	raw, _ := json.Marshal(ev)
	channel := lobbyChannel
	if ev.Room != "" {
		channel = roomChannel(ev.Room)
	}
	if err := d.rdc.Publish(ctx, channel, raw).Err(); err != nil {
		zap.L().Warn("ws.publish", zap.String("channel", channel), zap.Error(err))
	}
}
