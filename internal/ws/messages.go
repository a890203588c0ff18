package ws

import (
	"encoding/json"
	"time"

	"roomrelay/internal/services/presence"
	roomsvc "roomrelay/internal/services/room"
)

// Envelope wraps every WS frame.
type Envelope struct {
	Event string          `json:"event"`          // e.g. "join_room"
	Body  json.RawMessage `json:"body,omitempty"` // arbitrary JSON object
}

// Events consumed from clients.
const (
	EvtJoinRoom    = "join_room"
	EvtLeaveRoom   = "leave_room"
	EvtKickPlayer  = "kick_player"
	EvtSendMessage = "send_message"
	EvtGetRooms    = "get_rooms"
	EvtRoomDeleted = "room_deleted"
)

// Events produced to clients.
const (
	EvtRoomUpdate      = "room_update"
	EvtRoomsUpdate     = "rooms_update"
	EvtNewMessage      = "new_message"
	EvtPlayerKicked    = "player_kicked"
	EvtRoomDeletedPush = "room_deleted"
	EvtUserCount       = "user_count"
)

// ──────────────────────────── Request DTOs ────────────────────────────

type JoinRoomBody struct {
	RoomCode string `json:"roomCode"`
	UserID   string `json:"userId"`
	Pseudo   string `json:"pseudo"`
}

type LeaveRoomBody struct {
	RoomCode string `json:"roomCode"`
	UserID   string `json:"userId"`
}

type KickPlayerBody struct {
	RoomCode     string `json:"roomCode"`
	TargetUserID string `json:"targetUserId"`
}

type SendMessageBody struct {
	RoomCode string  `json:"roomCode"`
	UserID   *string `json:"userId"` // null marks a system message
	Content  string  `json:"content"`
}

type RoomDeletedBody struct {
	RoomCode string `json:"roomCode"`
}

// Empty ACK body (useful for many handlers).
type AckBody struct{}

// ErrorBody is returned for malformed frames.
type ErrorBody struct {
	Error string `json:"error"`
}

// ──────────────────────────── Push payloads ───────────────────────────

// RoomSnapshot is the room_update payload: room metadata plus the
// member projection, fully materialized on every membership change.
type RoomSnapshot struct {
	Code       string                `json:"code"`
	Name       string                `json:"name"`
	IsPrivate  bool                  `json:"isPrivate"`
	CreatedAt  time.Time             `json:"createdAt"`
	Status     string                `json:"status"`
	HostID     string                `json:"hostId"`
	MaxPlayers int                   `json:"maxPlayers"`
	Host       *roomsvc.HostSummary     `json:"host"`
	Players    []presence.Membership `json:"players"`
}

type PlayerKickedBody struct {
	UserID string `json:"userId"`
}
