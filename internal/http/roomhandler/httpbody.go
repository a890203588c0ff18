package roomhandler

import (
	"time"

	"roomrelay/internal/services/presence"
	"roomrelay/internal/services/room"
)

type PostMessageBody struct {
	UserID  *string `json:"userId"  example:"user123"` // null posts a system message
	Content string  `json:"content" binding:"required" example:"hello"`
} // @name PostMessageRequest

type ErrorResponse struct {
	Error string `json:"error"`
} // @name ErrorResponse

// RoomDetail is the REST projection of one room plus its live members.
type RoomDetail struct {
	Code       string                `json:"code"`
	Name       string                `json:"name"`
	IsPrivate  bool                  `json:"isPrivate"`
	CreatedAt  time.Time             `json:"createdAt"`
	Status     string                `json:"status"`
	HostID     string                `json:"hostId"`
	MaxPlayers int                   `json:"maxPlayers"`
	Host       *room.HostSummary     `json:"host"`
	Players    []presence.Membership `json:"players"`
} // @name RoomDetail
