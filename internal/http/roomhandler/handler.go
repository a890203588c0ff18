package roomhandler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"roomrelay/internal/services/chat"
	"roomrelay/internal/services/presence"
	"roomrelay/internal/services/room"
)

type Handler struct {
	rooms   room.IRoomService
	chatSvc chat.IChatService
	members presence.IPresenceService
}

func New(rooms room.IRoomService, chatSvc chat.IChatService, members presence.IPresenceService) *Handler {
	return &Handler{rooms: rooms, chatSvc: chatSvc, members: members}
}

func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/rooms", h.list)
	r.GET("/rooms/:code", h.info)
	r.GET("/rooms/:code/messages", h.messages)
	r.POST("/rooms/:code/messages", h.postMessage)
}

// @Summary		List open rooms
// @Description	Returns every room currently open for joining, with member id/role pairs.
// @Tags			Rooms
// @Success		200	{array}		room.LobbyRoom
// @Failure		500	{object}	ErrorResponse
// @Router			/rooms [get]
func (h *Handler) list(c *gin.Context) {
	out, err := h.rooms.ListOpen(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

// @Summary		Get room details
// @Description	Returns room metadata together with the live member projection.
// @Tags			Rooms
// @Param			code	path		string	true	"Room code"	default(ABC123)
// @Success		200	{object}	RoomDetail
// @Failure		404	{object}	ErrorResponse
// @Router			/rooms/{code} [get]
func (h *Handler) info(c *gin.Context) {
	rm, err := h.rooms.GetByCode(c, c.Param("code"))
	if err != nil {
		if errors.Is(err, room.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Room not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	host, err := h.rooms.GetHost(c, rm.HostID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, RoomDetail{
		Code:       rm.Code,
		Name:       rm.Name,
		IsPrivate:  rm.IsPrivate,
		CreatedAt:  rm.CreatedAt,
		Status:     rm.Status,
		HostID:     rm.HostID,
		MaxPlayers: rm.MaxPlayers,
		Host:       host,
		Players:    h.members.MembersOf(rm.Code),
	})
}

// @Summary		Get chat history
// @Description	Returns the room's messages in creation order with embedded sender summaries.
// @Tags			Messages
// @Param			code	path		string	true	"Room code"	default(ABC123)
// @Success		200	{array}		chat.ChatMessage
// @Failure		404	{object}	ErrorResponse
// @Router			/rooms/{code}/messages [get]
func (h *Handler) messages(c *gin.Context) {
	out, err := h.chatSvc.History(c, c.Param("code"))
	if err != nil {
		if errors.Is(err, room.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Room not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

// @Summary		Post a message
// @Description	Persists a chat message and fans it out to the room's connections.
// @Tags			Messages
// @Param			code	path	string			true	"Room code"	default(ABC123)
// @Param			body	body	PostMessageBody	true	"Message payload"
// @Success		201	{object}	chat.ChatMessage
// @Failure		400	{object}	ErrorResponse
// @Failure		404	{object}	ErrorResponse
// @Failure		429	{object}	ErrorResponse
// @Router			/rooms/{code}/messages [post]
func (h *Handler) postMessage(ginCtx *gin.Context) {
	var body PostMessageBody
	if err := ginCtx.ShouldBindJSON(&body); err != nil {
		ginCtx.JSON(http.StatusBadRequest, &ErrorResponse{Error: err.Error()})
		return
	}

	var sender *string
	if body.UserID != nil && *body.UserID != "" {
		sender = body.UserID
	}

	msg, err := h.chatSvc.Send(ginCtx.Request.Context(), ginCtx.Param("code"), sender, body.Content)
	switch {
	case err == nil:
		ginCtx.JSON(http.StatusCreated, msg)
	case errors.Is(err, chat.ErrEmptyMessage):
		ginCtx.JSON(http.StatusBadRequest, &ErrorResponse{Error: "empty content"})
	case errors.Is(err, room.ErrRoomNotFound):
		ginCtx.JSON(http.StatusNotFound, &ErrorResponse{Error: "Room not found"})
	case errors.Is(err, chat.ErrRateLimited):
		ginCtx.JSON(http.StatusTooManyRequests, &ErrorResponse{Error: "rate limited"})
	default:
		ginCtx.JSON(http.StatusInternalServerError, &ErrorResponse{Error: err.Error()})
	}
}
