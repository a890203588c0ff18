package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"roomrelay/internal/services/chat"
	"roomrelay/internal/services/presence"
	roomsvc "roomrelay/internal/services/room"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 12 * time.Second
	pingPeriod = 3 * time.Second // must be < pongWait

	dispatchTimeout = 5 * time.Second
	maxFrameSize    = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true }, // dev-only
}

type WsServer struct {
	hub      *Hub
	reg      *Registry
	subMgr   *subscriptionManager
	router   *Router
	disp     *Dispatcher
	presence presence.IPresenceService
	chatSvc  chat.IChatService
}

func NewWsServer(hub *Hub, reg *Registry, rdc *redis.Client, disp *Dispatcher,
	pres presence.IPresenceService, chatSvc chat.IChatService) *WsServer {
	srv := &WsServer{
		hub:      hub,
		reg:      reg,
		subMgr:   newSubscriptionManager(rdc, hub, reg),
		router:   NewRouter(),
		disp:     disp,
		presence: pres,
		chatSvc:  chatSvc,
	}
	srv.registerHandlers() // ← all WS endpoints configured here
	return srv
}

// RunLobby must be started once at service boot; it feeds lobby-scoped
// bus events to every local connection.
func (s *WsServer) RunLobby(ctx context.Context) { s.subMgr.RunLobby(ctx) }

// ---------------------------------------------------------------------------
//  Public: Gin entry-point
// ---------------------------------------------------------------------------

func (s *WsServer) Handle(ginCtx *gin.Context) {
	rawConn, err := upgrader.Upgrade(ginCtx.Writer, ginCtx.Request, nil)
	if err != nil {
		zap.L().Warn("ws.accept", zap.Error(err))
		return
	}
	rawConn.SetReadLimit(maxFrameSize)

	// ─────────────────── Client connected ──────────────────────
	wsConn := &clientConn{rawConn: rawConn}
	connID := s.reg.Register(wsConn)
	s.disp.BroadcastUserCount(s.reg.Count())

	// Initial lobby snapshot, pushed straight to the new connection.
	s.pushInitialRooms(ginCtx.Request.Context(), wsConn)

	go s.reader(connID, wsConn)
	go s.pinger(wsConn)
}

// ---------------------------------------------------------------------------
//  Private helpers
// ---------------------------------------------------------------------------

func (s *WsServer) registerHandlers() {
	// 🔹 join_room -----------------------------------------------------------
	Register(
		s.router,
		EvtJoinRoom,
		func(ctx context.Context, cc *ConnContext, req JoinRoomBody) (AckBody, error) {
			if req.RoomCode == "" || req.UserID == "" {
				return AckBody{}, errors.New("roomCode and userId are required")
			}
			code := strings.ToUpper(req.RoomCode)

			// Socket joins the multicast group before the metadata check,
			// so the member's own connection sees the join broadcast.
			conn := s.conn(cc.ConnID)
			if conn == nil {
				return AckBody{}, nil
			}
			if _, prev, ok := s.reg.Lookup(cc.ConnID); ok && prev != "" && prev != code {
				s.hub.Leave(prev, conn)
				s.subMgr.Unsubscribe(prev)
			}
			// A rejoin into the same room must not bump the subscription
			// refcount a second time.
			if !s.hub.InRoom(code, conn) {
				s.hub.Join(code, conn)
				s.subMgr.Subscribe(code)
			}
			s.reg.Associate(cc.ConnID, code, req.UserID, req.Pseudo)

			if err := s.presence.Join(ctx, code, req.UserID, req.Pseudo); err != nil {
				// Unknown room stays client-silent.
				if errors.Is(err, roomsvc.ErrRoomNotFound) {
					zap.L().Debug("ws.join_unknown_room", zap.String("room", code))
					return AckBody{}, nil
				}
				zap.L().Error("ws.join_room", zap.String("room", code), zap.Error(err))
			}
			return AckBody{}, nil
		},
	)

	// 🔹 leave_room ----------------------------------------------------------
	Register(
		s.router,
		EvtLeaveRoom,
		func(ctx context.Context, cc *ConnContext, req LeaveRoomBody) (AckBody, error) {
			if req.RoomCode == "" || req.UserID == "" {
				return AckBody{}, errors.New("roomCode and userId are required")
			}
			code := strings.ToUpper(req.RoomCode)

			if conn := s.conn(cc.ConnID); conn != nil {
				if s.hub.InRoom(code, conn) {
					s.hub.Leave(code, conn)
					s.subMgr.Unsubscribe(code)
				}
			}
			s.reg.ClearRoom(cc.ConnID)

			if err := s.presence.Leave(ctx, code, req.UserID); err != nil {
				zap.L().Error("ws.leave_room", zap.String("room", code), zap.Error(err))
			}
			return AckBody{}, nil
		},
	)

	// 🔹 kick_player ---------------------------------------------------------
	Register(
		s.router,
		EvtKickPlayer,
		func(ctx context.Context, cc *ConnContext, req KickPlayerBody) (AckBody, error) {
			if req.RoomCode == "" || req.TargetUserID == "" {
				return AckBody{}, errors.New("roomCode and targetUserId are required")
			}
			code := strings.ToUpper(req.RoomCode)

			if err := s.presence.Kick(ctx, code, req.TargetUserID); err != nil {
				zap.L().Error("ws.kick_player", zap.String("room", code), zap.Error(err))
				return AckBody{}, nil
			}
			// Detach the target's connections here: its registry room is
			// cleared below, so its own disconnect path will no longer
			// release the hub slot or the subscription refcount.
			for _, c := range s.reg.UserConns(req.TargetUserID) {
				if s.hub.InRoom(code, c) {
					s.hub.Leave(code, c)
					s.subMgr.Unsubscribe(code)
				}
			}
			// A later disconnect of the kicked user must not arm eviction.
			s.reg.ClearRoomForUser(code, req.TargetUserID)
			return AckBody{}, nil
		},
	)

	// 🔹 send_message --------------------------------------------------------
	Register(
		s.router,
		EvtSendMessage,
		func(ctx context.Context, cc *ConnContext, req SendMessageBody) (AckBody, error) {
			if req.RoomCode == "" {
				return AckBody{}, errors.New("roomCode is required")
			}
			code := strings.ToUpper(req.RoomCode)

			var sender *string
			if req.UserID != nil && *req.UserID != "" {
				sender = req.UserID
			}
			_, err := s.chatSvc.Send(ctx, code, sender, req.Content)
			switch {
			case err == nil:
			case errors.Is(err, chat.ErrEmptyMessage),
				errors.Is(err, roomsvc.ErrRoomNotFound):
				// Dropped silently; push-only channel.
				zap.L().Debug("ws.message_dropped", zap.String("room", code), zap.Error(err))
			case errors.Is(err, chat.ErrRateLimited):
				zap.L().Info("ws.message_rate_limited", zap.String("room", code))
			default:
				zap.L().Error("ws.send_message", zap.String("room", code), zap.Error(err))
			}
			return AckBody{}, nil
		},
	)

	// 🔹 get_rooms -----------------------------------------------------------
	Register(
		s.router,
		EvtGetRooms,
		func(ctx context.Context, cc *ConnContext, _ AckBody) (AckBody, error) {
			s.disp.BroadcastLobby()
			return AckBody{}, nil
		},
	)

	// 🔹 room_deleted --------------------------------------------------------
	Register(
		s.router,
		EvtRoomDeleted,
		func(ctx context.Context, cc *ConnContext, req RoomDeletedBody) (AckBody, error) {
			if req.RoomCode == "" {
				return AckBody{}, errors.New("roomCode is required")
			}
			code := strings.ToUpper(req.RoomCode)
			if err := s.presence.RoomDeleted(ctx, code); err != nil {
				zap.L().Error("ws.room_deleted", zap.String("room", code), zap.Error(err))
			}
			return AckBody{}, nil
		},
	)
}

func (s *WsServer) pushInitialRooms(ctx context.Context, conn *clientConn) {
	ctx, cancel := context.WithTimeout(ctx, 4*time.Second)
	defer cancel()

	list, err := s.disp.rooms.ListOpen(ctx)
	if err != nil {
		zap.L().Warn("ws.initial_rooms", zap.Error(err))
		return
	}
	_ = conn.writeJSON(gin.H{
		"event": EvtRoomsUpdate,
		"body":  list,
	})
}

func (s *WsServer) reader(connID string, conn *clientConn) {
	defer s.closeConn(connID, conn)

	_ = conn.rawConn.SetReadDeadline(time.Now().Add(pongWait))
	conn.rawConn.SetPongHandler(func(string) error {
		return conn.rawConn.SetReadDeadline(time.Now().Add(pongWait))
	})

	cc := &ConnContext{ConnID: connID, Server: s}

	for {
		var env Envelope
		if err := conn.rawConn.ReadJSON(&env); err != nil {
			return // client closed or errored
		}

		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		_, err := s.router.dispatch(ctx, cc, env)
		cancel()

		// Malformed frames get an error envelope; domain-level drops stay
		// silent inside the handlers.
		if err != nil {
			_ = conn.writeJSON(map[string]any{
				"event": "error",
				"body":  ErrorBody{Error: err.Error()},
			})
		}
	}
}

// closeConn tears one connection down and, when it was associated with
// a room, hands the user over to the grace-period evictor.
func (s *WsServer) closeConn(connID string, conn *clientConn) {
	userID, roomCode, displayName, ok := s.reg.Unregister(connID)
	if ok && roomCode != "" {
		s.hub.Leave(roomCode, conn)
		s.subMgr.Unsubscribe(roomCode)
		if userID != "" {
			s.presence.Disconnected(roomCode, userID, displayName)
		}
	}
	_ = conn.rawConn.Close()
	s.disp.BroadcastUserCount(s.reg.Count())
}

func (s *WsServer) conn(connID string) *clientConn {
	return s.reg.connOf(connID)
}

func (s *WsServer) pinger(conn *clientConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for range ticker.C {
		if err := conn.ping(); err != nil {
			_ = conn.rawConn.Close()
			return
		}
	}
}
