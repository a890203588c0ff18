package chat

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"roomrelay/internal/services/room"
)

var (
	ErrEmptyMessage = errors.New("message content empty")
	ErrRateLimited  = errors.New("sender rate limited")
)

// ChatMessage is immutable once created. User is nil for system
// messages; the sender projection is resolved at creation time so later
// profile edits never rewrite displayed history.
type ChatMessage struct {
	ID        string            `json:"id"`
	RoomCode  string            `json:"roomCode"`
	Content   string            `json:"content"`
	CreatedAt time.Time         `json:"createdAt"`
	User      *room.UserSummary `json:"user"`
}

func (m *ChatMessage) IsSystem() bool { return m.User == nil }

// Notifier receives every accepted message for fan-out to the room's
// connections. Implemented by the ws dispatcher.
type Notifier interface {
	BroadcastMessage(msg *ChatMessage)
}

type IChatService interface {
	Send(ctx context.Context, roomCode string, senderID *string, content string) (*ChatMessage, error)
	History(ctx context.Context, roomCode string) ([]ChatMessage, error)
}

type ChatService struct {
	db             *sql.DB
	rooms          room.IRoomService
	limiter        *senderLimiter
	notifier       Notifier
	persistTimeout time.Duration
}

var _ IChatService = (*ChatService)(nil)

func NewChatService(db *sql.DB, rooms room.IRoomService,
	rateLimit int, rateInterval, persistTimeout time.Duration) *ChatService {
	return &ChatService{
		db:             db,
		rooms:          rooms,
		limiter:        newSenderLimiter(rateLimit, rateInterval),
		persistTimeout: persistTimeout,
	}
}

// Bind attaches the broadcast side. Called once during wiring; messages
// accepted before Bind are persisted but not fanned out.
func (svc *ChatService) Bind(n Notifier) { svc.notifier = n }

// Send validates, persists and fans out one message. A nil senderID
// marks a system message, which bypasses the rate limit.
func (svc *ChatService) Send(ctx context.Context, roomCode string, senderID *string, content string) (*ChatMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}

	rm, err := svc.rooms.GetByCode(ctx, roomCode)
	if err != nil {
		return nil, err
	}

	if senderID != nil && !svc.limiter.Allow(*senderID) {
		return nil, ErrRateLimited
	}

	msg := &ChatMessage{
		ID:        uuid.NewString(),
		RoomCode:  rm.Code,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if senderID != nil {
		sender, err := svc.rooms.ResolveUser(ctx, *senderID)
		if err != nil {
			return nil, err
		}
		msg.User = sender
	}

	pctx, cancel := context.WithTimeout(ctx, svc.persistTimeout)
	defer cancel()

	var userID sql.NullString
	if senderID != nil {
		userID = sql.NullString{String: *senderID, Valid: true}
	}
	const ins = `INSERT INTO messages (id, room_id, user_id, content, created_at)
	             VALUES ($1, $2, $3, $4, $5)`
	if _, err := svc.db.ExecContext(pctx, ins, msg.ID, rm.ID, userID, msg.Content, msg.CreatedAt); err != nil {
		// Recoverable: log and skip the broadcast for this one message.
		zap.L().Error("chat.persist", zap.String("room", rm.Code), zap.Error(err))
		return nil, err
	}

	if svc.notifier != nil {
		svc.notifier.BroadcastMessage(msg)
	}
	return msg, nil
}

// History returns the room's messages in creation order with the sender
// projection resolved per row.
func (svc *ChatService) History(ctx context.Context, roomCode string) ([]ChatMessage, error) {
	rm, err := svc.rooms.GetByCode(ctx, roomCode)
	if err != nil {
		return nil, err
	}

	const q = `
	SELECT m.id, m.content, m.created_at,
	       coalesce(m.user_id,''), coalesce(u.pseudo,''), coalesce(u.role,'GUEST')
	  FROM messages m
	  LEFT JOIN users u ON u.id = m.user_id
	 WHERE m.room_id = $1
	 ORDER BY m.created_at ASC`

	rows, err := svc.db.QueryContext(ctx, q, rm.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ChatMessage, 0, 32)
	for rows.Next() {
		var (
			msg    ChatMessage
			sender room.UserSummary
		)
		if err := rows.Scan(&msg.ID, &msg.Content, &msg.CreatedAt,
			&sender.ID, &sender.Pseudo, &sender.Role); err != nil {
			return nil, err
		}
		msg.RoomCode = rm.Code
		if sender.ID != "" {
			msg.User = &sender
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}
