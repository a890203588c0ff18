package room

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// StatusWaiting marks a room as open for joining. Rooms in any other
// status are hidden from the lobby listing.
const StatusWaiting = "WAITING"

var ErrRoomNotFound = errors.New("room not found")

// RoomDTO mirrors the room metadata row. The schema is owned by the
// external CRUD backend; this service only reads it.
type RoomDTO struct {
	ID         string    `json:"id"`
	Code       string    `json:"code"`
	Name       string    `json:"name"`
	IsPrivate  bool      `json:"isPrivate"`
	HostID     string    `json:"hostId"`
	MaxPlayers int       `json:"maxPlayers"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
}

// HostSummary is the sanitized host projection pushed to clients.
type HostSummary struct {
	Pseudo string `json:"pseudo"`
	Email  string `json:"email"`
}

// UserSummary is the user projection embedded in snapshots and chat
// messages. Role falls back to GUEST, pseudo to "" for unknown users.
type UserSummary struct {
	ID     string `json:"id"`
	Pseudo string `json:"pseudo"`
	Role   string `json:"role"`
}

// PlayerRole is the reduced member projection used by the lobby listing.
type PlayerRole struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// LobbyRoom is one entry of the rooms_update payload.
type LobbyRoom struct {
	Code       string       `json:"code"`
	Name       string       `json:"name"`
	IsPrivate  bool         `json:"isPrivate"`
	CreatedAt  time.Time    `json:"createdAt"`
	Players    []PlayerRole `json:"players"`
	HostID     string       `json:"hostId"`
	MaxPlayers int          `json:"maxPlayers"`
	Host       *HostSummary `json:"host"`
}

type IRoomService interface {
	GetByCode(ctx context.Context, code string) (*RoomDTO, error)
	GetHost(ctx context.Context, hostID string) (*HostSummary, error)
	ResolveUser(ctx context.Context, userID string) (*UserSummary, error)
	ListOpen(ctx context.Context) ([]LobbyRoom, error)
}

type roomService struct {
	db *sql.DB
}

func NewRoomService(db *sql.DB) IRoomService {
	return &roomService{db: db}
}

// GetByCode looks a room up by its short code. Codes are uppercased at
// the boundary, matching the REST backend.
func (svc *roomService) GetByCode(ctx context.Context, code string) (*RoomDTO, error) {
	const q = `SELECT id, code, name, is_private, host_id, max_players, status, created_at
	             FROM rooms WHERE code = $1`
	dto := &RoomDTO{}
	row := svc.db.QueryRowContext(ctx, q, strings.ToUpper(code))
	if err := row.Scan(&dto.ID, &dto.Code, &dto.Name, &dto.IsPrivate,
		&dto.HostID, &dto.MaxPlayers, &dto.Status, &dto.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	return dto, nil
}

// GetHost returns the sanitized host projection, or nil when the host
// user no longer exists.
func (svc *roomService) GetHost(ctx context.Context, hostID string) (*HostSummary, error) {
	const q = `SELECT coalesce(pseudo,''), coalesce(email,'') FROM users WHERE id = $1`
	hs := &HostSummary{}
	if err := svc.db.QueryRowContext(ctx, q, hostID).Scan(&hs.Pseudo, &hs.Email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return hs, nil
}

// ResolveUser resolves the display projection for a user id. Unknown
// users resolve to the GUEST defaults rather than an error so that a
// deleted account never breaks a snapshot.
func (svc *roomService) ResolveUser(ctx context.Context, userID string) (*UserSummary, error) {
	const q = `SELECT coalesce(pseudo,''), coalesce(role,'GUEST') FROM users WHERE id = $1`
	us := &UserSummary{ID: userID, Role: "GUEST"}
	if err := svc.db.QueryRowContext(ctx, q, userID).Scan(&us.Pseudo, &us.Role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return us, nil
		}
		return nil, err
	}
	if us.Role == "" {
		us.Role = "GUEST"
	}
	return us, nil
}

// ListOpen returns every room open for joining together with its member
// id/role pairs and sanitized host, i.e. the rooms_update projection.
func (svc *roomService) ListOpen(ctx context.Context) ([]LobbyRoom, error) {
	const q = `
	SELECT r.code, r.name, r.is_private, r.created_at, r.host_id, r.max_players,
	       coalesce(h.pseudo,''), coalesce(h.email,''), (h.id IS NOT NULL),
	       coalesce(p.user_id,''), coalesce(u.role,'GUEST')
	  FROM rooms r
	  LEFT JOIN users h        ON h.id      = r.host_id
	  LEFT JOIN room_players p ON p.room_id = r.id
	  LEFT JOIN users u        ON u.id      = p.user_id
	 WHERE r.status = $1
	 ORDER BY r.created_at, r.code`

	rows, err := svc.db.QueryContext(ctx, q, StatusWaiting)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := make([]LobbyRoom, 0, 8)
	idx := make(map[string]int)
	for rows.Next() {
		var (
			lr       LobbyRoom
			host     HostSummary
			hasHost  bool
			memberID string
			role     string
		)
		if err := rows.Scan(&lr.Code, &lr.Name, &lr.IsPrivate, &lr.CreatedAt,
			&lr.HostID, &lr.MaxPlayers,
			&host.Pseudo, &host.Email, &hasHost,
			&memberID, &role); err != nil {
			return nil, err
		}

		i, seen := idx[lr.Code]
		if !seen {
			lr.Players = []PlayerRole{}
			if hasHost {
				lr.Host = &host
			}
			list = append(list, lr)
			i = len(list) - 1
			idx[lr.Code] = i
		}
		if memberID != "" {
			list[i].Players = append(list[i].Players, PlayerRole{ID: memberID, Role: role})
		}
	}
	return list, rows.Err()
}
