package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomrelay/internal/services/chat"
	"roomrelay/internal/services/room"
)

type stubRooms struct{}

func (stubRooms) GetByCode(_ context.Context, code string) (*room.RoomDTO, error) {
	return &room.RoomDTO{ID: "rid-" + code, Code: code, Status: room.StatusWaiting}, nil
}

func (stubRooms) GetHost(context.Context, string) (*room.HostSummary, error) {
	return nil, nil
}

func (stubRooms) ResolveUser(_ context.Context, userID string) (*room.UserSummary, error) {
	return &room.UserSummary{ID: userID, Role: "GUEST"}, nil
}

func (stubRooms) ListOpen(context.Context) ([]room.LobbyRoom, error) {
	return []room.LobbyRoom{}, nil
}

type stubBroadcaster struct {
	mu    sync.Mutex
	rooms []string
}

func (b *stubBroadcaster) BroadcastRoomState(code string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rooms = append(b.rooms, code)
}

func (b *stubBroadcaster) BroadcastLobby()              {}
func (b *stubBroadcaster) NotifyKicked(string, string)  {}
func (b *stubBroadcaster) NotifyRoomDeleted(string)     {}

func (b *stubBroadcaster) states() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.rooms))
	copy(out, b.rooms)
	return out
}

type stubChat struct{}

func (stubChat) Send(_ context.Context, roomCode string, _ *string, content string) (*chat.ChatMessage, error) {
	return &chat.ChatMessage{RoomCode: roomCode, Content: content}, nil
}

func (stubChat) History(context.Context, string) ([]chat.ChatMessage, error) {
	return nil, nil
}

// A room switch queues the old room's removal behind that room's actor.
// The removal must run on its own context: the joining request's context
// is typically gone by the time the old room's actor gets to the task.
func TestJoin_RoomSwitchRemovalOutlivesCallerContext(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	mock.MatchExpectationsInOrder(false)
	mock.ExpectExec("INSERT INTO room_players").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO room_players").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM room_players").WillReturnResult(sqlmock.NewResult(0, 1))

	svc := NewService(db, stubRooms{}, time.Hour, time.Second)
	bc := &stubBroadcaster{}
	svc.Bind(bc, stubChat{})
	defer svc.Stop()

	require.NoError(t, svc.Join(context.Background(), "ROOM1", "u1", "Alice"))

	// Hold ROOM1's actor so the cross-room removal can only run after
	// the second join's context has been cancelled.
	release := make(chan struct{})
	svc.post("ROOM1", func() error { <-release; return nil })

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, svc.Join(ctx, "ROOM2", "u1", "Alice"))
	cancel()
	close(release)

	require.Eventually(t, func() bool { return len(svc.MembersOf("ROOM1")) == 0 },
		time.Second, 5*time.Millisecond)
	require.NoError(t, mock.ExpectationsWereMet(),
		"the old room's row must be deleted despite the cancelled request context")
	assert.Contains(t, bc.states(), "ROOM1", "the old room re-broadcasts after the removal")
}

// A task queued behind a busy actor must not stay blocked when the room
// retires underneath it.
func TestRetire_FailsQueuedTasks(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	svc := NewService(db, stubRooms{}, time.Hour, time.Second)
	svc.Bind(&stubBroadcaster{}, stubChat{})
	defer svc.Stop()

	release := make(chan struct{})
	svc.post("ROOM1", func() error { <-release; return nil })

	done := make(chan error, 1)
	go func() { done <- svc.Leave(context.Background(), "ROOM1", "ghost") }()

	// Let the leave land in the actor's queue behind the blocker.
	time.Sleep(20 * time.Millisecond)

	svc.retire("ROOM1")
	close(release)

	select {
	case err := <-done:
		if err != nil {
			require.ErrorIs(t, err, ErrStopped)
		}
	case <-time.After(time.Second):
		t.Fatal("queued task stayed blocked after the room actor retired")
	}
}
