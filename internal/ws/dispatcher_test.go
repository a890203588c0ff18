package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomrelay/internal/services/chat"
	"roomrelay/internal/services/presence"
	roomsvc "roomrelay/internal/services/room"
)

type fakeRooms struct {
	rooms map[string]*roomsvc.RoomDTO
	hosts map[string]*roomsvc.HostSummary
	open  []roomsvc.LobbyRoom
}

func (f *fakeRooms) GetByCode(_ context.Context, code string) (*roomsvc.RoomDTO, error) {
	if r, ok := f.rooms[code]; ok {
		return r, nil
	}
	return nil, roomsvc.ErrRoomNotFound
}

func (f *fakeRooms) GetHost(_ context.Context, hostID string) (*roomsvc.HostSummary, error) {
	return f.hosts[hostID], nil
}

func (f *fakeRooms) ResolveUser(_ context.Context, userID string) (*roomsvc.UserSummary, error) {
	return &roomsvc.UserSummary{ID: userID, Role: "GUEST"}, nil
}

func (f *fakeRooms) ListOpen(context.Context) ([]roomsvc.LobbyRoom, error) {
	return f.open, nil
}

type fakeMembers struct {
	members map[string][]presence.Membership
}

func (f *fakeMembers) MembersOf(roomCode string) []presence.Membership {
	if ms, ok := f.members[roomCode]; ok {
		return ms
	}
	return []presence.Membership{}
}

// frame builds the exact bytes the dispatcher puts on the bus.
func frame(t *testing.T, ev busEvent, event string, body any) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"event": event, "body": body})
	require.NoError(t, err)
	ev.Payload = payload
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	return raw
}

func newTestDispatcher(t *testing.T) (*Dispatcher, redismock.ClientMock, *fakeRooms) {
	t.Helper()
	rdc, mock := redismock.NewClientMock()
	t.Cleanup(func() { _ = rdc.Close() })

	created := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	rooms := &fakeRooms{
		rooms: map[string]*roomsvc.RoomDTO{
			"ROOM1": {ID: "rid-1", Code: "ROOM1", Name: "First", HostID: "h1",
				MaxPlayers: 8, Status: roomsvc.StatusWaiting, CreatedAt: created},
		},
		hosts: map[string]*roomsvc.HostSummary{
			"h1": {Pseudo: "Host", Email: "h@x.io"},
		},
		open: []roomsvc.LobbyRoom{{Code: "ROOM1", Name: "First", CreatedAt: created,
			Players: []roomsvc.PlayerRole{}, HostID: "h1", MaxPlayers: 8}},
	}
	members := &fakeMembers{members: map[string][]presence.Membership{
		"ROOM1": {{UserID: "u1", DisplayName: "Alice", Role: "GUEST"}},
	}}
	return NewDispatcher(rdc, rooms, members), mock, rooms
}

func TestDispatcher_BroadcastRoomState(t *testing.T) {
	d, mock, rooms := newTestDispatcher(t)

	rm := rooms.rooms["ROOM1"]
	snap := RoomSnapshot{
		Code:       rm.Code,
		Name:       rm.Name,
		IsPrivate:  rm.IsPrivate,
		CreatedAt:  rm.CreatedAt,
		Status:     rm.Status,
		HostID:     rm.HostID,
		MaxPlayers: rm.MaxPlayers,
		Host:       rooms.hosts["h1"],
		Players:    []presence.Membership{{UserID: "u1", DisplayName: "Alice", Role: "GUEST"}},
	}
	mock.ExpectPublish("room:ROOM1:events",
		frame(t, busEvent{Room: "ROOM1"}, EvtRoomUpdate, snap)).SetVal(1)

	d.BroadcastRoomState("ROOM1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcher_BroadcastRoomState_UnknownRoomPublishesNothing(t *testing.T) {
	d, mock, _ := newTestDispatcher(t)

	d.BroadcastRoomState("NOPE")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcher_BroadcastLobby(t *testing.T) {
	d, mock, rooms := newTestDispatcher(t)
	mock.ExpectPublish(lobbyChannel,
		frame(t, busEvent{}, EvtRoomsUpdate, rooms.open)).SetVal(1)

	d.BroadcastLobby()
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcher_BroadcastMessage(t *testing.T) {
	d, mock, _ := newTestDispatcher(t)

	msg := &chat.ChatMessage{
		ID:        "m1",
		RoomCode:  "ROOM1",
		Content:   "hello",
		CreatedAt: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		User:      &roomsvc.UserSummary{ID: "u1", Pseudo: "Alice", Role: "USER"},
	}
	mock.ExpectPublish("room:ROOM1:events",
		frame(t, busEvent{Room: "ROOM1"}, EvtNewMessage, msg)).SetVal(2)

	d.BroadcastMessage(msg)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcher_NotifyKicked_TargetsUser(t *testing.T) {
	d, mock, _ := newTestDispatcher(t)
	mock.ExpectPublish("room:ROOM1:events",
		frame(t, busEvent{Room: "ROOM1", User: "u1"}, EvtPlayerKicked, PlayerKickedBody{UserID: "u1"})).SetVal(1)

	d.NotifyKicked("ROOM1", "u1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcher_NotifyRoomDeleted(t *testing.T) {
	d, mock, _ := newTestDispatcher(t)
	mock.ExpectPublish("room:ROOM1:events",
		frame(t, busEvent{Room: "ROOM1"}, EvtRoomDeletedPush, AckBody{})).SetVal(1)

	d.NotifyRoomDeleted("ROOM1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcher_BroadcastUserCount(t *testing.T) {
	d, mock, _ := newTestDispatcher(t)
	mock.ExpectPublish(lobbyChannel,
		frame(t, busEvent{}, EvtUserCount, 3)).SetVal(1)

	d.BroadcastUserCount(3)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBusEvent_ChannelNames(t *testing.T) {
	assert.Equal(t, "room:ABCD:events", roomChannel("ABCD"))
	assert.Equal(t, "lobby:events", lobbyChannel)
}
