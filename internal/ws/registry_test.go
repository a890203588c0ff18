package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg := NewRegistry()

	id := reg.Register(nil)
	require.NotEmpty(t, id)
	assert.Equal(t, 1, reg.Count())

	userID, roomCode, ok := reg.Lookup(id)
	require.True(t, ok)
	assert.Empty(t, userID, "fresh connections carry no identity")
	assert.Empty(t, roomCode)
}

func TestRegistry_AssociateOverwrites(t *testing.T) {
	reg := NewRegistry()
	id := reg.Register(nil)

	reg.Associate(id, "ROOM1", "u1", "Alice")
	userID, roomCode, ok := reg.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, "u1", userID)
	assert.Equal(t, "ROOM1", roomCode)

	// A rejoin into another room just replaces the association.
	reg.Associate(id, "ROOM2", "u1", "Alice")
	_, roomCode, _ = reg.Lookup(id)
	assert.Equal(t, "ROOM2", roomCode)
	assert.Len(t, reg.UserConns("u1"), 1)
}

func TestRegistry_AssociateUnknownConnIsNoop(t *testing.T) {
	reg := NewRegistry()
	reg.Associate("ghost", "ROOM1", "u1", "Alice")
	assert.Empty(t, reg.UserConns("u1"))
}

func TestRegistry_UnregisterReturnsLastAssociation(t *testing.T) {
	reg := NewRegistry()
	id := reg.Register(nil)
	reg.Associate(id, "ROOM1", "u1", "Alice")

	userID, roomCode, displayName, ok := reg.Unregister(id)
	require.True(t, ok)
	assert.Equal(t, "u1", userID)
	assert.Equal(t, "ROOM1", roomCode)
	assert.Equal(t, "Alice", displayName)

	assert.Zero(t, reg.Count())
	assert.Empty(t, reg.UserConns("u1"))

	_, _, _, ok = reg.Unregister(id)
	assert.False(t, ok, "double unregister reports the miss")
}

func TestRegistry_MultipleSessionsPerUser(t *testing.T) {
	reg := NewRegistry()
	a := reg.Register(nil)
	b := reg.Register(nil)
	reg.Associate(a, "ROOM1", "u1", "Alice")
	reg.Associate(b, "ROOM1", "u1", "Alice")

	assert.Len(t, reg.UserConns("u1"), 2)

	_, _, _, ok := reg.Unregister(a)
	require.True(t, ok)
	assert.Len(t, reg.UserConns("u1"), 1, "closing one tab keeps the other indexed")
}

func TestRegistry_ClearRoom(t *testing.T) {
	reg := NewRegistry()
	id := reg.Register(nil)
	reg.Associate(id, "ROOM1", "u1", "Alice")

	reg.ClearRoom(id)

	userID, roomCode, ok := reg.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, "u1", userID, "identity survives leaving the room")
	assert.Empty(t, roomCode)
}

func TestRegistry_ClearRoomForUser(t *testing.T) {
	reg := NewRegistry()
	a := reg.Register(nil)
	b := reg.Register(nil)
	c := reg.Register(nil)
	reg.Associate(a, "ROOM1", "u1", "Alice")
	reg.Associate(b, "ROOM1", "u1", "Alice")
	reg.Associate(c, "ROOM2", "u2", "Bob")

	reg.ClearRoomForUser("ROOM1", "u1")

	for _, id := range []string{a, b} {
		_, roomCode, ok := reg.Lookup(id)
		require.True(t, ok)
		assert.Empty(t, roomCode)
	}
	_, roomCode, _ := reg.Lookup(c)
	assert.Equal(t, "ROOM2", roomCode, "other users keep their rooms")
}
