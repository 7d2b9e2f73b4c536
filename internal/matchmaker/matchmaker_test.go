package matchmaker

import (
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/race/endless/config"
	"github.com/race/endless/internal/game"
)

func testMatchmaker(t *testing.T, cfg *config.Config) *Matchmaker {
	t.Helper()
	m := NewMatchmaker(cfg, game.WithLogger(log.New(io.Discard, "", 0)))
	t.Cleanup(m.Shutdown)
	return m
}

func smallConfig() *config.Config {
	cfg := config.Default()
	cfg.Room.MinPlayers = 2
	cfg.Room.MaxPlayers = 2
	cfg.Server.MaxRooms = 2
	return cfg
}

func TestJoinFillsRoomBeforeCreating(t *testing.T) {
	m := testMatchmaker(t, smallConfig())

	r1, a, err := m.Join("a", "A", nil)
	require.NoError(t, err)
	r2, b, err := m.Join("b", "B", nil)
	require.NoError(t, err)

	assert.Same(t, r1, r2)
	assert.Equal(t, uint16(1), a.Slot)
	assert.Equal(t, uint16(2), b.Slot)

	r3, _, err := m.Join("c", "C", nil)
	require.NoError(t, err)
	assert.NotSame(t, r1, r3)
	assert.Equal(t, 2, m.GetStats().TotalRooms)
}

func TestJoinHonoursSeed(t *testing.T) {
	m := testMatchmaker(t, smallConfig())

	seed := int64(1337)
	r1, _, err := m.Join("a", "A", &seed)
	require.NoError(t, err)
	assert.Equal(t, seed, r1.Seed())

	other := int64(7)
	r2, _, err := m.Join("b", "B", &other)
	require.NoError(t, err)
	assert.NotSame(t, r1, r2)
	assert.Equal(t, other, r2.Seed())

	r3, _, err := m.Join("c", "C", &seed)
	require.NoError(t, err)
	assert.Same(t, r1, r3)
}

func TestJoinServerFull(t *testing.T) {
	cfg := smallConfig()
	cfg.Server.MaxRooms = 1
	m := testMatchmaker(t, cfg)

	_, _, err := m.Join("a", "A", nil)
	require.NoError(t, err)
	_, _, err = m.Join("b", "B", nil)
	require.NoError(t, err)

	_, _, err = m.Join("c", "C", nil)
	assert.ErrorIs(t, err, ErrServerFull)
}

func TestCleanupRemovesFinishedRooms(t *testing.T) {
	m := testMatchmaker(t, smallConfig())

	room, err := m.CreateRoom(nil)
	require.NoError(t, err)
	keep, err := m.CreateRoom(nil)
	require.NoError(t, err)

	room.Dispose()
	assert.Equal(t, 1, m.Cleanup())
	assert.Nil(t, m.GetRoom(room.ID))
	assert.Same(t, keep, m.GetRoom(keep.ID))
}

func TestRemoveRoomDisposes(t *testing.T) {
	m := testMatchmaker(t, smallConfig())

	room, err := m.CreateRoom(nil)
	require.NoError(t, err)

	m.RemoveRoom(room.ID)
	assert.Nil(t, m.GetRoom(room.ID))
	assert.Equal(t, game.StatusDisposed, room.Status())
}

func TestGetStats(t *testing.T) {
	m := testMatchmaker(t, smallConfig())

	seed := int64(42)
	room, _, err := m.Join("a", "A", &seed)
	require.NoError(t, err)

	stats := m.GetStats()
	assert.Equal(t, 1, stats.TotalRooms)
	assert.Equal(t, 1, stats.TotalPlayers)
	require.Len(t, stats.Rooms, 1)
	assert.Equal(t, room.ID, stats.Rooms[0].ID)
	assert.Equal(t, seed, stats.Rooms[0].Seed)
	assert.Equal(t, "waiting", stats.Rooms[0].Status)
	assert.Equal(t, 2, stats.Rooms[0].MaxPlayers)
}

func TestShutdownDisposesRooms(t *testing.T) {
	m := NewMatchmaker(smallConfig(), game.WithLogger(log.New(io.Discard, "", 0)))

	room, err := m.CreateRoom(nil)
	require.NoError(t, err)

	m.Shutdown()
	assert.Equal(t, game.StatusDisposed, room.Status())
	assert.Zero(t, m.GetStats().TotalRooms)
}
