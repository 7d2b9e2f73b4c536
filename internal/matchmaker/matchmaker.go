package matchmaker

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"

	"github.com/google/uuid"

	"github.com/race/endless/config"
	"github.com/race/endless/internal/game"
)

// ErrServerFull is returned when no room can take the player and no new room
// may be created.
var ErrServerFull = errors.New("server is at room capacity")

// Matchmaker handles player matchmaking and room assignment
type Matchmaker struct {
	mu    sync.RWMutex
	rooms map[string]*game.Room

	cfg    *config.Config
	opts   []game.Option
	ctx    context.Context
	cancel context.CancelFunc
	seeds  func() int64
}

// NewMatchmaker creates a new matchmaker. opts are passed to every room it
// creates.
func NewMatchmaker(cfg *config.Config, opts ...game.Option) *Matchmaker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Matchmaker{
		rooms:  make(map[string]*game.Room),
		cfg:    cfg,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		seeds:  func() int64 { return rand.Int64N(1 << 31) },
	}
}

// Join places the player in a room with capacity, creating one if needed.
// When seed is set only rooms racing that seed are considered.
func (m *Matchmaker) Join(playerID, name string, seed *int64) (*game.Room, game.PlayerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, room := range m.rooms {
		if seed != nil && room.Seed() != *seed {
			continue
		}
		if !room.HasCapacity() {
			continue
		}
		state, err := room.Join(playerID, name)
		if err == nil {
			return room, state, nil
		}
		if !errors.Is(err, game.ErrRoomFull) && !errors.Is(err, game.ErrRoomClosed) {
			return nil, game.PlayerState{}, err
		}
	}

	room, err := m.createLocked(seed)
	if err != nil {
		return nil, game.PlayerState{}, err
	}
	state, err := room.Join(playerID, name)
	if err != nil {
		return nil, game.PlayerState{}, err
	}
	return room, state, nil
}

// CreateRoom starts a new waiting room. A nil seed picks a random one.
func (m *Matchmaker) CreateRoom(seed *int64) (*game.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(seed)
}

func (m *Matchmaker) createLocked(seed *int64) (*game.Room, error) {
	if len(m.rooms) >= m.cfg.Server.MaxRooms {
		return nil, ErrServerFull
	}

	s := m.seeds()
	if seed != nil {
		s = *seed
	}

	room := game.NewRoom(uuid.NewString(), s, m.cfg, m.opts...)
	m.rooms[room.ID] = room
	go room.Run(m.ctx)

	return room, nil
}

// GetRoom gets a room by ID
func (m *Matchmaker) GetRoom(roomID string) *game.Room {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.rooms[roomID]
}

// RemoveRoom disposes and forgets a room
func (m *Matchmaker) RemoveRoom(roomID string) {
	m.mu.Lock()
	room, ok := m.rooms[roomID]
	delete(m.rooms, roomID)
	m.mu.Unlock()

	if ok {
		room.Dispose()
	}
}

// Cleanup disposes finished rooms and forgets disposed ones. Rooms dispose
// themselves after their idle timeout. Returns the number removed.
func (m *Matchmaker) Cleanup() int {
	m.mu.Lock()
	var stale []*game.Room
	for id, room := range m.rooms {
		switch room.Status() {
		case game.StatusFinished, game.StatusDisposed:
			stale = append(stale, room)
			delete(m.rooms, id)
		}
	}
	m.mu.Unlock()

	for _, room := range stale {
		room.Dispose()
	}
	return len(stale)
}

// Shutdown stops every room loop and disposes all rooms.
func (m *Matchmaker) Shutdown() {
	m.cancel()

	m.mu.Lock()
	rooms := m.rooms
	m.rooms = make(map[string]*game.Room)
	m.mu.Unlock()

	for _, room := range rooms {
		room.Dispose()
	}
}

// GetStats returns matchmaker statistics
func (m *Matchmaker) GetStats() MatchmakerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := MatchmakerStats{
		TotalRooms: len(m.rooms),
		Rooms:      make([]RoomStats, 0, len(m.rooms)),
	}

	for id, room := range m.rooms {
		playerCount := room.PlayerCount()
		stats.TotalPlayers += playerCount
		stats.Rooms = append(stats.Rooms, RoomStats{
			ID:          id,
			Seed:        room.Seed(),
			Status:      room.Status().String(),
			PlayerCount: playerCount,
			MaxPlayers:  m.cfg.Room.MaxPlayers,
			Tick:        room.TickCount(),
		})
	}

	return stats
}

// MatchmakerStats contains matchmaker statistics
type MatchmakerStats struct {
	TotalRooms   int         `json:"rooms"`
	TotalPlayers int         `json:"players"`
	Rooms        []RoomStats `json:"details"`
}

// RoomStats contains room statistics
type RoomStats struct {
	ID          string `json:"id"`
	Seed        int64  `json:"seed"`
	Status      string `json:"status"`
	PlayerCount int    `json:"players"`
	MaxPlayers  int    `json:"maxPlayers"`
	Tick        uint64 `json:"tick"`
}
