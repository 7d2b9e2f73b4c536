package game

import (
	"context"
	"errors"
	"io"
	"log"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/race/endless/config"
	"github.com/race/endless/internal/track"
)

type recordingSink struct {
	mu      sync.Mutex
	kicks   []KickEvent
	results []RoundResult
}

func (s *recordingSink) PlayerKicked(ev KickEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kicks = append(s.kicks, ev)
}

func (s *recordingSink) RoundFinished(ev RoundResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, ev)
}

type recordingBroadcaster struct {
	mu        sync.Mutex
	snapshots []*Snapshot
}

func (b *recordingBroadcaster) Broadcast(s *Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots = append(b.snapshots, s)
}

// testConfig lays a straight track along +Z.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Track.DifficultyFloor = 0
	cfg.Track.DifficultyRange = 0
	cfg.Room.MinPlayers = 2
	cfg.Room.MaxPlayers = 3
	return cfg
}

func newTestRoom(t *testing.T, cfg *config.Config, opts ...Option) *Room {
	t.Helper()
	opts = append([]Option{WithLogger(log.New(io.Discard, "", 0))}, opts...)
	room := NewRoom("room", 1337, cfg, opts...)
	t.Cleanup(room.Dispose)
	return room
}

func mustJoin(t *testing.T, room *Room, id string) PlayerState {
	t.Helper()
	st, err := room.Join(id, id)
	require.NoError(t, err)
	return st
}

func TestJoinAutoStarts(t *testing.T) {
	room := newTestRoom(t, testConfig())

	a := mustJoin(t, room, "a")
	assert.Equal(t, uint16(1), a.Slot)
	assert.Equal(t, StatusWaiting, room.Status())

	b := mustJoin(t, room, "b")
	assert.Equal(t, uint16(2), b.Slot)
	assert.Equal(t, StatusActive, room.Status())
}

func TestJoinSpawnsOnLanes(t *testing.T) {
	room := newTestRoom(t, testConfig())

	a := mustJoin(t, room, "a")
	b := mustJoin(t, room, "b")
	c := mustJoin(t, room, "c")

	assert.InDelta(t, -6.0, a.Position.X, epsilon)
	assert.InDelta(t, 0.0, b.Position.X, epsilon)
	assert.InDelta(t, 6.0, c.Position.X, epsilon)
	assert.InDelta(t, 6.0, a.LateralOffset, epsilon)
	assert.Zero(t, a.Distance)
}

func TestJoinErrors(t *testing.T) {
	room := newTestRoom(t, testConfig())

	mustJoin(t, room, "a")
	_, err := room.Join("a", "again")
	assert.ErrorIs(t, err, ErrAlreadyJoined)

	mustJoin(t, room, "b")
	mustJoin(t, room, "c")
	assert.False(t, room.HasCapacity())
	_, err = room.Join("d", "d")
	assert.ErrorIs(t, err, ErrRoomFull)

	room.Dispose()
	_, err = room.Join("e", "e")
	assert.ErrorIs(t, err, ErrRoomClosed)
}

func TestStartOnlyFromWaiting(t *testing.T) {
	room := newTestRoom(t, testConfig())
	mustJoin(t, room, "a")

	require.NoError(t, room.Start())
	assert.Equal(t, StatusActive, room.Status())
	assert.ErrorIs(t, room.Start(), ErrNotWaiting)
}

func TestTickRequiresActive(t *testing.T) {
	room := newTestRoom(t, testConfig())
	mustJoin(t, room, "a")

	assert.ErrorIs(t, room.Tick(), ErrNotActive)
	assert.Zero(t, room.TickCount())
}

func TestTickNotReentrant(t *testing.T) {
	room := newTestRoom(t, testConfig())
	mustJoin(t, room, "a")
	mustJoin(t, room, "b")

	room.ticking.Store(true)
	assert.ErrorIs(t, room.Tick(), ErrTickInProgress)
	room.ticking.Store(false)
	assert.NoError(t, room.Tick())
}

func TestSubmitInputErrors(t *testing.T) {
	room := newTestRoom(t, testConfig())
	mustJoin(t, room, "a")
	mustJoin(t, room, "b")

	assert.ErrorIs(t, room.SubmitInput("nobody", Input{}), ErrUnknownPlayer)

	err := room.SubmitInput("a", Input{Steering: math.NaN(), Timestamp: 1})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "steering", verr.Field)

	err = room.SubmitInput("a", Input{Throttle: math.Inf(1), Timestamp: 1})
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "throttle", verr.Field)

	require.NoError(t, room.Tick())
	for _, p := range room.Players() {
		assert.Zero(t, p.Strikes)
		assert.Zero(t, p.Velocity)
	}
}

func TestLatestInputWins(t *testing.T) {
	room := newTestRoom(t, testConfig())
	mustJoin(t, room, "a")
	mustJoin(t, room, "b")

	require.NoError(t, room.SubmitInput("a", Input{Throttle: 1, Timestamp: 5}))
	require.NoError(t, room.SubmitInput("a", Input{Throttle: -1, Timestamp: 3}))
	require.NoError(t, room.Tick())

	a := room.Players()[0]
	assert.Greater(t, a.Velocity, 0.0)
	assert.Equal(t, uint64(5), a.LastInputAt)

	// stale input is ignored and the held throttle keeps applying
	require.NoError(t, room.SubmitInput("a", Input{Throttle: -1, Timestamp: 2}))
	require.NoError(t, room.Tick())

	after := room.Players()[0]
	assert.Greater(t, after.Velocity, a.Velocity)
	assert.Equal(t, uint64(5), after.LastInputAt)
}

func TestInputQueueIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.Room.InputQueueSize = 4
	room := newTestRoom(t, cfg)
	mustJoin(t, room, "a")

	for i := 0; i < 10; i++ {
		require.NoError(t, room.SubmitInput("a", Input{Timestamp: uint64(i)}))
	}
	queued := room.drainInputs()["a"]
	require.Len(t, queued, 4)
	assert.Equal(t, uint64(6), queued[0].Timestamp)
	assert.Equal(t, uint64(9), queued[3].Timestamp)
}

func TestDrivingAdvancesDistance(t *testing.T) {
	room := newTestRoom(t, testConfig())
	mustJoin(t, room, "a")
	mustJoin(t, room, "b")

	for i := 1; i <= 60; i++ {
		require.NoError(t, room.SubmitInput("a", Input{Throttle: 1, Timestamp: uint64(i)}))
		require.NoError(t, room.Tick())
	}

	a, b := room.Players()[0], room.Players()[1]
	assert.Zero(t, a.Strikes)
	assert.False(t, a.OffTrack)
	assert.Greater(t, a.Position.Z, 30.0)
	assert.InDelta(t, a.Position.Z, a.Distance, 5)
	assert.Zero(t, b.Distance)
	assert.Equal(t, uint64(60), room.TickCount())
}

func TestTeleportRubberbandsThenKicksOnce(t *testing.T) {
	cfg := testConfig()
	sink := &recordingSink{}
	room := newTestRoom(t, cfg, WithEventSink(sink))
	a := mustJoin(t, room, "a")
	b := mustJoin(t, room, "b")

	for i := 1; i <= cfg.AntiCheat.MaxStrikes; i++ {
		far := a.Position.Add(track.Vec3{Z: 500})
		require.NoError(t, room.SubmitInput("a", Input{Timestamp: uint64(i), Reported: &far}))
		require.NoError(t, room.Tick())

		if i < cfg.AntiCheat.MaxStrikes {
			players := room.Players()
			require.Len(t, players, 2)
			assert.Equal(t, i, players[0].Strikes)
			assert.Equal(t, a.Position, players[0].Position)
		}
	}

	assert.Equal(t, StatusFinished, room.Status())
	assert.ErrorIs(t, room.Tick(), ErrNotActive)

	room.Dispose()
	sink.mu.Lock()
	defer sink.mu.Unlock()

	require.Len(t, sink.kicks, 1)
	assert.Equal(t, "a", sink.kicks[0].PlayerID)
	assert.Equal(t, a.Slot, sink.kicks[0].Slot)
	assert.Equal(t, cfg.AntiCheat.MaxStrikes, sink.kicks[0].Strikes)
	assert.Equal(t, "anticheat: displacement", sink.kicks[0].Reason)

	require.Len(t, sink.results, 1)
	res := sink.results[0]
	assert.Equal(t, EndLastPlayer, res.Reason)
	assert.Equal(t, int64(1337), res.Seed)
	require.Len(t, res.Standings, 2)
	assert.Equal(t, b.ID, res.Standings[0].PlayerID)
	assert.Equal(t, 1, res.Standings[0].Rank)
	assert.False(t, res.Standings[0].Eliminated)
	assert.Equal(t, "a", res.Standings[1].PlayerID)
	assert.True(t, res.Standings[1].Eliminated)
}

func TestRoundEndsAtTimeLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Room.MaxDuration = time.Second
	room := newTestRoom(t, cfg)
	mustJoin(t, room, "a")
	mustJoin(t, room, "b")

	for i := 1; i <= cfg.Room.TickRate; i++ {
		require.NoError(t, room.SubmitInput("b", Input{Throttle: 1, Timestamp: uint64(i)}))
		require.NoError(t, room.Tick())
	}

	res, ok := room.Result()
	require.True(t, ok)
	assert.Equal(t, EndTimeLimit, res.Reason)
	assert.Equal(t, uint64(cfg.Room.TickRate), res.Tick)
	require.Len(t, res.Standings, 2)
	assert.Equal(t, "b", res.Standings[0].PlayerID)
	assert.Equal(t, "a", res.Standings[1].PlayerID)
	assert.Equal(t, 2, res.Standings[1].Rank)
}

func TestRoundEndsAtFinishDistance(t *testing.T) {
	cfg := testConfig()
	cfg.Room.FinishDistance = 10
	room := newTestRoom(t, cfg)
	mustJoin(t, room, "a")
	mustJoin(t, room, "b")

	for i := 1; i <= 120 && room.Status() == StatusActive; i++ {
		require.NoError(t, room.SubmitInput("a", Input{Throttle: 1, Timestamp: uint64(i)}))
		require.NoError(t, room.Tick())
	}

	res, ok := room.Result()
	require.True(t, ok)
	assert.Equal(t, EndDistance, res.Reason)
	assert.Equal(t, "a", res.Standings[0].PlayerID)
	assert.GreaterOrEqual(t, res.Standings[0].Distance, 10.0)
}

func TestLeaversAreRankedBehind(t *testing.T) {
	room := newTestRoom(t, testConfig())
	mustJoin(t, room, "a")
	mustJoin(t, room, "b")
	mustJoin(t, room, "c")

	require.NoError(t, room.Leave("c"))
	require.NoError(t, room.Leave("b"))
	assert.ErrorIs(t, room.Leave("b"), ErrUnknownPlayer)
	require.NoError(t, room.Tick())

	res, ok := room.Result()
	require.True(t, ok)
	require.Len(t, res.Standings, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{
		res.Standings[0].PlayerID,
		res.Standings[1].PlayerID,
		res.Standings[2].PlayerID,
	})
	assert.True(t, res.Standings[1].Eliminated)
	assert.True(t, res.Standings[2].Eliminated)
}

func TestRank(t *testing.T) {
	standings := []Standing{
		{PlayerID: "out-far", Slot: 1, Distance: 900, Eliminated: true},
		{PlayerID: "near", Slot: 2, Distance: 100},
		{PlayerID: "far", Slot: 3, Distance: 500},
		{PlayerID: "tie", Slot: 4, Distance: 100},
	}
	rank(standings)

	var order []string
	for i, s := range standings {
		assert.Equal(t, i+1, s.Rank)
		order = append(order, s.PlayerID)
	}
	assert.Equal(t, []string{"far", "near", "tie", "out-far"}, order)
}

func TestSnapshotIsPure(t *testing.T) {
	room := newTestRoom(t, testConfig())
	mustJoin(t, room, "a")
	mustJoin(t, room, "b")

	first := room.Snapshot()
	second := room.Snapshot()
	assert.Equal(t, first, second)
	assert.Len(t, first.Players, 2)
	assert.Len(t, first.NewSegments, len(room.generator.Segments()))
	assert.NotEmpty(t, first.NewCheckpoints)
	assert.False(t, first.Full)
}

func TestSnapshotDiffsAgainstBroadcast(t *testing.T) {
	b := &recordingBroadcaster{}
	room := newTestRoom(t, testConfig(), WithBroadcaster(b))
	mustJoin(t, room, "a")
	mustJoin(t, room, "b")

	room.broadcastState()
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.snapshots) > 0
	}, time.Second, 5*time.Millisecond)
	committed := room.Snapshot()
	assert.True(t, committed.Empty())

	require.NoError(t, room.SubmitInput("a", Input{Throttle: 1, Timestamp: 1}))
	require.NoError(t, room.Tick())

	diff := room.Snapshot()
	require.Len(t, diff.Players, 1)
	assert.Equal(t, "a", diff.Players[0].ID)
	assert.Empty(t, diff.NewSegments)

	room.broadcastState()
	require.NoError(t, room.Leave("b"))
	diff = room.Snapshot()
	assert.Equal(t, []uint16{2}, diff.Removed)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Len(t, b.snapshots[0].Players, 2)
}

func TestFullSnapshot(t *testing.T) {
	room := newTestRoom(t, testConfig())
	mustJoin(t, room, "a")
	mustJoin(t, room, "b")
	room.broadcastState()

	full := room.FullSnapshot()
	assert.True(t, full.Full)
	assert.Len(t, full.Players, 2)
	assert.Len(t, full.NewSegments, testConfig().Track.InitialSegments)
	assert.Equal(t, room.generator.Checkpoints(), full.NewCheckpoints)
}

func TestSnapshotMerge(t *testing.T) {
	s := &Snapshot{
		Tick:        1,
		Players:     []PlayerState{{ID: "a", Slot: 1}, {ID: "b", Slot: 2}},
		NewSegments: []track.Segment{{Index: 0}},
	}
	s.merge(&Snapshot{
		Tick:        2,
		Players:     []PlayerState{{ID: "b", Slot: 2, Distance: 10}},
		Removed:     []uint16{1},
		NewSegments: []track.Segment{{Index: 1}},
	})

	assert.Equal(t, uint64(2), s.Tick)
	assert.Equal(t, []PlayerState{{ID: "b", Slot: 2, Distance: 10}}, s.Players)
	assert.Equal(t, []uint16{1}, s.Removed)
	require.Len(t, s.NewSegments, 2)
	assert.Equal(t, uint32(1), s.NewSegments[1].Index)
}

func TestDisposeIsIdempotent(t *testing.T) {
	room := newTestRoom(t, testConfig())
	mustJoin(t, room, "a")
	mustJoin(t, room, "b")

	room.Dispose()
	room.Dispose()

	assert.Equal(t, StatusDisposed, room.Status())
	assert.Zero(t, room.PlayerCount())
	assert.Empty(t, room.FullSnapshot().NewSegments)
	assert.ErrorIs(t, room.Tick(), ErrNotActive)
	assert.ErrorIs(t, room.SubmitInput("a", Input{}), ErrUnknownPlayer)
}

func TestIdleTimeout(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	cfg := testConfig()
	room := newTestRoom(t, cfg, WithClock(clock))

	assert.False(t, room.idleExpired())
	now = now.Add(cfg.Room.IdleTimeout)
	assert.True(t, room.idleExpired())

	mustJoin(t, room, "a")
	assert.False(t, room.idleExpired())

	require.NoError(t, room.Leave("a"))
	assert.False(t, room.idleExpired())
	now = now.Add(cfg.Room.IdleTimeout)
	assert.True(t, room.idleExpired())
}

func TestRunDisposesOnCancel(t *testing.T) {
	room := newTestRoom(t, testConfig())
	mustJoin(t, room, "a")
	mustJoin(t, room, "b")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		room.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return room.TickCount() > 0 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StatusDisposed, room.Status())
}

func TestOffTrackKickNamesViolation(t *testing.T) {
	cfg := testConfig()
	// width 24: the edge sits 7 from the centerline
	cfg.AntiCheat.TrackTolerance = -5
	sink := &recordingSink{}
	room := newTestRoom(t, cfg, WithEventSink(sink))
	a := mustJoin(t, room, "a")
	mustJoin(t, room, "b")

	wide := a.Position.Add(track.Vec3{X: -1.5})
	for i := 1; i <= cfg.AntiCheat.MaxStrikes; i++ {
		require.NoError(t, room.SubmitInput("a", Input{Timestamp: uint64(i), Reported: &wide}))
		require.NoError(t, room.Tick())
	}

	room.Dispose()
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.kicks, 1)
	assert.Equal(t, "anticheat: off_track", sink.kicks[0].Reason)
}

func TestTickNonFiniteStateIsFatal(t *testing.T) {
	room := newTestRoom(t, testConfig())
	mustJoin(t, room, "a")
	mustJoin(t, room, "b")

	room.mu.Lock()
	room.players["a"].input.Reported = &track.Vec3{X: math.NaN()}
	room.mu.Unlock()

	err := room.Tick()
	require.Error(t, err)
	assert.True(t, IsFatal(err))

	var fe *FatalRoomError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "room", fe.RoomID)
}

func TestTickRecoversPanic(t *testing.T) {
	room := newTestRoom(t, testConfig())
	mustJoin(t, room, "a")
	mustJoin(t, room, "b")

	room.mu.Lock()
	room.physics = nil
	room.mu.Unlock()

	err := room.Tick()
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Contains(t, err.Error(), "panic during tick 1")

	// the tick guard is released after the panic
	assert.False(t, room.ticking.Load())
}

func TestRunDisposesOnlyFatalRoom(t *testing.T) {
	cfg := testConfig()
	quiet := WithLogger(log.New(io.Discard, "", 0))
	broken := NewRoom("broken", 1, cfg, quiet)
	healthy := NewRoom("healthy", 2, cfg, quiet)
	t.Cleanup(broken.Dispose)
	t.Cleanup(healthy.Dispose)

	for _, room := range []*Room{broken, healthy} {
		mustJoin(t, room, "a")
		mustJoin(t, room, "b")
	}
	broken.mu.Lock()
	broken.players["a"].input.Reported = &track.Vec3{Y: math.Inf(1)}
	broken.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		broken.Run(ctx)
		close(done)
	}()
	go healthy.Run(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after a fatal tick")
	}
	assert.Equal(t, StatusDisposed, broken.Status())

	ticks := healthy.TickCount()
	require.Eventually(t, func() bool { return healthy.TickCount() > ticks+3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StatusActive, healthy.Status())
}
