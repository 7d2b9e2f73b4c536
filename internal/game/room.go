// Package game implements the authoritative race: motion simulation,
// anti-cheat validation and the per-room tick loop.
package game

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/race/endless/config"
	"github.com/race/endless/internal/track"
)

// Status is a room's lifecycle stage.
type Status int32

const (
	StatusWaiting Status = iota
	StatusActive
	StatusFinished
	StatusDisposed
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusActive:
		return "active"
	case StatusFinished:
		return "finished"
	case StatusDisposed:
		return "disposed"
	}
	return "unknown"
}

// ErrTickInProgress is returned when Tick is entered while another call is
// still running.
var ErrTickInProgress = &RoomStateError{message: "tick already in progress"}

// Round end reasons.
const (
	EndLastPlayer = "last_player_standing"
	EndTimeLimit  = "time_limit"
	EndDistance   = "distance_reached"
)

// Room is one race. Each room has its own:
// - track generator seeded from the room seed
// - fixed-rate simulation tick
// - slower snapshot cadence feeding a non-blocking outbox
//
// Thread Safety:
// mu guards all race state; ticks, joins and leaves serialise on it.
// Inputs are queued under inputMu so SubmitInput never waits for a tick.
// Methods ending in "Locked" expect the caller to hold mu.
type Room struct {
	mu sync.RWMutex

	ID   string
	seed int64
	cfg  *config.Config

	status      Status
	tick        uint64
	players     map[string]*Player
	nextSlot    uint16
	startedWith int
	eliminated  []Standing
	result      *RoundResult
	emptySince  time.Time

	generator *track.Generator
	physics   *Physics
	antiCheat *AntiCheat
	base      baseline

	inputMu sync.Mutex
	inputs  map[string][]Input

	ticking     atomic.Bool
	stopChan    chan struct{}
	disposeOnce sync.Once

	dispatch *dispatcher
	logger   *log.Logger
	now      func() time.Time
}

// Option customises a room at construction.
type Option func(*roomOptions)

type roomOptions struct {
	logger      *log.Logger
	broadcaster Broadcaster
	sink        EventSink
	now         func() time.Time
}

// WithLogger sets the room logger. The default is log.Default().
func WithLogger(l *log.Logger) Option {
	return func(o *roomOptions) { o.logger = l }
}

// WithBroadcaster sets where snapshots are delivered.
func WithBroadcaster(b Broadcaster) Option {
	return func(o *roomOptions) { o.broadcaster = b }
}

// WithEventSink sets where kick and round-result events are delivered.
func WithEventSink(s EventSink) Option {
	return func(o *roomOptions) { o.sink = s }
}

// WithClock replaces time.Now for idle tracking.
func WithClock(now func() time.Time) Option {
	return func(o *roomOptions) { o.now = now }
}

// NewRoom creates a waiting room and generates its initial track. The room
// does not tick until Run is called or Tick is driven by the caller.
func NewRoom(id string, seed int64, cfg *config.Config, opts ...Option) *Room {
	o := roomOptions{logger: log.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	gen := track.NewGenerator(id, seed, cfg.Track)
	gen.SetLogger(o.logger)
	gen.Generate(cfg.Track.InitialSegments)

	return &Room{
		ID:         id,
		seed:       seed,
		cfg:        cfg,
		status:     StatusWaiting,
		players:    make(map[string]*Player),
		nextSlot:   1, // slot 0 means "no player" on the wire
		emptySince: o.now(),
		generator:  gen,
		physics:    NewPhysics(cfg.Physics),
		antiCheat:  NewAntiCheat(cfg),
		base:       newBaseline(),
		inputs:     make(map[string][]Input),
		stopChan:   make(chan struct{}),
		dispatch:   newDispatcher(o.broadcaster, o.sink, o.logger),
		logger:     o.logger,
		now:        o.now,
	}
}

// Seed returns the seed the room's track was generated from.
func (r *Room) Seed() int64 {
	return r.seed
}

// Status returns the lifecycle stage.
func (r *Room) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Join adds a player. Joins are accepted while waiting, and while active if
// there is capacity. Reaching MinPlayers starts the race.
func (r *Room) Join(playerID, name string) (PlayerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.status == StatusFinished || r.status == StatusDisposed:
		return PlayerState{}, ErrRoomClosed
	case r.players[playerID] != nil:
		return PlayerState{}, ErrAlreadyJoined
	case len(r.players) >= r.cfg.Room.MaxPlayers:
		return PlayerState{}, ErrRoomFull
	}

	slot := r.nextSlot
	r.nextSlot++

	spawn, distance := r.spawnLocked(slot)
	p := newPlayer(playerID, name, slot, spawn, distance)
	p.state.LateralOffset = r.generator.Locate(spawn.Position).Lateral
	r.players[playerID] = p

	r.inputMu.Lock()
	r.inputs[playerID] = nil
	r.inputMu.Unlock()

	r.logger.Printf("Player %s (slot %d) joined room %s", name, slot, r.ID)

	if r.status == StatusWaiting && len(r.players) >= r.cfg.Room.MinPlayers {
		r.startLocked()
	}
	return p.State(), nil
}

// spawnLocked places slot on a lane at the start of the retained ribbon.
func (r *Room) spawnLocked(slot uint16) (Kinematics, float64) {
	first := r.generator.Segments()[0]
	lane := float64(int(slot-1)%3-1) * r.cfg.Track.Width / 4
	pos := first.Start.Add(track.Right(first.StartHeading).Scale(lane))
	return Kinematics{Position: pos, Heading: first.StartHeading}, first.StartDistance
}

// Start moves a waiting room to active.
func (r *Room) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusWaiting {
		return ErrNotWaiting
	}
	r.startLocked()
	return nil
}

func (r *Room) startLocked() {
	r.status = StatusActive
	r.startedWith = len(r.players)
	r.logger.Printf("Room %s started with %d players (seed %d)", r.ID, r.startedWith, r.seed)
}

// Leave removes a player. Safe to call for players that were kicked.
func (r *Room) Leave(playerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.players[playerID]
	if !ok {
		return ErrUnknownPlayer
	}
	r.removeLocked(p)
	r.logger.Printf("Player %s (slot %d) left room %s", p.state.Name, p.state.Slot, r.ID)
	return nil
}

func (r *Room) removeLocked(p *Player) {
	delete(r.players, p.state.ID)

	r.inputMu.Lock()
	delete(r.inputs, p.state.ID)
	r.inputMu.Unlock()

	if r.status == StatusActive {
		r.eliminated = append(r.eliminated, Standing{
			PlayerID:   p.state.ID,
			Slot:       p.state.Slot,
			Name:       p.state.Name,
			Distance:   p.state.Distance,
			Eliminated: true,
		})
	}
	if len(r.players) == 0 {
		r.emptySince = r.now()
	}
}

// SubmitInput queues an input for the next tick. Non-finite values are
// rejected with a *ValidationError and never reach the simulator.
func (r *Room) SubmitInput(playerID string, in Input) error {
	if err := in.validate(); err != nil {
		return err
	}

	r.inputMu.Lock()
	defer r.inputMu.Unlock()

	queue, ok := r.inputs[playerID]
	if !ok {
		return ErrUnknownPlayer
	}
	if len(queue) >= r.cfg.Room.InputQueueSize {
		queue = queue[1:]
	}
	r.inputs[playerID] = append(queue, in)
	return nil
}

// drainInputs takes every queued input atomically.
func (r *Room) drainInputs() map[string][]Input {
	r.inputMu.Lock()
	defer r.inputMu.Unlock()

	out := make(map[string][]Input, len(r.inputs))
	for id, q := range r.inputs {
		if len(q) > 0 {
			out[id] = q
			r.inputs[id] = nil
		}
	}
	return out
}

// Tick advances the simulation by one fixed step. It is not re-entrant.
func (r *Room) Tick() (err error) {
	if !r.ticking.CompareAndSwap(false, true) {
		return ErrTickInProgress
	}
	defer r.ticking.Store(false)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusActive {
		return ErrNotActive
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = &FatalRoomError{RoomID: r.ID, Err: fmt.Errorf("panic during tick %d: %v", r.tick, rec)}
		}
	}()
	return r.tickLocked()
}

func (r *Room) tickLocked() error {
	r.tick++
	dt := r.cfg.Room.TickInterval()
	queued := r.drainInputs()

	type kick struct {
		player *Player
		kind   ViolationKind
	}
	var kicked []kick
	for _, p := range r.sortedPlayersLocked() {
		p.applyLatest(queued[p.state.ID])

		candidate := r.physics.Step(p.state.Kinematics, p.input, dt)
		if p.input.Reported != nil {
			candidate.Position = *p.input.Reported
			p.input.Reported = nil
		}
		if !candidate.finite() {
			return &FatalRoomError{RoomID: r.ID, Err: fmt.Errorf("player %s: non-finite state at tick %d", p.state.ID, r.tick)}
		}

		loc := r.generator.Locate(candidate.Position)
		result, kind := r.antiCheat.Validate(p, candidate, loc, dt, r.tick)
		switch result {
		case ValidationRubberband:
			r.logger.Printf("Room %s: player %s rubberbanded (%s, strike %d)", r.ID, p.state.ID, kind, p.state.Strikes)
		case ValidationKick:
			kicked = append(kicked, kick{player: p, kind: kind})
		}
	}

	for _, k := range kicked {
		r.kickLocked(k.player, "anticheat: "+k.kind.String())
	}

	r.extendTrackLocked()
	r.checkEndLocked()
	return nil
}

// kickLocked removes p and reports a kick to the transport.
func (r *Room) kickLocked(p *Player, reason string) {
	if p.kicked {
		return
	}
	p.kicked = true
	r.logger.Printf("Kicking player %s (slot %d) from room %s: %s", p.state.Name, p.state.Slot, r.ID, reason)

	r.removeLocked(p)
	r.dispatch.publishEvent(KickEvent{
		RoomID:   r.ID,
		PlayerID: p.state.ID,
		Slot:     p.state.Slot,
		Reason:   reason,
		Strikes:  p.state.Strikes,
	})
}

// extendTrackLocked keeps the ribbon ahead of the leader and trims what the
// last player has passed.
func (r *Room) extendTrackLocked() {
	if len(r.players) == 0 {
		return
	}
	lead, trail := -1.0, -1.0
	for _, p := range r.players {
		d := p.state.Distance
		if lead < 0 || d > lead {
			lead = d
		}
		if trail < 0 || d < trail {
			trail = d
		}
	}
	r.generator.Extend(lead)
	r.generator.Trim(trail)
}

func (r *Room) checkEndLocked() {
	switch {
	case r.startedWith >= 2 && len(r.players) <= 1:
		r.finishLocked(EndLastPlayer)
	case r.cfg.MaxTicks() > 0 && r.tick >= r.cfg.MaxTicks():
		r.finishLocked(EndTimeLimit)
	case r.cfg.Room.FinishDistance > 0:
		for _, p := range r.players {
			if p.state.Distance >= r.cfg.Room.FinishDistance {
				r.finishLocked(EndDistance)
				return
			}
		}
	}
}

// finishLocked ends the round and emits the result exactly once.
func (r *Room) finishLocked(reason string) {
	if r.status != StatusActive {
		return
	}
	r.status = StatusFinished

	standings := make([]Standing, 0, len(r.players)+len(r.eliminated))
	for _, p := range r.players {
		standings = append(standings, Standing{
			PlayerID: p.state.ID,
			Slot:     p.state.Slot,
			Name:     p.state.Name,
			Distance: p.state.Distance,
		})
	}
	standings = append(standings, r.eliminated...)
	rank(standings)

	r.result = &RoundResult{
		RoomID:    r.ID,
		Seed:      r.seed,
		Tick:      r.tick,
		Reason:    reason,
		Standings: standings,
	}
	r.logger.Printf("Room %s finished at tick %d (%s)", r.ID, r.tick, reason)
	r.dispatch.publishEvent(*r.result)
}

// rank orders players still racing ahead of eliminated ones, then by
// distance, then by slot, and assigns 1-based ranks.
func rank(standings []Standing) {
	sort.Slice(standings, func(i, j int) bool {
		a, b := standings[i], standings[j]
		if a.Eliminated != b.Eliminated {
			return !a.Eliminated
		}
		if a.Distance != b.Distance {
			return a.Distance > b.Distance
		}
		return a.Slot < b.Slot
	})
	for i := range standings {
		standings[i].Rank = i + 1
	}
}

// Result returns the round result once the room has finished.
func (r *Room) Result() (RoundResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.result == nil {
		return RoundResult{}, false
	}
	return *r.result, true
}

// Snapshot returns the diff since the last broadcast without modifying any
// state.
func (r *Room) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// FullSnapshot returns every player and the whole retained track, for
// clients that just joined.
func (r *Room) FullSnapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Snapshot{RoomID: r.ID, Tick: r.tick, Full: true}
	for _, p := range r.sortedPlayersLocked() {
		s.Players = append(s.Players, p.State())
	}
	s.NewSegments = append(s.NewSegments, r.generator.Segments()...)
	s.NewCheckpoints = append(s.NewCheckpoints, r.generator.Checkpoints()...)
	return s
}

// broadcastState commits the pending diff and hands it to the dispatcher.
func (r *Room) broadcastState() {
	r.mu.Lock()
	if r.status == StatusDisposed {
		r.mu.Unlock()
		return
	}
	s := r.snapshotLocked()
	if s.Empty() {
		r.mu.Unlock()
		return
	}
	r.commitLocked(s)
	r.mu.Unlock()

	r.dispatch.publishSnapshot(&s)
}

// TrackInfo reports track diagnostics.
func (r *Room) TrackInfo() track.Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generator.Info()
}

// Players returns every player's state ordered by slot.
func (r *Room) Players() []PlayerState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PlayerState, 0, len(r.players))
	for _, p := range r.sortedPlayersLocked() {
		out = append(out, p.State())
	}
	return out
}

// PlayerCount returns the current number of players in the room.
func (r *Room) PlayerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players)
}

// HasCapacity reports whether Join could currently succeed.
func (r *Room) HasCapacity() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return (r.status == StatusWaiting || r.status == StatusActive) && len(r.players) < r.cfg.Room.MaxPlayers
}

// TickCount returns the number of ticks simulated so far.
func (r *Room) TickCount() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tick
}

func (r *Room) sortedPlayersLocked() []*Player {
	out := make([]*Player, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].state.Slot < out[j].state.Slot })
	return out
}

// idleExpired reports whether the room has had no players for IdleTimeout.
func (r *Room) idleExpired() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	timeout := r.cfg.Room.IdleTimeout
	return timeout > 0 && len(r.players) == 0 && r.now().Sub(r.emptySince) >= timeout
}

// Run drives the room until ctx is cancelled or the room is disposed.
// Physics runs at TickRate, snapshots at SnapshotRate.
func (r *Room) Run(ctx context.Context) {
	tickTicker := time.NewTicker(time.Second / time.Duration(r.cfg.Room.TickRate))
	snapshotTicker := time.NewTicker(time.Second / time.Duration(r.cfg.Room.SnapshotRate))
	defer tickTicker.Stop()
	defer snapshotTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Dispose()
			return

		case <-r.stopChan:
			return

		case <-tickTicker.C:
			if r.Status() != StatusActive {
				continue
			}
			if err := r.Tick(); err != nil {
				if IsFatal(err) {
					r.logger.Printf("Room %s: %v; disposing", r.ID, err)
					r.Dispose()
					return
				}
				if !errors.Is(err, ErrNotActive) {
					r.logger.Printf("Room %s: tick error: %v", r.ID, err)
				}
			}

		case <-snapshotTicker.C:
			r.broadcastState()
			if r.idleExpired() {
				r.logger.Printf("Room %s idle for %s; disposing", r.ID, r.cfg.Room.IdleTimeout)
				r.Dispose()
				return
			}
		}
	}
}

// Dispose releases the track, players and queues and stops the room. It is
// idempotent.
func (r *Room) Dispose() {
	r.disposeOnce.Do(func() {
		r.mu.Lock()
		r.status = StatusDisposed
		r.generator.Release()
		r.players = make(map[string]*Player)
		r.base = newBaseline()
		r.mu.Unlock()

		r.inputMu.Lock()
		r.inputs = make(map[string][]Input)
		r.inputMu.Unlock()

		close(r.stopChan)
		r.dispatch.stop()
		r.logger.Printf("Room %s disposed", r.ID)
	})
}
