package game

import (
	"math"

	"github.com/race/endless/internal/track"
)

// Input is one timestamped control sample. Steering and Throttle are in
// [-1, 1]; Timestamp is the client's clock in milliseconds. Reported, when
// set, is the position the client claims to be at.
type Input struct {
	Steering  float64
	Throttle  float64
	Timestamp uint64
	Reported  *track.Vec3
}

// validate rejects values the simulator cannot consume.
func (in Input) validate() error {
	if math.IsNaN(in.Steering) || math.IsInf(in.Steering, 0) {
		return &ValidationError{Field: "steering", Value: in.Steering}
	}
	if math.IsNaN(in.Throttle) || math.IsInf(in.Throttle, 0) {
		return &ValidationError{Field: "throttle", Value: in.Throttle}
	}
	if in.Reported != nil && !in.Reported.Finite() {
		return &ValidationError{Field: "position"}
	}
	return nil
}

// Kinematics is the physical part of a player's state.
type Kinematics struct {
	Position track.Vec3
	Heading  float64
	Velocity float64
	Slip     float64
}

func (k Kinematics) finite() bool {
	return k.Position.Finite() &&
		!math.IsNaN(k.Heading) && !math.IsInf(k.Heading, 0) &&
		!math.IsNaN(k.Velocity) && !math.IsInf(k.Velocity, 0) &&
		!math.IsNaN(k.Slip) && !math.IsInf(k.Slip, 0)
}

// PlayerState is the canonical, serialisable state of a player.
type PlayerState struct {
	ID   string
	Slot uint16
	Name string
	Kinematics
	LateralOffset float64
	Distance      float64
	Strikes       int
	LastInputAt   uint64
	OffTrack      bool
}

// Player is the room-owned mutable record behind a PlayerState. All access
// happens under the room lock.
type Player struct {
	state PlayerState

	// held control until a newer input arrives
	input Input

	lastGood    Kinematics
	strikeTicks []uint64
	kicked      bool
}

func newPlayer(id, name string, slot uint16, spawn Kinematics, distance float64) *Player {
	return &Player{
		state: PlayerState{
			ID:         id,
			Slot:       slot,
			Name:       name,
			Kinematics: spawn,
			Distance:   distance,
		},
		lastGood: spawn,
	}
}

// State returns a copy of the player's canonical state.
func (p *Player) State() PlayerState {
	return p.state
}

// applyLatest picks the newest input by client timestamp from queued and
// holds it. Inputs older than the one already applied are ignored.
func (p *Player) applyLatest(queued []Input) {
	if len(queued) == 0 {
		return
	}
	latest := queued[0]
	for _, in := range queued[1:] {
		if in.Timestamp >= latest.Timestamp {
			latest = in
		}
	}
	if latest.Timestamp < p.state.LastInputAt {
		return
	}
	p.input = latest
	p.state.LastInputAt = latest.Timestamp
}

// accept commits candidate as the new known-good state.
func (p *Player) accept(candidate Kinematics, loc track.Location) {
	p.state.Kinematics = candidate
	p.state.LateralOffset = loc.Lateral
	if loc.Found {
		p.state.Distance = loc.Arc
	}
	p.state.OffTrack = false
	p.lastGood = candidate
}

// rubberband restores the last known-good position and heading and stops
// the car.
func (p *Player) rubberband(offTrack bool) {
	p.state.Kinematics = p.lastGood
	p.state.Velocity = 0
	p.state.Slip = 0
	p.lastGood = p.state.Kinematics
	p.state.OffTrack = offTrack
}

// strike records a violation at tick and returns the count inside window.
func (p *Player) strike(tick, window uint64) int {
	p.strikeTicks = append(p.strikeTicks, tick)
	return p.pruneStrikes(tick, window)
}

// pruneStrikes forgets strikes older than window ticks. A zero window keeps
// every strike.
func (p *Player) pruneStrikes(tick, window uint64) int {
	keep := 0
	for window > 0 && keep < len(p.strikeTicks) && tick-p.strikeTicks[keep] >= window {
		keep++
	}
	p.strikeTicks = p.strikeTicks[keep:]
	p.state.Strikes = len(p.strikeTicks)
	return p.state.Strikes
}
