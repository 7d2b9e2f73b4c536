package game

import (
	"math"

	"github.com/race/endless/config"
	"github.com/race/endless/internal/track"
)

// Physics is the arcade motion model. Step is pure: the same state, input
// and dt always produce the same result.
type Physics struct {
	cfg config.Physics
}

// NewPhysics creates a motion simulator for the given constants.
func NewPhysics(cfg config.Physics) *Physics {
	return &Physics{cfg: cfg}
}

// Step advances k by dt seconds under input in.
func (ph *Physics) Step(k Kinematics, in Input, dt float64) Kinematics {
	steering := clamp(in.Steering, -1, 1)
	throttle := clamp(in.Throttle, -1, 1)
	maxSpeed := ph.cfg.MaxSpeed

	// Velocity approaches the throttle target
	target := math.Max(throttle*maxSpeed, -ph.cfg.ReverseRatio*maxSpeed)
	rate := ph.cfg.Acceleration
	switch {
	case throttle == 0:
		rate = ph.cfg.Friction
	case k.Velocity*target < 0 || (throttle < 0 && k.Velocity > 0):
		rate = ph.cfg.Braking
	}
	k.Velocity = approach(k.Velocity, target, rate*dt)
	k.Velocity = clamp(k.Velocity, -ph.cfg.ReverseRatio*maxSpeed, maxSpeed)

	// Steering with understeer; a stationary car does not rotate
	speedRatio := math.Abs(k.Velocity) / maxSpeed
	understeer := math.Max(ph.cfg.MinTurnAuthority, 1.0-speedRatio*ph.cfg.InertiaDampening)
	yaw := steering * ph.cfg.TurnRate * understeer * (k.Velocity / maxSpeed)
	k.Heading += yaw * dt

	// Drift: travel direction lags the heading, damped back towards zero
	k.Slip += yaw * ph.cfg.DriftFactor * dt
	k.Slip -= k.Slip * math.Min(1, ph.cfg.SlipDamping*dt)

	k.Position = k.Position.Add(track.Forward(k.Heading - k.Slip).Scale(k.Velocity * dt))
	return k
}

func approach(v, target, maxDelta float64) float64 {
	if v < target {
		return math.Min(v+maxDelta, target)
	}
	return math.Max(v-maxDelta, target)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}
