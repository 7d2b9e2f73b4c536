package game

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/race/endless/config"
)

func testPhysics() *Physics {
	return NewPhysics(config.Default().Physics)
}

func TestPhysicsDeterministic(t *testing.T) {
	ph := testPhysics()
	in := Input{Steering: 0.4, Throttle: 0.9}

	a, b := Kinematics{}, Kinematics{}
	for i := 0; i < 200; i++ {
		a = ph.Step(a, in, 1.0/30)
		b = ph.Step(b, in, 1.0/30)
	}
	assert.Equal(t, a, b)
}

func TestPhysicsAcceleratesAlongHeading(t *testing.T) {
	ph := testPhysics()

	k := ph.Step(Kinematics{}, Input{Throttle: 1}, 1)
	assert.InDelta(t, 20.0, k.Velocity, epsilon)
	assert.InDelta(t, 20.0, k.Position.Z, epsilon)
	assert.InDelta(t, 0.0, k.Position.X, epsilon)
	assert.Zero(t, k.Heading)
}

func TestPhysicsNeverExceedsMaxSpeed(t *testing.T) {
	ph := testPhysics()
	maxSpeed := config.Default().Physics.MaxSpeed

	k := Kinematics{}
	for i := 0; i < 1000; i++ {
		k = ph.Step(k, Input{Steering: 1, Throttle: 1}, 1.0/30)
		require.LessOrEqual(t, k.Velocity, maxSpeed, "step %d", i)
	}
	assert.InDelta(t, maxSpeed, k.Velocity, epsilon)
}

func TestPhysicsReverseIsCapped(t *testing.T) {
	ph := testPhysics()
	cfg := config.Default().Physics

	k := Kinematics{}
	for i := 0; i < 300; i++ {
		k = ph.Step(k, Input{Throttle: -1}, 1.0/30)
	}
	assert.InDelta(t, -cfg.ReverseRatio*cfg.MaxSpeed, k.Velocity, epsilon)
}

func TestPhysicsCoastsWithFriction(t *testing.T) {
	ph := testPhysics()

	k := ph.Step(Kinematics{Velocity: 10}, Input{}, 1)
	assert.InDelta(t, 2.0, k.Velocity, epsilon)

	k = ph.Step(k, Input{}, 1)
	assert.Zero(t, k.Velocity)
}

func TestPhysicsStationaryCarDoesNotRotate(t *testing.T) {
	ph := testPhysics()

	k := ph.Step(Kinematics{}, Input{Steering: 1}, 1.0/30)
	assert.Zero(t, k.Heading)
	assert.Zero(t, k.Slip)
	assert.Equal(t, Kinematics{}.Position, k.Position)
}

func TestPhysicsClampsInput(t *testing.T) {
	ph := testPhysics()
	start := Kinematics{Velocity: 20}

	clamped := ph.Step(start, Input{Steering: 1, Throttle: 1}, 1.0/30)
	over := ph.Step(start, Input{Steering: 7, Throttle: 3}, 1.0/30)
	assert.Equal(t, clamped, over)
}

func TestPhysicsSteeringBuildsSlip(t *testing.T) {
	ph := testPhysics()

	k := ph.Step(Kinematics{Velocity: 40}, Input{Steering: 1, Throttle: 1}, 1.0/30)
	assert.Greater(t, k.Heading, 0.0)
	assert.Greater(t, k.Slip, 0.0)
	assert.Less(t, k.Slip, k.Heading)
}
