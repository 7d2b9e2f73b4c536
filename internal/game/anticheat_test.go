package game

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/race/endless/config"
	"github.com/race/endless/internal/track"
)

const epsilon = 1e-9

func onTrack(arc float64) track.Location {
	return track.Location{Found: true, Arc: arc, Width: 24}
}

func TestCheckDisplacement(t *testing.T) {
	ac := NewAntiCheat(config.Default())
	origin := track.Vec3{}

	// MaxSpeed 50, dt 1, tolerance 0.5
	assert.True(t, ac.CheckDisplacement(origin, track.Vec3{Z: 49}, 1))
	assert.True(t, ac.CheckDisplacement(origin, track.Vec3{Z: 50.5}, 1))
	assert.False(t, ac.CheckDisplacement(origin, track.Vec3{Z: 51}, 1))
	assert.False(t, ac.CheckDisplacement(origin, track.Vec3{X: 40, Z: 40}, 1))
}

func TestCheckTrackBounds(t *testing.T) {
	ac := NewAntiCheat(config.Default())

	// width 24, tolerance 4: the edge is 16 from the centerline
	assert.True(t, ac.CheckTrackBounds(0, 24, 0))
	assert.True(t, ac.CheckTrackBounds(15, 24, 0))
	assert.False(t, ac.CheckTrackBounds(16, 24, 0))
	assert.False(t, ac.CheckTrackBounds(30, 24, 0))
	assert.False(t, ac.CheckTrackBounds(0, 24, -11))
}

func TestValidateAcceptsLegalMove(t *testing.T) {
	ac := NewAntiCheat(config.Default())
	p := newPlayer("p1", "P1", 1, Kinematics{}, 0)

	candidate := Kinematics{Position: track.Vec3{Z: 1}, Velocity: 30}
	result, kind := ac.Validate(p, candidate, onTrack(1), 1.0/30, 1)

	assert.Equal(t, ValidationValid, result)
	assert.Equal(t, ViolationNone, kind)
	assert.Equal(t, candidate, p.State().Kinematics)
	assert.Equal(t, candidate, p.lastGood)
	assert.InDelta(t, 1.0, p.State().Distance, epsilon)
	assert.Zero(t, p.State().Strikes)
}

func TestValidateRubberbandsTeleport(t *testing.T) {
	ac := NewAntiCheat(config.Default())
	spawn := Kinematics{Position: track.Vec3{X: -6}, Velocity: 20, Slip: 0.1}
	p := newPlayer("p1", "P1", 1, spawn, 0)

	candidate := Kinematics{Position: track.Vec3{X: -6, Z: 500}, Velocity: 20}
	result, kind := ac.Validate(p, candidate, onTrack(500), 1.0/30, 1)

	assert.Equal(t, ValidationRubberband, result)
	assert.Equal(t, ViolationDisplacement, kind)

	st := p.State()
	assert.Equal(t, spawn.Position, st.Position)
	assert.Zero(t, st.Velocity)
	assert.Zero(t, st.Slip)
	assert.Equal(t, 1, st.Strikes)
	assert.False(t, st.OffTrack)
	assert.Zero(t, st.Distance)
}

func TestValidateFlagsOffTrack(t *testing.T) {
	ac := NewAntiCheat(config.Default())
	p := newPlayer("p1", "P1", 1, Kinematics{Position: track.Vec3{X: 15}}, 0)

	candidate := Kinematics{Position: track.Vec3{X: 16}}
	loc := track.Location{Found: true, Lateral: 16, Width: 24}
	result, kind := ac.Validate(p, candidate, loc, 1.0/30, 1)

	assert.Equal(t, ValidationRubberband, result)
	assert.Equal(t, ViolationOffTrack, kind)
	assert.True(t, p.State().OffTrack)
	assert.Equal(t, track.Vec3{X: 15}, p.State().Position)

	// no centerline nearby counts as off-track too
	result, kind = ac.Validate(p, Kinematics{Position: track.Vec3{X: 15}}, track.Location{}, 1.0/30, 2)
	assert.Equal(t, ValidationRubberband, result)
	assert.Equal(t, ViolationOffTrack, kind)
}

func TestValidateBelowFloor(t *testing.T) {
	ac := NewAntiCheat(config.Default())
	p := newPlayer("p1", "P1", 1, Kinematics{Position: track.Vec3{Y: -9.5}}, 0)

	_, kind := ac.Validate(p, Kinematics{Position: track.Vec3{Y: -10.5}}, onTrack(0), 1.0/30, 1)
	assert.Equal(t, ViolationOffTrack, kind)
}

func TestStrikeEscalation(t *testing.T) {
	cfg := config.Default()
	ac := NewAntiCheat(cfg)
	p := newPlayer("p1", "P1", 1, Kinematics{}, 0)
	teleport := Kinematics{Position: track.Vec3{Z: 1000}}

	for tick := uint64(1); tick < uint64(cfg.AntiCheat.MaxStrikes); tick++ {
		result, _ := ac.Validate(p, teleport, onTrack(1000), 1.0/30, tick)
		require.Equal(t, ValidationRubberband, result, "strike %d", tick)
	}
	assert.Equal(t, cfg.AntiCheat.MaxStrikes-1, p.State().Strikes)

	result, _ := ac.Validate(p, teleport, onTrack(1000), 1.0/30, uint64(cfg.AntiCheat.MaxStrikes))
	assert.Equal(t, ValidationKick, result)
	assert.Equal(t, cfg.AntiCheat.MaxStrikes, p.State().Strikes)
}

func TestStrikesExpireOutsideWindow(t *testing.T) {
	cfg := config.Default()
	ac := NewAntiCheat(cfg)
	window := cfg.StrikeWindowTicks()
	p := newPlayer("p1", "P1", 1, Kinematics{}, 0)
	teleport := Kinematics{Position: track.Vec3{Z: 1000}}

	for i := 0; i < cfg.AntiCheat.MaxStrikes*2; i++ {
		result, _ := ac.Validate(p, teleport, onTrack(1000), 1.0/30, uint64(i)*window+1)
		require.Equal(t, ValidationRubberband, result)
		require.Equal(t, 1, p.State().Strikes)
	}

	// a clean tick prunes the last strike once the window has passed
	ac.Validate(p, Kinematics{}, onTrack(0), 1.0/30, uint64(cfg.AntiCheat.MaxStrikes*2)*window+1)
	assert.Zero(t, p.State().Strikes)
}

func TestZeroWindowKeepsStrikes(t *testing.T) {
	cfg := config.Default()
	cfg.AntiCheat.StrikeWindow = 0
	ac := NewAntiCheat(cfg)
	p := newPlayer("p1", "P1", 1, Kinematics{}, 0)
	teleport := Kinematics{Position: track.Vec3{Z: 1000}}

	var result ValidationResult
	for i := 0; i < cfg.AntiCheat.MaxStrikes; i++ {
		result, _ = ac.Validate(p, teleport, onTrack(1000), 1.0/30, uint64(i)*100000)
	}
	assert.Equal(t, ValidationKick, result)
}

func TestValidationResultString(t *testing.T) {
	assert.Equal(t, "valid", ValidationValid.String())
	assert.Equal(t, "rubberband", ValidationRubberband.String())
	assert.Equal(t, "kick", ValidationKick.String())
	assert.Equal(t, "off_track", ViolationOffTrack.String())
}
