package game

import (
	"github.com/race/endless/config"
	"github.com/race/endless/internal/track"
)

// ValidationResult represents the result of anti-cheat validation
type ValidationResult int

const (
	ValidationValid ValidationResult = iota
	ValidationRubberband
	ValidationKick
)

func (r ValidationResult) String() string {
	switch r {
	case ValidationValid:
		return "valid"
	case ValidationRubberband:
		return "rubberband"
	case ValidationKick:
		return "kick"
	}
	return "unknown"
}

// ViolationKind names which check a candidate state failed.
type ViolationKind uint8

const (
	ViolationNone ViolationKind = iota
	ViolationDisplacement
	ViolationOffTrack
)

func (k ViolationKind) String() string {
	switch k {
	case ViolationDisplacement:
		return "displacement"
	case ViolationOffTrack:
		return "off_track"
	}
	return "none"
}

// AntiCheat checks simulator output against physical bounds and the track.
type AntiCheat struct {
	cfg         config.AntiCheat
	maxSpeed    float64
	windowTicks uint64
}

// NewAntiCheat creates a new anti-cheat validator
func NewAntiCheat(cfg *config.Config) *AntiCheat {
	return &AntiCheat{
		cfg:         cfg.AntiCheat,
		maxSpeed:    cfg.Physics.MaxSpeed,
		windowTicks: cfg.StrikeWindowTicks(),
	}
}

// CheckDisplacement reports whether moving from prev to next within dt
// seconds is physically possible.
func (ac *AntiCheat) CheckDisplacement(prev, next track.Vec3, dt float64) bool {
	return track.Distance(prev, next) <= ac.maxSpeed*dt+ac.cfg.DisplacementTolerance
}

// CheckTrackBounds reports whether a position with the given lateral offset
// and elevation is on a track of the given width.
func (ac *AntiCheat) CheckTrackBounds(lateral, width, y float64) bool {
	if y < ac.cfg.FloorY {
		return false
	}
	return lateral < width/2+ac.cfg.TrackTolerance
}

// Validate checks candidate against p's last accepted state and the track
// location of the candidate, then applies the result to p. A failed check
// rubberbands the player and records a strike; reaching MaxStrikes inside
// the rolling window returns ValidationKick.
func (ac *AntiCheat) Validate(p *Player, candidate Kinematics, loc track.Location, dt float64, tick uint64) (ValidationResult, ViolationKind) {
	kind := ViolationNone
	switch {
	case !ac.CheckDisplacement(p.lastGood.Position, candidate.Position, dt):
		kind = ViolationDisplacement
	case !loc.Found || !ac.CheckTrackBounds(loc.Lateral, loc.Width, candidate.Position.Y):
		kind = ViolationOffTrack
	}

	if kind == ViolationNone {
		p.accept(candidate, loc)
		p.pruneStrikes(tick, ac.windowTicks)
		return ValidationValid, kind
	}

	p.rubberband(kind == ViolationOffTrack)
	if p.strike(tick, ac.windowTicks) >= ac.cfg.MaxStrikes {
		return ValidationKick, kind
	}
	return ValidationRubberband, kind
}
