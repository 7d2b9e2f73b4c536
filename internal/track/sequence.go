package track

// LCG constants. The recurrence is chosen for reproducibility across
// processes; it is not a source of secure randomness.
const (
	lcgMultiplier = 9301
	lcgIncrement  = 49297
	lcgModulus    = 233280
)

// Sequence is a seeded pseudo-random stream. Each room owns its own
// instance; a Sequence is not safe for concurrent use.
type Sequence struct {
	state int64
}

// NewSequence returns a sequence positioned at the start of seed's stream.
func NewSequence(seed int64) *Sequence {
	s := &Sequence{}
	s.Reseed(seed)
	return s
}

// Reseed discards the current state and restarts the stream for seed.
func (s *Sequence) Reseed(seed int64) {
	s.state = seed % lcgModulus
	if s.state < 0 {
		s.state += lcgModulus
	}
}

// Next advances the stream and returns a value in [0, 1).
func (s *Sequence) Next() float64 {
	s.state = (s.state*lcgMultiplier + lcgIncrement) % lcgModulus
	return float64(s.state) / lcgModulus
}

// Between returns a value in [lo, hi).
func (s *Sequence) Between(lo, hi float64) float64 {
	return lo + s.Next()*(hi-lo)
}
