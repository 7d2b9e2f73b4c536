package track

import "math"

// SegmentType tags one of the closed set of track pieces.
type SegmentType uint8

const (
	ShortStraight SegmentType = iota
	LongStraight
	GentleCurveLeft
	GentleCurveRight
	MediumCurveLeft
	MediumCurveRight
	HairpinLeft
	HairpinRight
	ShortSCurve
	LongSCurve
	DecorativeSplit
)

var segmentTypeNames = [...]string{
	ShortStraight:    "short_straight",
	LongStraight:     "long_straight",
	GentleCurveLeft:  "gentle_curve_left",
	GentleCurveRight: "gentle_curve_right",
	MediumCurveLeft:  "medium_curve_left",
	MediumCurveRight: "medium_curve_right",
	HairpinLeft:      "hairpin_left",
	HairpinRight:     "hairpin_right",
	ShortSCurve:      "short_s_curve",
	LongSCurve:       "long_s_curve",
	DecorativeSplit:  "decorative_split",
}

func (t SegmentType) String() string {
	if int(t) < len(segmentTypeNames) {
		return segmentTypeNames[t]
	}
	return "unknown"
}

// IsSCurve reports whether the centerline gets the sinusoidal sweep.
func (t SegmentType) IsSCurve() bool {
	return t == ShortSCurve || t == LongSCurve
}

// Definition is the immutable template a segment is generated from.
// Curvature is in radians per unit of length; positive values turn right.
type Definition struct {
	Type           SegmentType
	Length         float64
	Curvature      float64
	Banking        float64
	WidthVariation float64
	Difficulty     float64
	RightBias      float64
}

// definitions is ordered simplest first; selection falls back to index 0.
var definitions = []Definition{
	{Type: ShortStraight, Length: 100, Difficulty: 1, RightBias: 0.5},
	{Type: LongStraight, Length: 250, Difficulty: 1, RightBias: 0.5},
	{Type: GentleCurveLeft, Length: 150, Curvature: -0.004, Banking: 0.05, Difficulty: 2, RightBias: 0.3},
	{Type: GentleCurveRight, Length: 150, Curvature: 0.004, Banking: 0.05, Difficulty: 2, RightBias: 0.7},
	{Type: DecorativeSplit, Length: 160, WidthVariation: 0.5, Difficulty: 3, RightBias: 0.5},
	{Type: MediumCurveLeft, Length: 120, Curvature: -0.008, Banking: 0.1, Difficulty: 4, RightBias: 0.3},
	{Type: MediumCurveRight, Length: 120, Curvature: 0.008, Banking: 0.1, Difficulty: 4, RightBias: 0.7},
	{Type: ShortSCurve, Length: 120, Banking: 0.08, WidthVariation: 0.1, Difficulty: 5, RightBias: 0.5},
	{Type: LongSCurve, Length: 240, Banking: 0.08, WidthVariation: 0.1, Difficulty: 6, RightBias: 0.5},
	{Type: HairpinLeft, Length: 90, Curvature: -0.02, Banking: 0.2, Difficulty: 8, RightBias: 0.2},
	{Type: HairpinRight, Length: 90, Curvature: 0.02, Banking: 0.2, Difficulty: 8, RightBias: 0.8},
}

// Definitions returns a copy of the segment table.
func Definitions() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	return out
}

// Eligible returns the definitions whose difficulty does not exceed ceiling,
// preserving table order.
func Eligible(defs []Definition, ceiling float64) []Definition {
	var out []Definition
	for _, d := range defs {
		if d.Difficulty <= ceiling {
			out = append(out, d)
		}
	}
	return out
}

// Progression maps cumulative distance onto [0, 1].
func Progression(distance, normalization float64) float64 {
	return math.Min(distance/normalization, 1.0)
}

// DifficultyCeiling is the highest difficulty eligible at distance.
func DifficultyCeiling(distance, normalization, floor, span float64) float64 {
	return floor + Progression(distance, normalization)*span
}
