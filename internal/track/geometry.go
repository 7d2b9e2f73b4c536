package track

import "math"

// Vec3 is a point in track space. X and Z span the horizontal plane, Y is
// elevation.
type Vec3 struct {
	X, Y, Z float64
}

// Add returns v+o.
func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z}
}

// Distance is the straight-line distance between two points.
func Distance(a, b Vec3) float64 {
	dx := b.X - a.X
	dy := b.Y - a.Y
	dz := b.Z - a.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Forward is the unit vector for heading in the horizontal plane. Heading 0
// points along +Z and increases clockwise towards +X.
func Forward(heading float64) Vec3 {
	return Vec3{X: math.Sin(heading), Z: math.Cos(heading)}
}

// Right is the unit vector perpendicular to Forward(heading).
func Right(heading float64) Vec3 {
	return Vec3{X: math.Cos(heading), Z: -math.Sin(heading)}
}

// Scale returns v multiplied by k.
func (v Vec3) Scale(k float64) Vec3 {
	return Vec3{v.X * k, v.Y * k, v.Z * k}
}

// Finite reports whether every component is a finite number.
func (v Vec3) Finite() bool {
	return !math.IsNaN(v.X) && !math.IsInf(v.X, 0) &&
		!math.IsNaN(v.Y) && !math.IsInf(v.Y, 0) &&
		!math.IsNaN(v.Z) && !math.IsInf(v.Z, 0)
}
