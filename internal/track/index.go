package track

import "math"

// cellKey addresses a cell of the horizontal grid.
type cellKey struct {
	X, Z int64
}

// indexedPoint is one centerline sample with the context needed to answer
// Locate queries.
type indexedPoint struct {
	Pos     Vec3
	Arc     float64
	Width   float64
	Segment uint32
}

// Index is a uniform grid over centerline points. The cell size must be at
// least config.MinIndexCellSize so a 3x3 neighbourhood holds the nearest
// sample of every position the anti-cheat could accept.
type Index struct {
	cellSize float64
	cells    map[cellKey][]indexedPoint
	size     int
}

// NewIndex creates an empty grid.
func NewIndex(cellSize float64) *Index {
	return &Index{
		cellSize: cellSize,
		cells:    make(map[cellKey][]indexedPoint),
	}
}

func (ix *Index) key(p Vec3) cellKey {
	return cellKey{
		X: int64(math.Floor(p.X / ix.cellSize)),
		Z: int64(math.Floor(p.Z / ix.cellSize)),
	}
}

// Insert adds a centerline point.
func (ix *Index) Insert(p indexedPoint) {
	k := ix.key(p.Pos)
	ix.cells[k] = append(ix.cells[k], p)
	ix.size++
}

// RemoveSegment drops every point belonging to segment.
func (ix *Index) RemoveSegment(points []Vec3, segment uint32) {
	for _, pos := range points {
		k := ix.key(pos)
		cell, ok := ix.cells[k]
		if !ok {
			continue
		}
		kept := cell[:0]
		for _, ip := range cell {
			if ip.Segment != segment {
				kept = append(kept, ip)
			}
		}
		ix.size -= len(cell) - len(kept)
		if len(kept) == 0 {
			delete(ix.cells, k)
		} else {
			ix.cells[k] = kept
		}
	}
}

// Nearest returns the closest indexed point in the 3x3 cells around pos.
func (ix *Index) Nearest(pos Vec3) (indexedPoint, float64, bool) {
	center := ix.key(pos)

	var (
		best     indexedPoint
		bestDist = math.Inf(1)
		found    bool
	)
	for dx := int64(-1); dx <= 1; dx++ {
		for dz := int64(-1); dz <= 1; dz++ {
			for _, ip := range ix.cells[cellKey{X: center.X + dx, Z: center.Z + dz}] {
				// horizontal distance; elevation is checked separately
				d := math.Hypot(ip.Pos.X-pos.X, ip.Pos.Z-pos.Z)
				if d < bestDist || (d == bestDist && ip.Arc > best.Arc) {
					best, bestDist, found = ip, d, true
				}
			}
		}
	}
	return best, bestDist, found
}

// Len is the number of indexed points.
func (ix *Index) Len() int {
	return ix.size
}

// Clear removes every point.
func (ix *Index) Clear() {
	ix.cells = make(map[cellKey][]indexedPoint)
	ix.size = 0
}
