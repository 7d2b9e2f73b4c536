// Package track generates the endless, seeded ribbon of race track segments
// and answers position queries against the generated centerline.
package track

import (
	"fmt"
	"log"
	"math"

	"github.com/race/endless/config"
)

// Checkpoint is a centerline position tagged with its cumulative arc length.
type Checkpoint struct {
	Index    uint32
	Position Vec3
	Arc      float64
}

// Segment is one generated piece of track.
type Segment struct {
	Index          uint32
	ID             string
	Type           SegmentType
	Length         float64
	Curvature      float64
	Banking        float64
	WidthVariation float64
	Difficulty     float64
	Width          float64

	Start         Vec3
	StartHeading  float64
	End           Vec3
	EndHeading    float64
	StartDistance float64
	EndDistance   float64

	Points      []Vec3
	Checkpoints []Checkpoint
}

// Cursor is the generation state carried from one segment to the next.
type Cursor struct {
	Position Vec3
	Heading  float64
	Distance float64
	Segments int
}

// Info is the read-only diagnostic view of a generator.
type Info struct {
	Seed            int64   `json:"seed"`
	TotalDistance   float64 `json:"totalDistance"`
	SegmentCount    int     `json:"segmentCount"`
	CheckpointCount int     `json:"checkpointCount"`
	CurrentPosition Vec3    `json:"currentPosition"`
	CurrentHeading  float64 `json:"currentHeading"`
}

// Location is the answer to a Locate query.
type Location struct {
	Found   bool
	Arc     float64
	Lateral float64
	Width   float64
	Segment uint32
}

// Generator owns the sequence, the cursor and the retained window of
// segments for one room. It is not safe for concurrent use; the room
// serialises access.
type Generator struct {
	cfg    config.Track
	prefix string
	seed   int64
	seq    *Sequence
	defs   []Definition
	logger *log.Logger

	cursor      Cursor
	sinceCP     float64
	checkpoints int

	window []Segment
	cps    []Checkpoint
	index  *Index
}

// NewGenerator returns a generator at the origin heading along +Z. Segment
// IDs are prefix followed by a per-generator counter.
func NewGenerator(prefix string, seed int64, cfg config.Track) *Generator {
	return &Generator{
		cfg:    cfg,
		prefix: prefix,
		seed:   seed,
		seq:    NewSequence(seed),
		defs:   Definitions(),
		logger: log.Default(),
		index:  NewIndex(cfg.IndexCellSize),
	}
}

// SetLogger replaces the logger used for generation warnings.
func (g *Generator) SetLogger(l *log.Logger) {
	if l != nil {
		g.logger = l
	}
}

// Generate appends n segments and returns them.
func (g *Generator) Generate(n int) []Segment {
	out := make([]Segment, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, g.appendSegment())
	}
	return out
}

// Extend appends segments until the ribbon reaches Horizon beyond lead or
// PoolSize segments lie ahead of lead, whichever comes first.
func (g *Generator) Extend(lead float64) []Segment {
	var out []Segment
	for g.cursor.Distance-lead < g.cfg.Horizon && g.segmentsAhead(lead) < g.cfg.PoolSize {
		out = append(out, g.appendSegment())
	}
	return out
}

func (g *Generator) segmentsAhead(lead float64) int {
	n := 0
	for i := len(g.window) - 1; i >= 0 && g.window[i].EndDistance > lead; i-- {
		n++
	}
	return n
}

// Trim discards segments every player has passed and enforces MaxRetained.
// It returns the number of segments dropped.
func (g *Generator) Trim(trail float64) int {
	drop := 0
	for drop < len(g.window)-1 && g.window[drop].EndDistance < trail-g.cfg.RetainBehind {
		drop++
	}
	if excess := len(g.window) - drop - g.cfg.MaxRetained; excess > 0 {
		drop += excess
	}
	if drop == 0 {
		return 0
	}

	for _, s := range g.window[:drop] {
		g.index.RemoveSegment(s.Points, s.Index)
	}
	g.window = append([]Segment(nil), g.window[drop:]...)

	first := g.window[0].StartDistance
	keep := 0
	for keep < len(g.cps) && g.cps[keep].Arc < first {
		keep++
	}
	g.cps = append([]Checkpoint(nil), g.cps[keep:]...)
	return drop
}

// Locate finds the nearest retained centerline point to pos.
func (g *Generator) Locate(pos Vec3) Location {
	ip, d, ok := g.index.Nearest(pos)
	if !ok {
		return Location{Lateral: math.Inf(1)}
	}
	return Location{
		Found:   true,
		Arc:     ip.Arc,
		Lateral: d,
		Width:   ip.Width,
		Segment: ip.Segment,
	}
}

// Segments is the retained window, oldest first. Callers must not modify it.
func (g *Generator) Segments() []Segment {
	return g.window
}

// Checkpoints is the retained checkpoint list in arc order.
func (g *Generator) Checkpoints() []Checkpoint {
	return g.cps
}

// Info reports generator diagnostics.
func (g *Generator) Info() Info {
	return Info{
		Seed:            g.seed,
		TotalDistance:   g.cursor.Distance,
		SegmentCount:    g.cursor.Segments,
		CheckpointCount: g.checkpoints,
		CurrentPosition: g.cursor.Position,
		CurrentHeading:  g.cursor.Heading,
	}
}

// Cursor returns the current generation state.
func (g *Generator) Cursor() Cursor {
	return g.cursor
}

// Release drops the window, checkpoints and index.
func (g *Generator) Release() {
	g.window = nil
	g.cps = nil
	g.index.Clear()
}

// Select picks the next definition for the given cumulative distance.
func (g *Generator) Select(distance float64) Definition {
	ceiling := DifficultyCeiling(distance, g.cfg.ProgressionDistance, g.cfg.DifficultyFloor, g.cfg.DifficultyRange)
	eligible := Eligible(g.defs, ceiling)
	if len(eligible) == 0 {
		g.logger.Printf("track %s: no segment eligible at difficulty %.2f, using %s", g.prefix, ceiling, g.defs[0].Type)
		return g.defs[0]
	}

	weights := make([]float64, len(eligible))
	total := 0.0
	for i, d := range eligible {
		if g.seq.Next() < g.cfg.TurnBiasProbability {
			weights[i] = d.RightBias
		} else {
			weights[i] = 1 - d.RightBias
		}
		total += weights[i]
	}
	if total <= 0 {
		return eligible[0]
	}

	r := g.seq.Between(0, total)
	for i, w := range weights {
		r -= w
		if r <= 0 {
			return eligible[i]
		}
	}
	return eligible[len(eligible)-1]
}

func (g *Generator) appendSegment() Segment {
	def := g.Select(g.cursor.Distance)
	index := uint32(g.cursor.Segments)

	seg := Segment{
		Index:          index,
		ID:             fmt.Sprintf("%s/%d", g.prefix, index),
		Type:           def.Type,
		Length:         def.Length,
		Curvature:      def.Curvature,
		Banking:        def.Banking,
		WidthVariation: def.WidthVariation,
		Difficulty:     def.Difficulty,
		Width:          g.cfg.Width * (1 + def.WidthVariation),
		Start:          g.cursor.Position,
		StartHeading:   g.cursor.Heading,
		StartDistance:  g.cursor.Distance,
	}

	seg.Points, seg.EndHeading = g.centerline(def, seg.Start, seg.StartHeading)
	seg.End = seg.Points[len(seg.Points)-1]

	// arc is measured in definition length so the last point lands exactly
	// on EndDistance whatever the step size
	spacing := def.Length / float64(len(seg.Points)-1)
	seg.Checkpoints = g.emitCheckpoints(seg.Points, seg.StartDistance, spacing)

	for i, p := range seg.Points {
		g.index.Insert(indexedPoint{
			Pos:     p,
			Arc:     seg.StartDistance + float64(i)*spacing,
			Width:   seg.Width,
			Segment: index,
		})
	}

	g.cursor.Position = seg.End
	g.cursor.Heading = seg.EndHeading
	g.cursor.Distance += def.Length
	g.cursor.Segments++
	seg.EndDistance = g.cursor.Distance

	g.window = append(g.window, seg)
	g.cps = append(g.cps, seg.Checkpoints...)
	return seg
}

// centerline steps along def from start and returns the sampled points,
// start included, and the final heading.
func (g *Generator) centerline(def Definition, start Vec3, heading float64) ([]Vec3, float64) {
	step := g.cfg.StepSize
	n := int(math.Round(def.Length / step))
	if n < 1 {
		n = 1
	}

	points := make([]Vec3, 0, n+1)
	points = append(points, start)

	pos := start
	base := heading
	h := heading
	for i := 1; i <= n; i++ {
		base += def.Curvature * step
		h = base
		if def.Type.IsSCurve() {
			progress := float64(i) / float64(n)
			h += g.cfg.SCurveAmplitude * math.Sin(2*math.Pi*progress)
		}
		pos = pos.Add(Forward(h).Scale(step))
		points = append(points, pos)
	}
	// the sweep returns to zero at the end; take the base so rounding in
	// sin(2π) never leaks into the next segment
	return points, base
}

// emitCheckpoints walks points and emits one checkpoint each time the
// accumulated chord distance reaches the configured interval. Checkpoint arcs
// use the same start and spacing as the index.
func (g *Generator) emitCheckpoints(points []Vec3, start, spacing float64) []Checkpoint {
	var out []Checkpoint
	for i := 1; i < len(points); i++ {
		g.sinceCP += Distance(points[i-1], points[i])
		if g.sinceCP >= g.cfg.CheckpointInterval {
			out = append(out, Checkpoint{
				Index:    uint32(g.checkpoints),
				Position: points[i],
				Arc:      start + float64(i)*spacing,
			})
			g.checkpoints++
			g.sinceCP = 0
		}
	}
	return out
}
