package game

import (
	"sort"

	"github.com/race/endless/internal/track"
)

// Snapshot is the broadcast payload. A diff snapshot carries only players
// whose state changed, slots that left, and track pieces generated since the
// previous broadcast; a full snapshot carries everything retained.
type Snapshot struct {
	RoomID         string
	Tick           uint64
	Full           bool
	Players        []PlayerState
	Removed        []uint16
	NewSegments    []track.Segment
	NewCheckpoints []track.Checkpoint
}

// Empty reports whether the snapshot carries no changes.
func (s *Snapshot) Empty() bool {
	return len(s.Players) == 0 && len(s.Removed) == 0 &&
		len(s.NewSegments) == 0 && len(s.NewCheckpoints) == 0
}

// merge folds next into s so that applying s alone is equivalent to applying
// s then next.
func (s *Snapshot) merge(next *Snapshot) {
	s.Tick = next.Tick
	s.Full = s.Full || next.Full

	removed := make(map[uint16]bool, len(s.Removed)+len(next.Removed))
	for _, slot := range s.Removed {
		removed[slot] = true
	}
	for _, slot := range next.Removed {
		if !removed[slot] {
			removed[slot] = true
			s.Removed = append(s.Removed, slot)
		}
	}

	bySlot := make(map[uint16]PlayerState, len(s.Players)+len(next.Players))
	for _, p := range s.Players {
		bySlot[p.Slot] = p
	}
	for _, p := range next.Players {
		bySlot[p.Slot] = p
	}
	s.Players = s.Players[:0]
	for slot, p := range bySlot {
		if !removed[slot] {
			s.Players = append(s.Players, p)
		}
	}
	sort.Slice(s.Players, func(i, j int) bool { return s.Players[i].Slot < s.Players[j].Slot })

	s.NewSegments = append(s.NewSegments, next.NewSegments...)
	s.NewCheckpoints = append(s.NewCheckpoints, next.NewCheckpoints...)
}

// baseline is what clients are known to have received.
type baseline struct {
	players    map[string]PlayerState
	segment    int64
	checkpoint int64
}

func newBaseline() baseline {
	return baseline{
		players:    make(map[string]PlayerState),
		segment:    -1,
		checkpoint: -1,
	}
}

// snapshotLocked builds the diff against the baseline without changing it.
// Caller must hold the room lock (read or write).
func (r *Room) snapshotLocked() Snapshot {
	s := Snapshot{RoomID: r.ID, Tick: r.tick}

	for _, p := range r.sortedPlayersLocked() {
		st := p.State()
		if prev, ok := r.base.players[st.ID]; !ok || prev != st {
			s.Players = append(s.Players, st)
		}
	}
	for id, prev := range r.base.players {
		if _, ok := r.players[id]; !ok {
			s.Removed = append(s.Removed, prev.Slot)
		}
	}
	sort.Slice(s.Removed, func(i, j int) bool { return s.Removed[i] < s.Removed[j] })

	for _, seg := range r.generator.Segments() {
		if int64(seg.Index) > r.base.segment {
			s.NewSegments = append(s.NewSegments, seg)
		}
	}
	for _, cp := range r.generator.Checkpoints() {
		if int64(cp.Index) > r.base.checkpoint {
			s.NewCheckpoints = append(s.NewCheckpoints, cp)
		}
	}
	return s
}

// commitLocked records s as delivered. Caller must hold the write lock.
func (r *Room) commitLocked(s Snapshot) {
	for _, st := range s.Players {
		r.base.players[st.ID] = st
	}
	for id := range r.base.players {
		if _, ok := r.players[id]; !ok {
			delete(r.base.players, id)
		}
	}
	if n := len(s.NewSegments); n > 0 {
		r.base.segment = int64(s.NewSegments[n-1].Index)
	}
	if n := len(s.NewCheckpoints); n > 0 {
		r.base.checkpoint = int64(s.NewCheckpoints[n-1].Index)
	}
}
