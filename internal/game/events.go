package game

import (
	"log"
	"sync"
)

// KickEvent reports a forced disconnect to the transport layer.
type KickEvent struct {
	RoomID   string
	PlayerID string
	Slot     uint16
	Reason   string
	Strikes  int
}

// Standing is one player's line in a round result.
type Standing struct {
	Rank       int
	PlayerID   string
	Slot       uint16
	Name       string
	Distance   float64
	Eliminated bool
}

// RoundResult is emitted once when a room finishes. It never carries
// monetary amounts; the ledger derives payouts from the ranking.
type RoundResult struct {
	RoomID    string
	Seed      int64
	Tick      uint64
	Reason    string
	Standings []Standing
}

// Broadcaster delivers snapshots to a room's clients. Implementations must
// not block; slow consumers are the transport's concern.
type Broadcaster interface {
	Broadcast(s *Snapshot)
}

// EventSink receives lifecycle events outside the tick path.
type EventSink interface {
	PlayerKicked(ev KickEvent)
	RoundFinished(ev RoundResult)
}

// dispatcher moves snapshots and events off the tick goroutine. Pending
// snapshots are merged rather than dropped so no diff is ever lost.
type dispatcher struct {
	broadcaster Broadcaster
	sink        EventSink
	logger      *log.Logger

	snapshots chan *Snapshot
	events    chan any
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

func newDispatcher(b Broadcaster, sink EventSink, logger *log.Logger) *dispatcher {
	d := &dispatcher{
		broadcaster: b,
		sink:        sink,
		logger:      logger,
		snapshots:   make(chan *Snapshot, 1),
		events:      make(chan any, 64),
		done:        make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// publishSnapshot queues s, merging it into a pending snapshot if the
// consumer has not picked that one up yet.
func (d *dispatcher) publishSnapshot(s *Snapshot) {
	for {
		select {
		case d.snapshots <- s:
			return
		default:
		}
		select {
		case pending := <-d.snapshots:
			pending.merge(s)
			s = pending
		default:
		}
	}
}

// publishEvent queues ev without blocking the caller.
func (d *dispatcher) publishEvent(ev any) {
	select {
	case d.events <- ev:
	default:
		d.logger.Printf("event queue full, delivering %T asynchronously", ev)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			select {
			case d.events <- ev:
			case <-d.done:
				d.deliver(ev)
			}
		}()
	}
}

func (d *dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case s := <-d.snapshots:
			if d.broadcaster != nil {
				d.broadcaster.Broadcast(s)
			}
		case ev := <-d.events:
			d.deliver(ev)
		case <-d.done:
			// flush what the room queued before it stopped
			for {
				select {
				case ev := <-d.events:
					d.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (d *dispatcher) deliver(ev any) {
	if d.sink == nil {
		return
	}
	switch e := ev.(type) {
	case KickEvent:
		d.sink.PlayerKicked(e)
	case RoundResult:
		d.sink.RoundFinished(e)
	}
}

// stop flushes pending events and waits for the worker. Safe to call more
// than once.
func (d *dispatcher) stop() {
	d.stopOnce.Do(func() {
		close(d.done)
	})
	d.wg.Wait()
}
