// Package server exposes race rooms over WebSocket.
//
// Connection Flow:
// 1. Client connects via WebSocket to /ws
// 2. Client sends JoinRoom with a name, an identity token and optionally a seed
// 3. Server verifies the token, assigns a room and replies with RoomInfo
//    followed by a full snapshot of the retained track
// 4. Client sends Input messages; the room broadcasts diff snapshots
// 5. Kicks and round results are pushed as they happen
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/race/endless/config"
	"github.com/race/endless/internal/game"
	"github.com/race/endless/internal/matchmaker"
	"github.com/race/endless/internal/network"
)

// GameServer owns the matchmaker and every client connection. It is the
// room's Broadcaster and EventSink.
type GameServer struct {
	cfg        *config.Config
	matchmaker *matchmaker.Matchmaker
	protocol   *network.Protocol
	upgrader   websocket.Upgrader
	identity   IdentityProvider
	ledger     Ledger
	logger     *log.Logger

	mu    sync.RWMutex
	rooms map[string]map[*ClientConnection]bool // room ID -> joined connections
}

// Option customises a GameServer.
type Option func(*GameServer)

// WithIdentity replaces the development identity provider.
func WithIdentity(p IdentityProvider) Option {
	return func(s *GameServer) { s.identity = p }
}

// WithLedger replaces the logging ledger.
func WithLedger(l Ledger) Option {
	return func(s *GameServer) { s.ledger = l }
}

// WithLogger sets the logger used by the server and its rooms.
func WithLogger(l *log.Logger) Option {
	return func(s *GameServer) { s.logger = l }
}

// NewGameServer creates a server. Rooms are created lazily on join.
func NewGameServer(cfg *config.Config, opts ...Option) *GameServer {
	s := &GameServer{
		cfg:      cfg,
		protocol: network.NewProtocol(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// CheckOrigin controls CORS for WebSocket connections.
			CheckOrigin: func(r *http.Request) bool {
				return cfg.Server.EnableCORS
			},
		},
		identity: AnonymousIdentity{},
		logger:   log.Default(),
		rooms:    make(map[string]map[*ClientConnection]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ledger == nil {
		s.ledger = LogLedger{Logger: s.logger}
	}

	s.matchmaker = matchmaker.NewMatchmaker(cfg,
		game.WithLogger(s.logger),
		game.WithBroadcaster(s),
		game.WithEventSink(s),
	)
	return s
}

// Matchmaker exposes the room registry.
func (s *GameServer) Matchmaker() *matchmaker.Matchmaker {
	return s.matchmaker
}

// Handler returns the HTTP routes.
func (s *GameServer) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/ws", s.handleWebSocket)                              // WebSocket game connections
	router.HandleFunc("/health", s.handleHealth).Methods("GET")              // Health check for load balancers
	router.HandleFunc("/stats", s.handleStats).Methods("GET")                // Room statistics
	router.HandleFunc("/rooms/{id}/track", s.handleTrackInfo).Methods("GET") // Track diagnostics
	return router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
// and disposes every room.
func (s *GameServer) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	// Background task: drop finished and idle rooms every 30 seconds
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := s.matchmaker.Cleanup(); removed > 0 {
					s.logger.Printf("Cleaned up %d rooms", removed)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("Server listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.matchmaker.Shutdown()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.matchmaker.Shutdown()
	s.closeAll()
	return err
}

// handleHealth responds to health check requests.
func (s *GameServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleStats returns current room statistics as JSON.
func (s *GameServer) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.matchmaker.GetStats())
}

// handleTrackInfo returns a room's track diagnostics.
func (s *GameServer) handleTrackInfo(w http.ResponseWriter, r *http.Request) {
	room := s.matchmaker.GetRoom(mux.Vars(r)["id"])
	if room == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "room not found"})
		return
	}
	writeJSON(w, http.StatusOK, room.TrackInfo())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to write response: %v", err)
	}
}

// handleWebSocket upgrades HTTP connections and starts the client pumps.
func (s *GameServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	conn := newClientConnection(ws, s)
	s.logger.Printf("New connection from %s", conn.RemoteAddr())

	// r.Context() ends when this handler returns, so the pumps get their own.
	go conn.writePump()
	go conn.readPump(context.Background())
}

// register attaches conn to roomID's broadcast set.
func (s *GameServer) register(roomID string, conn *ClientConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.rooms[roomID]
	if !ok {
		set = make(map[*ClientConnection]bool)
		s.rooms[roomID] = set
	}
	set[conn] = true
}

// unregister detaches conn from roomID.
func (s *GameServer) unregister(roomID string, conn *ClientConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.rooms[roomID]
	delete(set, conn)
	if len(set) == 0 {
		delete(s.rooms, roomID)
	}
}

// connections returns a copy of roomID's connections.
func (s *GameServer) connections(roomID string) []*ClientConnection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ClientConnection, 0, len(s.rooms[roomID]))
	for c := range s.rooms[roomID] {
		out = append(out, c)
	}
	return out
}

// sendRoom queues data to every connection in roomID except skip.
func (s *GameServer) sendRoom(roomID string, data []byte, skip *ClientConnection) {
	for _, c := range s.connections(roomID) {
		if c != skip {
			c.Send(data)
		}
	}
}

func (s *GameServer) closeAll() {
	s.mu.Lock()
	var all []*ClientConnection
	for _, set := range s.rooms {
		for c := range set {
			all = append(all, c)
		}
	}
	s.rooms = make(map[string]map[*ClientConnection]bool)
	s.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
}

// Broadcast implements game.Broadcaster. The diff is encoded once per room
// and queued to each client without blocking. Clients that dropped an
// earlier message get a full snapshot instead.
func (s *GameServer) Broadcast(snap *game.Snapshot) {
	diff := s.protocol.EncodeSnapshot(snap)
	var full []byte
	for _, c := range s.connections(snap.RoomID) {
		if !c.resync.Swap(false) {
			c.Send(diff)
			continue
		}
		room, _, _ := c.current()
		if room == nil {
			continue
		}
		if full == nil {
			keyframe := room.FullSnapshot()
			full = s.protocol.EncodeSnapshot(&keyframe)
		}
		c.Send(full)
	}
}

// PlayerKicked implements game.EventSink.
func (s *GameServer) PlayerKicked(ev game.KickEvent) {
	leave := s.protocol.EncodePlayerLeave(ev.Slot)
	for _, c := range s.connections(ev.RoomID) {
		if c.PlayerID() != ev.PlayerID {
			c.Send(leave)
			continue
		}
		c.Send(s.protocol.EncodeKick(ev.Slot, ev.Reason))
		c.detach()
		s.unregister(ev.RoomID, c)
		// Give the write pump a moment to flush the kick before closing.
		time.AfterFunc(100*time.Millisecond, func() { c.Close() })
	}
}

// RoundFinished implements game.EventSink. The result is pushed to the room
// and recorded in the ledger.
func (s *GameServer) RoundFinished(res game.RoundResult) {
	s.sendRoom(res.RoomID, s.protocol.EncodeRoundResult(&res), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.ledger.RecordRound(ctx, res); err != nil {
		s.logger.Printf("Failed to record round for room %s: %v", res.RoomID, err)
	}
}

// errorCode maps join and room errors onto wire error codes.
func errorCode(err error) uint8 {
	var stateErr *game.RoomStateError
	switch {
	case errors.Is(err, ErrUnauthorized):
		return network.ErrorCodeUnauthorized
	case errors.Is(err, matchmaker.ErrServerFull), errors.Is(err, game.ErrRoomFull):
		return network.ErrorCodeRoomFull
	case errors.As(err, &stateErr):
		return network.ErrorCodeRoomState
	}
	return network.ErrorCodeServerError
}
