package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/race/endless/internal/game"
	"github.com/race/endless/internal/network"
)

var errSendBufferFull = errors.New("send buffer full")

// ClientConnection represents a single connected client.
// Each client has its own goroutines for reading and writing messages.
type ClientConnection struct {
	ws       *websocket.Conn
	server   *GameServer
	sendChan chan []byte   // Buffered channel for outgoing messages
	done     chan struct{} // Closed on shutdown
	once     sync.Once

	// set when a message was dropped; the next snapshot is sent in full
	resync atomic.Bool

	mu       sync.Mutex
	room     *game.Room // nil until joined
	playerID string
	slot     uint16
}

func newClientConnection(ws *websocket.Conn, s *GameServer) *ClientConnection {
	return &ClientConnection{
		ws:       ws,
		server:   s,
		sendChan: make(chan []byte, 256),
		done:     make(chan struct{}),
	}
}

// Send queues data to be sent to the client.
// Non-blocking: drops the message if the buffer is full and marks the
// connection for a full snapshot on the next broadcast.
func (c *ClientConnection) Send(data []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("connection closed")
	default:
	}
	select {
	case c.sendChan <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed")
	default:
		c.resync.Store(true)
		return errSendBufferFull
	}
}

// Close shuts down the connection. Safe to call multiple times.
func (c *ClientConnection) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// RemoteAddr returns the client's address for logging.
func (c *ClientConnection) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// PlayerID returns the verified player ID, or "" before joining.
func (c *ClientConnection) PlayerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playerID
}

func (c *ClientConnection) current() (*game.Room, string, uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room, c.playerID, c.slot
}

func (c *ClientConnection) attach(room *game.Room, playerID string, slot uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room, c.playerID, c.slot = room, playerID, slot
}

// detach forgets the room and returns what was attached.
func (c *ClientConnection) detach() (*game.Room, string, uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room, id, slot := c.room, c.playerID, c.slot
	c.room, c.playerID, c.slot = nil, "", 0
	return room, id, slot
}

// writePump sends queued messages and periodic pings.
func (c *ClientConnection) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	defer c.Close()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.sendChan:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump receives and dispatches client messages until the socket fails.
func (c *ClientConnection) readPump(ctx context.Context) {
	defer c.cleanup()

	// Limit message size to prevent memory exhaustion attacks
	c.ws.SetReadLimit(1024)
	c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			// Only log unexpected errors (not normal disconnects)
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Printf("Read error: %v", err)
			}
			return
		}
		c.handleMessage(ctx, message)
	}
}

// handleMessage dispatches on the first byte of the message.
func (c *ClientConnection) handleMessage(ctx context.Context, data []byte) {
	if len(data) == 0 {
		return
	}

	switch data[0] {
	case network.MsgTypeJoinRoom:
		c.handleJoin(ctx, data)
	case network.MsgTypeInput:
		c.handleInput(data)
	case network.MsgTypePing:
		c.handlePing(data)
	case network.MsgTypeLeaveRoom:
		c.handleLeave()
	case network.MsgTypeStart:
		c.handleStart()
	default:
		c.sendError(network.ErrorCodeInvalidMessage, "unknown message type")
	}
}

func (c *ClientConnection) sendError(code uint8, message string) {
	c.Send(c.server.protocol.EncodeError(code, message))
}

// handleJoin verifies the player, assigns a room and sends the initial state.
func (c *ClientConnection) handleJoin(ctx context.Context, data []byte) {
	s := c.server
	msg, err := s.protocol.DecodeJoin(data)
	if err != nil {
		s.logger.Printf("Invalid join message from %s: %v", c.RemoteAddr(), err)
		c.sendError(network.ErrorCodeInvalidMessage, err.Error())
		return
	}
	if room, _, _ := c.current(); room != nil {
		c.sendError(network.ErrorCodeRoomState, game.ErrAlreadyJoined.Error())
		return
	}

	ident, err := s.identity.Verify(ctx, msg.Token, msg.Name)
	if err != nil {
		c.sendError(network.ErrorCodeUnauthorized, err.Error())
		return
	}

	var seed *int64
	if msg.HasSeed {
		seed = &msg.Seed
	}
	room, state, err := s.matchmaker.Join(ident.PlayerID, ident.Name, seed)
	if err != nil {
		c.sendError(errorCode(err), err.Error())
		return
	}

	c.attach(room, state.ID, state.Slot)
	c.Send(s.protocol.EncodeRoomInfo(&network.RoomInfoMessage{
		RoomID:      room.ID,
		Seed:        room.Seed(),
		PlayerCount: uint8(room.PlayerCount()),
		MaxPlayers:  uint8(s.cfg.Room.MaxPlayers),
		YourSlot:    state.Slot,
		Status:      uint8(room.Status()),
	}))

	// Register before taking the full snapshot so no later diff is missed.
	s.register(room.ID, c)
	full := room.FullSnapshot()
	c.Send(s.protocol.EncodeSnapshot(&full))
	s.sendRoom(room.ID, s.protocol.EncodePlayerJoin(state.Slot, state.Name), c)

	s.logger.Printf("Player '%s' (%s, slot %d) joined room %s", state.Name, state.ID, state.Slot, room.ID)
}

// handleInput queues control input for the room's next tick.
func (c *ClientConnection) handleInput(data []byte) {
	room, playerID, _ := c.current()
	if room == nil {
		return
	}

	msg, err := c.server.protocol.DecodeInput(data)
	if err != nil {
		c.sendError(network.ErrorCodeInvalidMessage, err.Error())
		return
	}

	err = room.SubmitInput(playerID, network.ToGameInput(msg))
	var verr *game.ValidationError
	if errors.As(err, &verr) {
		c.sendError(network.ErrorCodeInvalidMessage, verr.Error())
	}
}

// handlePing echoes the client timestamp for round-trip measurement.
func (c *ClientConnection) handlePing(data []byte) {
	// Ping message format: [type:1][timestamp:8]
	if len(data) >= 9 {
		var timestamp uint64
		for i := 0; i < 8; i++ {
			timestamp |= uint64(data[1+i]) << (i * 8)
		}
		c.Send(c.server.protocol.EncodePong(timestamp))
	}
}

// handleStart lets a waiting room race before MinPlayers is reached.
func (c *ClientConnection) handleStart() {
	room, _, _ := c.current()
	if room == nil {
		c.sendError(network.ErrorCodeRoomState, "not in a room")
		return
	}
	if err := room.Start(); err != nil {
		c.sendError(errorCode(err), err.Error())
	}
}

// handleLeave removes the player from its room.
func (c *ClientConnection) handleLeave() {
	c.leaveRoom()
}

func (c *ClientConnection) leaveRoom() {
	room, playerID, slot := c.detach()
	if room == nil {
		return
	}
	c.server.unregister(room.ID, c)
	if err := room.Leave(playerID); err == nil {
		c.server.sendRoom(room.ID, c.server.protocol.EncodePlayerLeave(slot), nil)
	}
}

// cleanup leaves the room and closes the socket.
func (c *ClientConnection) cleanup() {
	c.leaveRoom()
	c.Close()
	c.server.logger.Printf("Connection closed: %s", c.RemoteAddr())
}
