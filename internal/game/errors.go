package game

import (
	"errors"
	"fmt"
)

// Lifecycle errors returned to the transport layer. Each is a *RoomStateError
// and can be matched with errors.Is.
var (
	ErrRoomFull      = &RoomStateError{message: "room is full"}
	ErrRoomClosed    = &RoomStateError{message: "room is no longer accepting players"}
	ErrNotWaiting    = &RoomStateError{message: "room is not waiting for players"}
	ErrNotActive     = &RoomStateError{message: "room is not active"}
	ErrUnknownPlayer = &RoomStateError{message: "player is not in this room"}
	ErrAlreadyJoined = &RoomStateError{message: "player already joined"}
)

// RoomStateError is an invalid lifecycle transition. The room is unchanged.
type RoomStateError struct {
	message string
}

func (e *RoomStateError) Error() string {
	return e.message
}

// ValidationError is a malformed input. The input is dropped without a
// strike.
type ValidationError struct {
	Field string
	Value float64
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid input: %s is not finite (%v)", e.Field, e.Value)
}

// FatalRoomError is an internal inconsistency that ends the affected room.
type FatalRoomError struct {
	RoomID string
	Err    error
}

func (e *FatalRoomError) Error() string {
	return fmt.Sprintf("room %s: fatal: %v", e.RoomID, e.Err)
}

func (e *FatalRoomError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err ends the room.
func IsFatal(err error) bool {
	var fe *FatalRoomError
	return errors.As(err, &fe)
}
