package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/race/endless/internal/game"
)

// ErrUnauthorized is returned by identity providers that reject a token.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is a verified player.
type Identity struct {
	PlayerID string
	Name     string
}

// IdentityProvider verifies a join token before the player may enter a room.
type IdentityProvider interface {
	Verify(ctx context.Context, token, name string) (Identity, error)
}

// Ledger records round results. Payouts are derived by the ledger service
// from the ranking; the race server never handles amounts.
type Ledger interface {
	RecordRound(ctx context.Context, result game.RoundResult) error
}

// AnonymousIdentity trusts the client. A non-empty token becomes the player
// ID; otherwise a random one is issued. Intended for development.
type AnonymousIdentity struct{}

// Verify implements IdentityProvider.
func (AnonymousIdentity) Verify(_ context.Context, token, name string) (Identity, error) {
	id := strings.TrimSpace(token)
	if id == "" {
		id = uuid.NewString()
	}
	return Identity{PlayerID: id, Name: sanitizeName(name)}, nil
}

const maxNameRunes = 20

// sanitizeName trims, defaults and bounds a display name.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Player"
	}
	// Limit name length to prevent abuse
	if runes := []rune(name); len(runes) > maxNameRunes {
		name = string(runes[:maxNameRunes])
	}
	return name
}

// LogLedger writes round results to a logger as JSON.
type LogLedger struct {
	Logger *log.Logger
}

// RecordRound implements Ledger.
func (l LogLedger) RecordRound(_ context.Context, result game.RoundResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	logger := l.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("round result: %s", data)
	return nil
}
