// internal/lobby/lobby.go
package lobby

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the lobby lifecycle stage. setup -> open -> in-progress ->
// closed, with closed reachable from any state and terminal.
type Status string

const (
	StatusSetup      Status = "setup"
	StatusOpen       Status = "open"
	StatusInProgress Status = "in-progress"
	StatusClosed     Status = "closed"
)

// PlayerStatus is a participant's readiness state.
type PlayerStatus string

const (
	PlayerNotReady PlayerStatus = "not-ready"
	PlayerReady    PlayerStatus = "ready"
)

// Mutation failure modes. These are expected business outcomes (a full lobby
// is not exceptional), returned as errors so the UI can render specific
// guidance instead of a generic failure.
var (
	ErrNoLobby         = errors.New("no lobby")
	ErrLobbyFull       = errors.New("lobby is full")
	ErrLobbyNotOpen    = errors.New("lobby is not open for changes")
	ErrDuplicatePlayer = errors.New("player already in lobby")
	ErrUnknownPlayer   = errors.New("player not in lobby")
	ErrCannotStart     = errors.New("lobby cannot start")
)

// Player is one seat in the lobby. The deck blob is opaque to this layer;
// only the validator looks inside it.
type Player struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Status     PlayerStatus    `json:"status"`
	JoinedAt   time.Time       `json:"joinedAt"`
	DeckID     string          `json:"deckId,omitempty"`
	DeckName   string          `json:"deckName,omitempty"`
	Deck       json.RawMessage `json:"deck,omitempty"`
	DeckValid  bool            `json:"deckValid"`
	DeckErrors []string        `json:"deckErrors,omitempty"`
}

// HasDeck reports whether a deck has been bound.
func (p *Player) HasDeck() bool { return p.DeckID != "" }

// Config sets up a new lobby. GameCode is usually the relay-allocated code;
// when empty the manager generates one (local/offline play).
type Config struct {
	GameCode   string
	Format     string
	MaxPlayers int
	MinPlayers int
}

// GameLobby is the pre-game room model. The host's instance is the single
// source of truth; client instances are projections updated only by inbound
// snapshots.
type GameLobby struct {
	GameCode   string    `json:"gameCode"`
	Format     string    `json:"format"`
	Status     Status    `json:"status"`
	HostID     string    `json:"hostId"`
	MaxPlayers int       `json:"maxPlayers"`
	MinPlayers int       `json:"minPlayers"`
	Players    []*Player `json:"players"`
	CreatedAt  time.Time `json:"createdAt"`
}

// player returns the seat for id, or nil.
func (l *GameLobby) player(id string) *Player {
	for _, p := range l.Players {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// clone deep-copies the lobby so callers never alias manager state.
func (l *GameLobby) clone() *GameLobby {
	cp := *l
	cp.Players = make([]*Player, len(l.Players))
	for i, p := range l.Players {
		pc := *p
		pc.Deck = append(json.RawMessage(nil), p.Deck...)
		pc.DeckErrors = append([]string(nil), p.DeckErrors...)
		cp.Players[i] = &pc
	}
	return &cp
}

// ValidationResult is the deck validator's verdict. A deck can be bound even
// when invalid; starting the game is what requires validity.
type ValidationResult struct {
	IsValid  bool     `json:"isValid"`
	CanPlay  bool     `json:"canPlay"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// DeckValidator checks a deck against a format. Implemented by the deck
// engine outside this package.
type DeckValidator interface {
	Validate(deck json.RawMessage, format string) ValidationResult
}

// DeckBindResult reports a deck binding attempt.
type DeckBindResult struct {
	Success bool     `json:"success"`
	IsValid bool     `json:"isValid"`
	Errors  []string `json:"errors,omitempty"`
}
