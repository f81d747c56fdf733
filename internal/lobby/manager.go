// internal/lobby/manager.go
package lobby

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/duelink/duelink/internal/identity"
)

// DefaultMaxPlayers bounds a lobby when the config doesn't say otherwise.
const DefaultMaxPlayers = 4

// DefaultMinPlayers is the floor CanStartGame enforces.
const DefaultMinPlayers = 2

// Manager owns one lobby. On the host it is the single writer; on clients it
// holds a read-mostly projection refreshed by ApplySnapshot, never mutated
// directly. The mutex only guards against the poll/dispatch goroutines of
// one participant — there is no cross-participant locking by design, the
// host's log of mutations is the consistency mechanism.
type Manager struct {
	mu        sync.Mutex
	lobby     *GameLobby
	validator DeckValidator
	now       func() time.Time
	log       *logrus.Logger
}

// NewManager builds a manager. validator may be nil, in which case every
// bound deck is accepted as valid (casual play with no format rules).
func NewManager(validator DeckValidator, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.New()
	}
	return &Manager{validator: validator, now: time.Now, log: log}
}

// CreateLobby allocates the lobby with the host as its first player, in the
// open state. Only the host side calls this.
func (m *Manager) CreateLobby(cfg Config, hostID, hostName string) *GameLobby {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.GameCode == "" {
		cfg.GameCode = identity.GenerateGameCode()
	}
	if cfg.MaxPlayers <= 0 {
		cfg.MaxPlayers = DefaultMaxPlayers
	}
	if cfg.MinPlayers <= 0 {
		cfg.MinPlayers = DefaultMinPlayers
	}

	now := m.now()
	m.lobby = &GameLobby{
		GameCode:   cfg.GameCode,
		Format:     cfg.Format,
		Status:     StatusOpen,
		HostID:     hostID,
		MaxPlayers: cfg.MaxPlayers,
		MinPlayers: cfg.MinPlayers,
		Players: []*Player{{
			ID:       hostID,
			Name:     hostName,
			Status:   PlayerNotReady,
			JoinedAt: now,
		}},
		CreatedAt: now,
	}
	m.log.WithFields(logrus.Fields{
		"game_code": cfg.GameCode,
		"host":      hostName,
	}).Info("lobby created")
	return m.lobby.clone()
}

// Lobby returns a copy of the current lobby, or nil if none.
func (m *Manager) Lobby() *GameLobby {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lobby == nil {
		return nil
	}
	return m.lobby.clone()
}

// AddPlayer seats a new player. Fails once the lobby is full, the id is
// already seated, or the lobby left the open state.
func (m *Manager) AddPlayer(id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lobby == nil {
		return ErrNoLobby
	}
	if m.lobby.Status != StatusOpen {
		return ErrLobbyNotOpen
	}
	if m.lobby.player(id) != nil {
		return ErrDuplicatePlayer
	}
	if len(m.lobby.Players) >= m.lobby.MaxPlayers {
		return ErrLobbyFull
	}
	m.lobby.Players = append(m.lobby.Players, &Player{
		ID:       id,
		Name:     name,
		Status:   PlayerNotReady,
		JoinedAt: m.now(),
	})
	m.log.WithFields(logrus.Fields{
		"game_code": m.lobby.GameCode,
		"player":    name,
	}).Info("player joined lobby")
	return nil
}

// RemovePlayer unseats a player. Allowed while open; once in-progress the
// roster is frozen.
func (m *Manager) RemovePlayer(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lobby == nil {
		return ErrNoLobby
	}
	if m.lobby.Status != StatusOpen {
		return ErrLobbyNotOpen
	}
	for i, p := range m.lobby.Players {
		if p.ID == id {
			m.lobby.Players = append(m.lobby.Players[:i], m.lobby.Players[i+1:]...)
			m.log.WithFields(logrus.Fields{
				"game_code": m.lobby.GameCode,
				"player":    p.Name,
			}).Info("player left lobby")
			return nil
		}
	}
	return ErrUnknownPlayer
}

// UpdatePlayerStatus flips a player's readiness.
func (m *Manager) UpdatePlayerStatus(id string, status PlayerStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lobby == nil {
		return ErrNoLobby
	}
	p := m.lobby.player(id)
	if p == nil {
		return ErrUnknownPlayer
	}
	p.Status = status
	return nil
}

// UpdatePlayerDeck binds a deck and validates it against the lobby format.
// Binding succeeds even when the deck is invalid — the player can see and fix
// the errors — but CanStartGame requires every bound deck to be valid.
func (m *Manager) UpdatePlayerDeck(id, deckID, deckName string, deck json.RawMessage) (DeckBindResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lobby == nil {
		return DeckBindResult{}, ErrNoLobby
	}
	p := m.lobby.player(id)
	if p == nil {
		return DeckBindResult{}, ErrUnknownPlayer
	}

	valid := true
	var errs []string
	if m.validator != nil {
		res := m.validator.Validate(deck, m.lobby.Format)
		valid = res.IsValid
		errs = res.Errors
	}

	p.DeckID = deckID
	p.DeckName = deckName
	p.Deck = append(json.RawMessage(nil), deck...)
	p.DeckValid = valid
	p.DeckErrors = errs

	return DeckBindResult{Success: true, IsValid: valid, Errors: errs}, nil
}

// CanStartGame reports whether a normal start is allowed: every player ready
// with a valid deck bound, and the roster at least MinPlayers.
func (m *Manager) CanStartGame() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canStartLocked(false)
}

// CanForceStart relaxes the readiness requirement — host prerogative — but
// still requires valid decks all around.
func (m *Manager) CanForceStart() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canStartLocked(true)
}

func (m *Manager) canStartLocked(force bool) bool {
	if m.lobby == nil || m.lobby.Status != StatusOpen {
		return false
	}
	if len(m.lobby.Players) < m.lobby.MinPlayers {
		return false
	}
	for _, p := range m.lobby.Players {
		if !force && p.Status != PlayerReady {
			return false
		}
		if !p.HasDeck() || !p.DeckValid {
			return false
		}
	}
	return true
}

// UpdateLobbyStatus transitions the lifecycle. Legal: setup->open,
// open->in-progress, anything->closed. closed is terminal.
func (m *Manager) UpdateLobbyStatus(status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lobby == nil {
		return ErrNoLobby
	}
	cur := m.lobby.Status
	ok := false
	switch {
	case cur == StatusClosed:
		ok = false
	case status == StatusClosed:
		ok = true
	case cur == StatusSetup && status == StatusOpen:
		ok = true
	case cur == StatusOpen && status == StatusInProgress:
		ok = true
	}
	if !ok {
		return ErrLobbyNotOpen
	}
	m.lobby.Status = status
	m.log.WithFields(logrus.Fields{
		"game_code": m.lobby.GameCode,
		"status":    status,
	}).Info("lobby status changed")
	return nil
}

// CloseLobby is a convenience for the terminal transition.
func (m *Manager) CloseLobby() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lobby != nil {
		m.lobby.Status = StatusClosed
	}
}
