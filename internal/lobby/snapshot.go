// internal/lobby/snapshot.go
package lobby

import (
	"encoding/json"
	"fmt"
	"time"
)

// Snapshot is the full lobby view carried in game-state-sync messages. The
// host's snapshot is authoritative: on receipt it supersedes any optimistic
// state a client applied locally. Deck contents are stripped — clients only
// need names and validity, not each other's lists.
type Snapshot struct {
	GameCode   string           `json:"gameCode"`
	Format     string           `json:"format"`
	Status     Status           `json:"status"`
	HostID     string           `json:"hostId"`
	MaxPlayers int              `json:"maxPlayers"`
	MinPlayers int              `json:"minPlayers"`
	Players    []PlayerSnapshot `json:"players"`
}

// PlayerSnapshot is one seat as seen by every participant.
type PlayerSnapshot struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Status    PlayerStatus `json:"status"`
	JoinedAt  time.Time    `json:"joinedAt"`
	DeckID    string       `json:"deckId,omitempty"`
	DeckName  string       `json:"deckName,omitempty"`
	DeckValid bool         `json:"deckValid"`
}

// Snapshot captures the current lobby for broadcast. Returns false if no
// lobby exists yet.
func (m *Manager) Snapshot() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lobby == nil {
		return Snapshot{}, false
	}
	snap := Snapshot{
		GameCode:   m.lobby.GameCode,
		Format:     m.lobby.Format,
		Status:     m.lobby.Status,
		HostID:     m.lobby.HostID,
		MaxPlayers: m.lobby.MaxPlayers,
		MinPlayers: m.lobby.MinPlayers,
		Players:    make([]PlayerSnapshot, len(m.lobby.Players)),
	}
	for i, p := range m.lobby.Players {
		snap.Players[i] = PlayerSnapshot{
			ID:        p.ID,
			Name:      p.Name,
			Status:    p.Status,
			JoinedAt:  p.JoinedAt,
			DeckID:    p.DeckID,
			DeckName:  p.DeckName,
			DeckValid: p.DeckValid,
		}
	}
	return snap, true
}

// ApplySnapshot replaces the local projection wholesale with the host's
// view. Client-side only; the host never applies snapshots.
func (m *Manager) ApplySnapshot(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lobby := &GameLobby{
		GameCode:   snap.GameCode,
		Format:     snap.Format,
		Status:     snap.Status,
		HostID:     snap.HostID,
		MaxPlayers: snap.MaxPlayers,
		MinPlayers: snap.MinPlayers,
		Players:    make([]*Player, len(snap.Players)),
	}
	for i, ps := range snap.Players {
		player := &Player{
			ID:        ps.ID,
			Name:      ps.Name,
			Status:    ps.Status,
			JoinedAt:  ps.JoinedAt,
			DeckID:    ps.DeckID,
			DeckName:  ps.DeckName,
			DeckValid: ps.DeckValid,
		}
		// Keep the local player's own deck blob across syncs; the host
		// strips deck contents and a client shouldn't lose its own list.
		if m.lobby != nil {
			if prev := m.lobby.player(ps.ID); prev != nil {
				player.Deck = prev.Deck
				player.DeckErrors = prev.DeckErrors
			}
		}
		lobby.Players[i] = player
	}
	if m.lobby != nil {
		lobby.CreatedAt = m.lobby.CreatedAt
	}
	m.lobby = lobby
}

// EncodeSnapshot serializes a snapshot for a protocol payload.
func EncodeSnapshot(snap Snapshot) (json.RawMessage, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode lobby snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses a game-state-sync payload.
func DecodeSnapshot(raw json.RawMessage) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode lobby snapshot: %w", err)
	}
	return snap, nil
}
