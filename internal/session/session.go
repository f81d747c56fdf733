// internal/session/session.go
package session

import (
	"context"
	"errors"
	"time"
)

// Role identifies which side of a handshake is reading or writing the record.
// Fields are partitioned by writer: the host writes Offer/HostCandidates, the
// client writes Answer/ClientCandidates. Neither side ever writes the other's
// fields, which is what lets the relay skip transactional merges.
type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

// DefaultTTL is how long a session stays live on the relay. Handshakes finish
// in seconds; anything older is garbage.
const DefaultTTL = 5 * time.Minute

var (
	// ErrNotFound covers both "never existed" and "expired" — the contract
	// does not distinguish them, and callers must treat both as terminal.
	ErrNotFound = errors.New("session not found")

	// ErrFull is returned when a second client attempts to join.
	ErrFull = errors.New("session already has a client")

	// ErrCodeTaken is returned by Create when the game code is already live.
	ErrCodeTaken = errors.New("game code already in use")
)

// Session is the relay-held record coordinating one handshake between exactly
// one host and at most one client. Offer, Answer and candidates are opaque
// payloads; the relay never inspects them.
type Session struct {
	ID               string    `json:"sessionId"`
	GameCode         string    `json:"gameCode"`
	HostID           string    `json:"hostId"`
	HostName         string    `json:"hostName"`
	ClientID         string    `json:"clientId,omitempty"`
	ClientName       string    `json:"clientName,omitempty"`
	Offer            string    `json:"offer,omitempty"`
	Answer           string    `json:"answer,omitempty"`
	HostCandidates   []string  `json:"hostCandidates,omitempty"`
	ClientCandidates []string  `json:"clientCandidates,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

// Expired reports whether the session is past its hard expiry.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Clone returns a deep copy so stores can hand out records without aliasing
// their internal state.
func (s *Session) Clone() *Session {
	cp := *s
	cp.HostCandidates = append([]string(nil), s.HostCandidates...)
	cp.ClientCandidates = append([]string(nil), s.ClientCandidates...)
	return &cp
}

// View filters the record to the fields relevant to the polling role: a host
// polls for client-contributed fields and a client for host-contributed ones.
// Identity and lifecycle fields are always included.
func (s *Session) View(role Role) *Session {
	v := s.Clone()
	switch role {
	case RoleHost:
		v.Offer = ""
		v.HostCandidates = nil
	case RoleClient:
		v.Answer = ""
		v.ClientCandidates = nil
	}
	return v
}

// Store is a backend holding live signaling sessions. Every read treats an
// expired record as absent (ErrNotFound); there is no way to observe a session
// after its expiry. Candidate appends are at-least-once: the store does not
// dedupe, consumers must tolerate duplicates.
type Store interface {
	// Create registers a new session. Fails with ErrCodeTaken if the game
	// code is already bound to a live session.
	Create(ctx context.Context, s *Session) error

	// GetByID returns a copy of the session, or ErrNotFound.
	GetByID(ctx context.Context, id string) (*Session, error)

	// GetByCode resolves a game code to its session, or ErrNotFound.
	GetByCode(ctx context.Context, code string) (*Session, error)

	// SetClient registers the joining client. Fails with ErrFull if a client
	// already joined. Returns the updated record.
	SetClient(ctx context.Context, id, clientID, clientName string) (*Session, error)

	// SetOffer and SetAnswer write the respective handshake artifact.
	SetOffer(ctx context.Context, id, offer string) error
	SetAnswer(ctx context.Context, id, answer string) error

	// AppendCandidate appends a negotiation hint to the list owned by role.
	AppendCandidate(ctx context.Context, id string, role Role, candidate string) error

	// Delete tears the session down. Deleting an absent session is not an
	// error; teardown is best-effort by contract.
	Delete(ctx context.Context, id string) error
}
