// internal/signaling/errors.go
package signaling

import (
	"errors"
	"fmt"
)

var (
	// ErrNoActiveSession means a session-scoped operation was attempted with
	// no live session. Caller misuse, not a network condition.
	ErrNoActiveSession = errors.New("no active signaling session")

	// ErrSessionNotFound is returned by JoinSession for an unknown or expired
	// game code. Terminal: the code will never become valid again.
	ErrSessionNotFound = errors.New("unknown or expired game code")

	// ErrSessionExpired fires once, via the error callback, when a poll hits
	// 404. Terminal: the caller must start a fresh handshake.
	ErrSessionExpired = errors.New("signaling session expired")

	// ErrSessionFull is returned by JoinSession when a client already joined.
	ErrSessionFull = errors.New("session already has a client")
)

// RelayError is a create/join rejection reported by the relay server (name
// collision, rate limit, internal failure). Not retried automatically.
type RelayError struct {
	Status  int
	Message string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay rejected request (%d): %s", e.Status, e.Message)
}
