// internal/p2p/channel.go
package p2p

import "errors"

// ErrChannelClosed is returned by Send after either end has closed.
var ErrChannelClosed = errors.New("peer channel closed")

// Channel is an established bidirectional ordered byte channel to a single
// peer. The lobby's message protocol rides on top of this; the framing
// underneath (data channel, in-memory pipe) is not its concern.
type Channel interface {
	Send(data []byte) error
	OnMessage(fn func(data []byte))
	OnClose(fn func(err error))
	Close() error
}

// Transport negotiates one peer channel from the offer/answer/candidate
// artifacts carried by the signaling session. One Transport per handshake;
// the host side calls CreateOffer/AcceptAnswer, the client side AcceptOffer.
// OnReady fires once, when the underlying channel reports open.
type Transport interface {
	CreateOffer() (offer string, err error)
	AcceptAnswer(answer string) error
	AcceptOffer(offer string) (answer string, err error)

	// AddRemoteCandidate feeds a peer negotiation hint. Duplicates must be
	// tolerated: the relay delivers candidates at-least-once.
	AddRemoteCandidate(candidate string) error
	// OnLocalCandidate receives locally gathered hints to forward through
	// the signaling session.
	OnLocalCandidate(fn func(candidate string))

	OnReady(fn func(ch Channel))
	Close() error
}
