// internal/p2p/service.go
package p2p

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/duelink/duelink/internal/protocol"
)

// Handler processes one inbound message from the named peer.
type Handler func(peerID string, msg protocol.Message)

// Service owns the typed message protocol over established peer channels:
// broadcast, unicast, and dispatch of inbound messages by type. It stamps
// every outbound envelope with the sender id and a timestamp so per-sender
// ordering is at least locally consistent.
//
// Peer lifecycle callbacks are idempotent: adding an already-known peer or
// removing an unknown one is a no-op, because duplicate notifications are
// normal under overlapping handshakes.
type Service struct {
	selfID string
	log    *logrus.Logger
	now    func() time.Time

	mu       sync.Mutex
	peers    map[string]Channel
	handlers map[protocol.Type]Handler

	// OnPeerConnected and OnPeerDisconnected drive lobby membership.
	OnPeerConnected    func(peerID string)
	OnPeerDisconnected func(peerID string)
	// OnError receives inbound protocol `error` messages and channel faults.
	// Normal dispatch never reaches it.
	OnError func(peerID string, perr protocol.ErrorPayload)
}

// NewService builds a message service for the participant selfID.
func NewService(selfID string, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.New()
	}
	return &Service{
		selfID:   selfID,
		log:      log,
		now:      time.Now,
		peers:    make(map[string]Channel),
		handlers: make(map[protocol.Type]Handler),
	}
}

// SelfID returns the id outbound messages are stamped with.
func (s *Service) SelfID() string { return s.selfID }

// Handle registers the handler for a message type, replacing any previous one.
func (s *Service) Handle(t protocol.Type, fn Handler) {
	s.mu.Lock()
	s.handlers[t] = fn
	s.mu.Unlock()
}

// AddPeer attaches an established channel under peerID and starts
// dispatching its messages. Returns false (no-op) if the peer is already
// known.
func (s *Service) AddPeer(peerID string, ch Channel) bool {
	s.mu.Lock()
	if _, exists := s.peers[peerID]; exists {
		s.mu.Unlock()
		s.log.WithField("peer", peerID).Debug("duplicate peer connect ignored")
		return false
	}
	s.peers[peerID] = ch
	cb := s.OnPeerConnected
	s.mu.Unlock()

	ch.OnMessage(func(data []byte) {
		s.dispatch(peerID, data)
	})
	ch.OnClose(func(err error) {
		if err != nil {
			s.log.WithError(err).WithField("peer", peerID).Warn("peer channel fault")
		}
		s.RemovePeer(peerID)
	})

	s.log.WithField("peer", peerID).Info("peer connected")
	if cb != nil {
		cb(peerID)
	}
	return true
}

// RemovePeer detaches and closes the peer's channel. No-op for unknown peers.
func (s *Service) RemovePeer(peerID string) {
	s.mu.Lock()
	ch, exists := s.peers[peerID]
	if exists {
		delete(s.peers, peerID)
	}
	cb := s.OnPeerDisconnected
	s.mu.Unlock()

	if !exists {
		return
	}
	_ = ch.Close()
	s.log.WithField("peer", peerID).Info("peer disconnected")
	if cb != nil {
		cb(peerID)
	}
}

// Peers returns the ids of currently attached peers.
func (s *Service) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	return ids
}

// Close detaches and closes every peer channel.
func (s *Service) Close() {
	for _, id := range s.Peers() {
		s.RemovePeer(id)
	}
}

// Broadcast stamps and sends a message to every attached peer. Per-peer send
// failures are logged, not returned: a dying peer surfaces through its
// channel's close callback.
func (s *Service) Broadcast(t protocol.Type, payload interface{}) error {
	data, err := s.stamp(t, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	chans := make(map[string]Channel, len(s.peers))
	for id, ch := range s.peers {
		chans[id] = ch
	}
	s.mu.Unlock()

	for id, ch := range chans {
		if err := ch.Send(data); err != nil {
			s.log.WithError(err).WithField("peer", id).Warn("broadcast send failed")
		}
	}
	return nil
}

// SendTo stamps and sends a message to one peer.
func (s *Service) SendTo(peerID string, t protocol.Type, payload interface{}) error {
	data, err := s.stamp(t, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	ch, ok := s.peers[peerID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown peer %q", peerID)
	}
	return ch.Send(data)
}

// Forward re-sends an already-stamped envelope to every peer except the one
// it came from, preserving the original sender and timestamp. Used by the
// host to relay client traffic in a star topology.
func (s *Service) Forward(fromPeerID string, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.log.WithError(err).Warn("forward encode failed")
		return
	}
	s.mu.Lock()
	chans := make(map[string]Channel, len(s.peers))
	for id, ch := range s.peers {
		if id != fromPeerID {
			chans[id] = ch
		}
	}
	s.mu.Unlock()

	for id, ch := range chans {
		if err := ch.Send(data); err != nil {
			s.log.WithError(err).WithField("peer", id).Warn("forward send failed")
		}
	}
}

func (s *Service) stamp(t protocol.Type, payload interface{}) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		raw = data
	}
	return protocol.Encode(protocol.Message{
		Type:      t,
		SenderID:  s.selfID,
		Timestamp: s.now().UnixMilli(),
		Payload:   raw,
	})
}

// dispatch routes one inbound frame. Malformed or unknown messages are
// logged and dropped — never fatal to the channel. Inbound `error` messages
// go to OnError, not to a handler.
func (s *Service) dispatch(peerID string, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.log.WithError(err).WithField("peer", peerID).Warn("dropping bad inbound message")
		return
	}

	if msg.Type == protocol.TypeError {
		var perr protocol.ErrorPayload
		if derr := msg.DecodePayload(&perr); derr != nil {
			s.log.WithError(derr).WithField("peer", peerID).Warn("dropping malformed error message")
			return
		}
		s.mu.Lock()
		cb := s.OnError
		s.mu.Unlock()
		if cb != nil {
			cb(peerID, perr)
		}
		return
	}

	s.mu.Lock()
	fn, ok := s.handlers[msg.Type]
	s.mu.Unlock()
	if !ok {
		s.log.WithFields(logrus.Fields{
			"peer": peerID,
			"type": msg.Type,
		}).Debug("no handler registered, dropping message")
		return
	}
	fn(peerID, msg)
}
