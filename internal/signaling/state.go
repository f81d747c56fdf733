// internal/signaling/state.go
package signaling

import "sync"

// Phase is the externally visible stage of a handshake.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseCreatingSession Phase = "creating-session"
	PhaseJoiningSession  Phase = "joining-session"
	PhaseWaitingForPeer  Phase = "waiting-for-peer"
	PhaseExchanging      Phase = "exchanging-signaling"
	PhaseConnected       Phase = "connected"
	PhaseFailed          Phase = "failed"
)

// Terminal reports whether no further transitions are possible from p.
func (p Phase) Terminal() bool {
	return p == PhaseConnected || p == PhaseFailed
}

// Event names the observations that drive the handshake forward. Transitions
// are driven by these rather than by ad hoc presence checks on session fields,
// so the transition table is testable on its own.
type Event string

const (
	EventCreateRequested Event = "createRequested"
	EventJoinRequested   Event = "joinRequested"
	EventSessionCreated  Event = "sessionCreated"
	EventSessionJoined   Event = "sessionJoined" // joined, no offer yet
	EventPeerJoined      Event = "peerJoined"    // host observed clientId
	EventOfferReceived   Event = "offerReceived"
	EventAnswerReceived  Event = "answerReceived"
	EventChannelReady    Event = "channelReady" // peer channel reported open
)

// transitions holds every unconditional edge. Entering PhaseConnected is the
// one conditional case: from exchanging-signaling it additionally requires
// both answerReceived and channelReady to have been observed (in either
// order), because the relay alone cannot know the channel succeeded.
var transitions = map[Phase]map[Event]Phase{
	PhaseIdle: {
		EventCreateRequested: PhaseCreatingSession,
		EventJoinRequested:   PhaseJoiningSession,
	},
	PhaseCreatingSession: {
		EventSessionCreated: PhaseWaitingForPeer,
	},
	PhaseJoiningSession: {
		EventSessionJoined: PhaseWaitingForPeer,
		EventOfferReceived: PhaseExchanging,
	},
	PhaseWaitingForPeer: {
		EventPeerJoined:     PhaseExchanging,
		EventOfferReceived:  PhaseExchanging,
		EventAnswerReceived: PhaseExchanging, // answer implies the peer joined
	},
}

// StateController is the finite state machine wrapped around a signaling
// Client. failed is terminal: the controller never retries on its own, the
// caller must discard all handshake state and start over.
type StateController struct {
	mu           sync.Mutex
	phase        Phase
	answerSeen   bool
	channelReady bool
	failReason   string

	// OnChange is invoked after every phase change, outside the lock.
	OnChange func(Phase)
}

// NewStateController starts in the idle phase.
func NewStateController() *StateController {
	return &StateController{phase: PhaseIdle}
}

// Phase returns the current phase.
func (sc *StateController) Phase() Phase {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.phase
}

// FailReason returns the human-readable message for the failed phase.
func (sc *StateController) FailReason() string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.failReason
}

// Apply feeds an event into the machine. Returns true if the phase changed.
// Events with no edge from the current phase are ignored: duplicate
// observations from overlapping polls are expected, not errors.
func (sc *StateController) Apply(ev Event) bool {
	sc.mu.Lock()
	prev := sc.phase

	switch ev {
	case EventAnswerReceived:
		sc.answerSeen = true
	case EventChannelReady:
		sc.channelReady = true
	}

	if next, ok := transitions[sc.phase][ev]; ok {
		sc.phase = next
	}
	// Connected needs both the answer and a live channel, in either order.
	if sc.phase == PhaseExchanging && sc.answerSeen && sc.channelReady {
		sc.phase = PhaseConnected
	}

	changed := sc.phase != prev
	cb := sc.OnChange
	phase := sc.phase
	sc.mu.Unlock()

	if changed && cb != nil {
		cb(phase)
	}
	return changed
}

// Fail forces the failed phase from any non-terminal state, recording a
// human-readable reason. No-op once connected or already failed.
func (sc *StateController) Fail(reason string) bool {
	sc.mu.Lock()
	if sc.phase.Terminal() {
		sc.mu.Unlock()
		return false
	}
	sc.phase = PhaseFailed
	sc.failReason = reason
	cb := sc.OnChange
	sc.mu.Unlock()

	if cb != nil {
		cb(PhaseFailed)
	}
	return true
}
