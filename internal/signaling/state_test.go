// internal/signaling/state_test.go
package signaling

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHostHappyPath(t *testing.T) {
	sc := NewStateController()
	assert.Equal(t, PhaseIdle, sc.Phase())

	assert.True(t, sc.Apply(EventCreateRequested))
	assert.Equal(t, PhaseCreatingSession, sc.Phase())

	assert.True(t, sc.Apply(EventSessionCreated))
	assert.Equal(t, PhaseWaitingForPeer, sc.Phase())

	assert.True(t, sc.Apply(EventPeerJoined))
	assert.Equal(t, PhaseExchanging, sc.Phase())

	assert.True(t, sc.Apply(EventAnswerReceived))
	assert.Equal(t, PhaseExchanging, sc.Phase(), "answer alone is not connected")

	assert.True(t, sc.Apply(EventChannelReady))
	assert.Equal(t, PhaseConnected, sc.Phase())
}

func TestClientHappyPathOfferInJoinResponse(t *testing.T) {
	sc := NewStateController()
	sc.Apply(EventJoinRequested)
	assert.Equal(t, PhaseJoiningSession, sc.Phase())

	// The join response already carried the offer: skip waiting-for-peer.
	sc.Apply(EventOfferReceived)
	assert.Equal(t, PhaseExchanging, sc.Phase())

	sc.Apply(EventChannelReady)
	assert.Equal(t, PhaseExchanging, sc.Phase(), "channel alone is not connected")

	sc.Apply(EventAnswerReceived)
	assert.Equal(t, PhaseConnected, sc.Phase())
}

func TestClientJoinBeforeOffer(t *testing.T) {
	sc := NewStateController()
	sc.Apply(EventJoinRequested)
	sc.Apply(EventSessionJoined)
	assert.Equal(t, PhaseWaitingForPeer, sc.Phase())

	sc.Apply(EventOfferReceived)
	assert.Equal(t, PhaseExchanging, sc.Phase())
}

func TestConnectedRequiresBothInEitherOrder(t *testing.T) {
	// channelReady first, answer second.
	sc := NewStateController()
	sc.Apply(EventCreateRequested)
	sc.Apply(EventSessionCreated)
	sc.Apply(EventPeerJoined)
	sc.Apply(EventChannelReady)
	assert.Equal(t, PhaseExchanging, sc.Phase())
	sc.Apply(EventAnswerReceived)
	assert.Equal(t, PhaseConnected, sc.Phase())
}

func TestAnswerImpliesPeerJoined(t *testing.T) {
	sc := NewStateController()
	sc.Apply(EventCreateRequested)
	sc.Apply(EventSessionCreated)
	// A poll can deliver clientId and answer in one view; the answer edge
	// alone must move the machine forward.
	sc.Apply(EventAnswerReceived)
	assert.Equal(t, PhaseExchanging, sc.Phase())
}

func TestDuplicateEventsAreIgnored(t *testing.T) {
	sc := NewStateController()
	sc.Apply(EventCreateRequested)
	assert.False(t, sc.Apply(EventCreateRequested), "replay should not change phase")
	assert.Equal(t, PhaseCreatingSession, sc.Phase())

	sc.Apply(EventSessionCreated)
	sc.Apply(EventPeerJoined)
	assert.False(t, sc.Apply(EventPeerJoined))
	assert.Equal(t, PhaseExchanging, sc.Phase())
}

func TestFailFromAnyNonTerminal(t *testing.T) {
	for _, setup := range [][]Event{
		{},
		{EventCreateRequested},
		{EventCreateRequested, EventSessionCreated},
		{EventCreateRequested, EventSessionCreated, EventPeerJoined},
	} {
		sc := NewStateController()
		for _, ev := range setup {
			sc.Apply(ev)
		}
		assert.True(t, sc.Fail("relay unreachable"))
		assert.Equal(t, PhaseFailed, sc.Phase())
		assert.Equal(t, "relay unreachable", sc.FailReason())
	}
}

func TestTerminalPhasesStayPut(t *testing.T) {
	sc := NewStateController()
	sc.Apply(EventCreateRequested)
	sc.Apply(EventSessionCreated)
	sc.Apply(EventPeerJoined)
	sc.Apply(EventAnswerReceived)
	sc.Apply(EventChannelReady)
	assert.Equal(t, PhaseConnected, sc.Phase())

	assert.False(t, sc.Fail("too late"), "connected is terminal")
	assert.Equal(t, PhaseConnected, sc.Phase())

	sc2 := NewStateController()
	sc2.Fail("first")
	assert.False(t, sc2.Fail("second"))
	assert.Equal(t, "first", sc2.FailReason())
	assert.False(t, sc2.Apply(EventCreateRequested), "failed accepts no events")
}

func TestOnChangeFires(t *testing.T) {
	sc := NewStateController()
	var phases []Phase
	sc.OnChange = func(p Phase) { phases = append(phases, p) }

	sc.Apply(EventCreateRequested)
	sc.Apply(EventCreateRequested) // no change, no callback
	sc.Apply(EventSessionCreated)

	assert.Equal(t, []Phase{PhaseCreatingSession, PhaseWaitingForPeer}, phases)
}
