// internal/p2p/service_test.go
package p2p

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duelink/duelink/internal/protocol"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

// connect wires two services together over an in-memory pipe, as if a
// handshake had just completed between them.
func connect(t *testing.T, a, b *Service) {
	t.Helper()
	chA, chB := Pipe()
	require.True(t, a.AddPeer(b.SelfID(), chA))
	require.True(t, b.AddPeer(a.SelfID(), chB))
}

func TestSendAndDispatch(t *testing.T) {
	host := NewService("host-1", quietLogger())
	client := NewService("client-1", quietLogger())

	var mu sync.Mutex
	var got []protocol.Message
	client.Handle(protocol.TypeChat, func(peerID string, msg protocol.Message) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})

	connect(t, host, client)

	require.NoError(t, host.SendTo("client-1", protocol.TypeChat, protocol.Chat{Text: "hello"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "host-1", got[0].SenderID, "sender stamped by the service")
	assert.NotZero(t, got[0].Timestamp, "timestamp stamped by the service")

	var chat protocol.Chat
	require.NoError(t, got[0].DecodePayload(&chat))
	assert.Equal(t, "hello", chat.Text)
}

func TestBroadcastReachesAllPeers(t *testing.T) {
	host := NewService("host-1", quietLogger())

	var mu sync.Mutex
	received := map[string]string{}
	for _, id := range []string{"c1", "c2", "c3"} {
		peer := NewService(id, quietLogger())
		peerID := id
		peer.Handle(protocol.TypeEmote, func(_ string, msg protocol.Message) {
			var e protocol.Emote
			require.NoError(t, msg.DecodePayload(&e))
			mu.Lock()
			received[peerID] = e.Emote
			mu.Unlock()
		})
		connect(t, host, peer)
	}

	require.NoError(t, host.Broadcast(protocol.TypeEmote, protocol.Emote{Emote: "wave"}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]string{"c1": "wave", "c2": "wave", "c3": "wave"}, received)
}

func TestForwardPreservesSenderAndSkipsOrigin(t *testing.T) {
	host := NewService("host-1", quietLogger())
	origin := NewService("c1", quietLogger())
	other := NewService("c2", quietLogger())

	var mu sync.Mutex
	var originGot, otherGot []protocol.Message
	collect := func(dst *[]protocol.Message) Handler {
		return func(_ string, msg protocol.Message) {
			mu.Lock()
			*dst = append(*dst, msg)
			mu.Unlock()
		}
	}
	origin.Handle(protocol.TypeChat, collect(&originGot))
	other.Handle(protocol.TypeChat, collect(&otherGot))

	// Host relays whatever chat it receives, star topology style.
	host.Handle(protocol.TypeChat, func(peerID string, msg protocol.Message) {
		host.Forward(peerID, msg)
	})

	connect(t, host, origin)
	connect(t, host, other)

	require.NoError(t, origin.SendTo("host-1", protocol.TypeChat, protocol.Chat{Text: "hey all"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, otherGot, 1)
	assert.Equal(t, "c1", otherGot[0].SenderID, "original sender preserved through relay")
	assert.Empty(t, originGot, "origin must not get its own message back")
}

func TestAddPeerIdempotent(t *testing.T) {
	host := NewService("host-1", quietLogger())
	chA, _ := Pipe()
	chB, _ := Pipe()

	assert.True(t, host.AddPeer("c1", chA))
	assert.False(t, host.AddPeer("c1", chB), "duplicate connect is a no-op")
	assert.Len(t, host.Peers(), 1)
}

func TestRemovePeerIdempotentAndNotifies(t *testing.T) {
	host := NewService("host-1", quietLogger())

	var mu sync.Mutex
	var gone []string
	host.OnPeerDisconnected = func(peerID string) {
		mu.Lock()
		gone = append(gone, peerID)
		mu.Unlock()
	}

	ch, _ := Pipe()
	host.AddPeer("c1", ch)
	host.RemovePeer("c1")
	host.RemovePeer("c1")
	host.RemovePeer("never-added")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"c1"}, gone)
	assert.Empty(t, host.Peers())

	assert.Error(t, host.SendTo("c1", protocol.TypeChat, protocol.Chat{Text: "x"}))
}

func TestChannelCloseDetachesPeer(t *testing.T) {
	host := NewService("host-1", quietLogger())
	client := NewService("c1", quietLogger())

	var mu sync.Mutex
	var gone []string
	host.OnPeerDisconnected = func(peerID string) {
		mu.Lock()
		gone = append(gone, peerID)
		mu.Unlock()
	}

	chA, chB := Pipe()
	host.AddPeer("c1", chA)
	client.AddPeer("host-1", chB)

	// The remote end drops; the host's close callback must detach the peer.
	client.RemovePeer("host-1")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"c1"}, gone)
	assert.Empty(t, host.Peers())
}

func TestMalformedInboundIsDropped(t *testing.T) {
	host := NewService("host-1", quietLogger())

	handled := false
	host.Handle(protocol.TypeChat, func(string, protocol.Message) { handled = true })

	chA, chB := Pipe()
	host.AddPeer("c1", chA)

	require.NoError(t, chB.Send([]byte(`{{not json`)))
	require.NoError(t, chB.Send([]byte(`{"type":"who-knows","senderId":"c1"}`)))
	assert.False(t, handled)
	assert.Len(t, host.Peers(), 1, "bad frames never kill the channel")
}

func TestInboundErrorRoutesToCallback(t *testing.T) {
	host := NewService("host-1", quietLogger())

	var mu sync.Mutex
	var errsFrom []string
	var payloads []protocol.ErrorPayload
	host.OnError = func(peerID string, perr protocol.ErrorPayload) {
		mu.Lock()
		errsFrom = append(errsFrom, peerID)
		payloads = append(payloads, perr)
		mu.Unlock()
	}
	handled := false
	host.Handle(protocol.TypeError, func(string, protocol.Message) { handled = true })

	chA, chB := Pipe()
	host.AddPeer("c1", chA)

	raw, err := json.Marshal(protocol.ErrorPayload{Code: "join-rejected", Message: "lobby full"})
	require.NoError(t, err)
	frame, err := protocol.Encode(protocol.Message{
		Type: protocol.TypeError, SenderID: "c1", Timestamp: 1, Payload: raw,
	})
	require.NoError(t, err)
	require.NoError(t, chB.Send(frame))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"c1"}, errsFrom)
	require.Len(t, payloads, 1)
	assert.Equal(t, "join-rejected", payloads[0].Code)
	assert.False(t, handled, "error messages bypass normal dispatch")
}

func TestPipeBuffersUntilHandler(t *testing.T) {
	a, b := Pipe()
	require.NoError(t, a.Send([]byte("one")))
	require.NoError(t, a.Send([]byte("two")))

	var got []string
	b.OnMessage(func(data []byte) { got = append(got, string(data)) })
	assert.Equal(t, []string{"one", "two"}, got)

	require.NoError(t, b.Close())
	assert.ErrorIs(t, a.Send([]byte("late")), ErrChannelClosed)
}
