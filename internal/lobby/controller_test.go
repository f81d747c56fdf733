// internal/lobby/controller_test.go
package lobby

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duelink/duelink/internal/p2p"
	"github.com/duelink/duelink/internal/protocol"
	"github.com/duelink/duelink/internal/relay"
	"github.com/duelink/duelink/internal/session"
	"github.com/duelink/duelink/internal/signaling"
)

// fakeTransport stands in for the data-channel negotiation: the offer/answer
// strings are tokens, and the "channel" that opens is an in-memory pipe to
// the paired end. As with a real channel, neither end is ready until the
// host has applied the answer, so AcceptAnswer is what fires both ends.
type fakeTransport struct {
	mu         sync.Mutex
	ch         p2p.Channel
	peer       *fakeTransport
	onReady    func(p2p.Channel)
	onLocal    func(string)
	readyFired bool
	remote     []string
}

func newTransportPair() (*fakeTransport, *fakeTransport) {
	hostCh, clientCh := p2p.Pipe()
	h := &fakeTransport{ch: hostCh}
	c := &fakeTransport{ch: clientCh}
	h.peer, c.peer = c, h
	return h, c
}

func (f *fakeTransport) CreateOffer() (string, error) { return "fake-offer", nil }

func (f *fakeTransport) AcceptOffer(offer string) (string, error) {
	if offer != "fake-offer" {
		return "", fmt.Errorf("unexpected offer %q", offer)
	}
	return "fake-answer", nil
}

func (f *fakeTransport) AcceptAnswer(answer string) error {
	if answer != "fake-answer" {
		return fmt.Errorf("unexpected answer %q", answer)
	}
	f.peer.fireReady()
	f.fireReady()
	return nil
}

func (f *fakeTransport) AddRemoteCandidate(c string) error {
	f.mu.Lock()
	f.remote = append(f.remote, c)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) OnLocalCandidate(fn func(string)) {
	f.mu.Lock()
	f.onLocal = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnReady(fn func(p2p.Channel)) {
	f.mu.Lock()
	f.onReady = fn
	fire := f.readyFired
	ch := f.ch
	f.mu.Unlock()
	if fire {
		fn(ch)
	}
}

func (f *fakeTransport) fireReady() {
	f.mu.Lock()
	if f.readyFired {
		f.mu.Unlock()
		return
	}
	f.readyFired = true
	fn := f.onReady
	ch := f.ch
	f.mu.Unlock()
	if fn != nil {
		fn(ch)
	}
}

func (f *fakeTransport) Close() error { return f.ch.Close() }

func transportQueue(trs ...*fakeTransport) TransportFactory {
	var mu sync.Mutex
	i := 0
	return func() (p2p.Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(trs) {
			return nil, fmt.Errorf("no transport left in queue")
		}
		tr := trs[i]
		i++
		return tr, nil
	}
}

func startTestRelay(t *testing.T) *httptest.Server {
	t.Helper()
	log := quietLogger()
	store := session.NewMemoryStore(log)
	ts := httptest.NewServer(relay.NewServer(log, store, time.Minute).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func sigFactory(baseURL string) SignalFactory {
	return func() *signaling.Client {
		return signaling.NewClient(baseURL,
			signaling.WithPollInterval(20*time.Millisecond),
			signaling.WithLogger(quietLogger()),
		)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func playerNames(l *GameLobby) []string {
	if l == nil {
		return nil
	}
	names := make([]string, len(l.Players))
	for i, p := range l.Players {
		names[i] = p.Name
	}
	return names
}

func TestLobbyFlowHostAndClient(t *testing.T) {
	ts := startTestRelay(t)
	ctx := context.Background()

	hostTr, clientTr := newTransportPair()
	host := NewController("Riley", nil, sigFactory(ts.URL), transportQueue(hostTr), quietLogger())
	client := NewController("Ari", nil, sigFactory(ts.URL), transportQueue(clientTr), quietLogger())
	defer host.LeaveGame()
	defer client.LeaveGame()

	var mu sync.Mutex
	var accepted *protocol.ConnectionAccept
	var clientSnaps []Snapshot
	var hostChats []string
	client.OnAccepted = func(a protocol.ConnectionAccept) {
		mu.Lock()
		accepted = &a
		mu.Unlock()
	}
	client.OnLobbyUpdate = func(s Snapshot) {
		mu.Lock()
		clientSnaps = append(clientSnaps, s)
		mu.Unlock()
	}
	host.OnChat = func(senderID string, chat protocol.Chat, _ int64) {
		mu.Lock()
		hostChats = append(hostChats, senderID+":"+chat.Text)
		mu.Unlock()
	}

	created, err := host.CreateLobby(ctx, Config{Format: "standard", MaxPlayers: 4, MinPlayers: 2})
	require.NoError(t, err)
	require.Len(t, created.GameCode, 6)

	require.NoError(t, client.JoinByCode(ctx, created.GameCode))

	waitFor(t, "both seats filled on the host", func() bool {
		l := host.Lobby()
		return l != nil && len(l.Players) == 2
	})
	assert.ElementsMatch(t, []string{"Riley", "Ari"}, playerNames(host.Lobby()))

	waitFor(t, "client admission", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return accepted != nil
	})
	mu.Lock()
	assert.Equal(t, "Riley", accepted.HostName)
	assert.Equal(t, created.GameCode, accepted.GameCode)
	mu.Unlock()

	waitFor(t, "client roster projection", func() bool {
		mu.Lock()
		defer mu.Unlock()
		if len(clientSnaps) == 0 {
			return false
		}
		return len(clientSnaps[len(clientSnaps)-1].Players) == 2
	})

	waitFor(t, "both handshakes connected", func() bool {
		return host.Phase() == signaling.PhaseConnected && client.Phase() == signaling.PhaseConnected
	})

	// Chat flows client -> host.
	require.NoError(t, client.SendChat("glhf"))
	waitFor(t, "chat delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(hostChats) == 1
	})
	mu.Lock()
	assert.Equal(t, client.SelfID()+":glhf", hostChats[0])
	mu.Unlock()

	// Ready up and bind decks on both sides.
	deck := json.RawMessage(`{"cards":["island","island"]}`)
	_, err = host.BindDeck("d-host", "Mono U", deck)
	require.NoError(t, err)
	require.NoError(t, host.SetReady(true))
	_, err = client.BindDeck("d-client", "Mono R", deck)
	require.NoError(t, err)
	require.NoError(t, client.SetReady(true))

	waitFor(t, "host sees everyone ready with decks", func() bool {
		l := host.Lobby()
		if l == nil || len(l.Players) != 2 {
			return false
		}
		for _, p := range l.Players {
			if p.Status != PlayerReady || !p.HasDeck() {
				return false
			}
		}
		return true
	})

	require.NoError(t, host.StartGame())
	assert.Equal(t, StatusInProgress, host.Lobby().Status)

	waitFor(t, "client sees the game start", func() bool {
		l := client.Lobby()
		return l != nil && l.Status == StatusInProgress
	})
}

func TestStartGameGuards(t *testing.T) {
	ts := startTestRelay(t)
	hostTr, _ := newTransportPair()
	host := NewController("Riley", nil, sigFactory(ts.URL), transportQueue(hostTr), quietLogger())
	defer host.LeaveGame()

	_, err := host.CreateLobby(context.Background(), Config{MaxPlayers: 4, MinPlayers: 2})
	require.NoError(t, err)

	assert.ErrorIs(t, host.StartGame(), ErrCannotStart, "host alone cannot start")
	assert.ErrorIs(t, host.ForceStart(), ErrCannotStart)

	clientTr, _ := newTransportPair()
	client := NewController("Ari", nil, sigFactory(ts.URL), transportQueue(clientTr), quietLogger())
	defer client.LeaveGame()
	assert.ErrorIs(t, client.StartGame(), ErrNotHost)
	_, err = client.OpenSlot(context.Background())
	assert.ErrorIs(t, err, ErrNotHost)
}

func TestThirdPlayerViaOpenSlot(t *testing.T) {
	ts := startTestRelay(t)
	ctx := context.Background()

	hostTr1, ariTr := newTransportPair()
	hostTr2, samTr := newTransportPair()
	host := NewController("Riley", nil, sigFactory(ts.URL), transportQueue(hostTr1, hostTr2), quietLogger())
	ari := NewController("Ari", nil, sigFactory(ts.URL), transportQueue(ariTr), quietLogger())
	sam := NewController("Sam", nil, sigFactory(ts.URL), transportQueue(samTr), quietLogger())
	defer host.LeaveGame()
	defer ari.LeaveGame()
	defer sam.LeaveGame()

	var mu sync.Mutex
	var samChats []string
	sam.OnChat = func(senderID string, chat protocol.Chat, _ int64) {
		mu.Lock()
		samChats = append(samChats, senderID+":"+chat.Text)
		mu.Unlock()
	}

	created, err := host.CreateLobby(ctx, Config{MaxPlayers: 4, MinPlayers: 2})
	require.NoError(t, err)
	require.NoError(t, ari.JoinByCode(ctx, created.GameCode))

	waitFor(t, "first client seated", func() bool {
		l := host.Lobby()
		return l != nil && len(l.Players) == 2
	})

	// Each relay session is two-party; a fresh one is armed per extra peer.
	code2, err := host.OpenSlot(ctx)
	require.NoError(t, err)
	require.NotEqual(t, created.GameCode, code2)
	require.NoError(t, sam.JoinByCode(ctx, code2))

	waitFor(t, "second client seated", func() bool {
		l := host.Lobby()
		return l != nil && len(l.Players) == 3
	})
	assert.ElementsMatch(t, []string{"Riley", "Ari", "Sam"}, playerNames(host.Lobby()))

	waitFor(t, "sam sees the full roster", func() bool {
		l := sam.Lobby()
		return l != nil && len(l.Players) == 3
	})

	// Ari's chat reaches Sam through the host relay, sender intact.
	require.NoError(t, ari.SendChat("hi sam"))
	waitFor(t, "relayed chat", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(samChats) == 1
	})
	mu.Lock()
	assert.Equal(t, ari.SelfID()+":hi sam", samChats[0])
	mu.Unlock()
}

func TestClientLeaveFreesSeat(t *testing.T) {
	ts := startTestRelay(t)
	ctx := context.Background()

	hostTr, clientTr := newTransportPair()
	host := NewController("Riley", nil, sigFactory(ts.URL), transportQueue(hostTr), quietLogger())
	client := NewController("Ari", nil, sigFactory(ts.URL), transportQueue(clientTr), quietLogger())
	defer host.LeaveGame()

	created, err := host.CreateLobby(ctx, Config{MaxPlayers: 4, MinPlayers: 2})
	require.NoError(t, err)
	require.NoError(t, client.JoinByCode(ctx, created.GameCode))
	waitFor(t, "client seated", func() bool {
		l := host.Lobby()
		return l != nil && len(l.Players) == 2
	})

	client.LeaveGame()

	waitFor(t, "seat freed on the host", func() bool {
		l := host.Lobby()
		return l != nil && len(l.Players) == 1
	})
}

func TestHostLeaveClosesClientLobby(t *testing.T) {
	ts := startTestRelay(t)
	ctx := context.Background()

	hostTr, clientTr := newTransportPair()
	host := NewController("Riley", nil, sigFactory(ts.URL), transportQueue(hostTr), quietLogger())
	client := NewController("Ari", nil, sigFactory(ts.URL), transportQueue(clientTr), quietLogger())
	defer client.LeaveGame()

	created, err := host.CreateLobby(ctx, Config{MaxPlayers: 4, MinPlayers: 2})
	require.NoError(t, err)
	require.NoError(t, client.JoinByCode(ctx, created.GameCode))
	waitFor(t, "client projection populated", func() bool {
		l := client.Lobby()
		return l != nil && len(l.Players) == 2
	})

	host.LeaveGame()

	waitFor(t, "client lobby closed", func() bool {
		l := client.Lobby()
		return l != nil && l.Status == StatusClosed
	})
}

func TestJoinUnknownCode(t *testing.T) {
	ts := startTestRelay(t)
	tr, _ := newTransportPair()
	client := NewController("Ari", nil, sigFactory(ts.URL), transportQueue(tr), quietLogger())
	defer client.LeaveGame()

	err := client.JoinByCode(context.Background(), "ZZZZZZ")
	assert.ErrorIs(t, err, signaling.ErrSessionNotFound)
	assert.Equal(t, signaling.PhaseFailed, client.Phase())
}
