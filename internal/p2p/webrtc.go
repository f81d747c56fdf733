// internal/p2p/webrtc.go
package p2p

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
)

// dataChannelLabel names the single ordered channel all lobby traffic rides.
const dataChannelLabel = "duelink"

// DefaultWebRTCConfig uses a public STUN server, enough for the common
// NAT-traversal case. Callers with TURN infrastructure pass their own.
var DefaultWebRTCConfig = webrtc.Configuration{
	ICEServers: []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	},
}

// WebRTCTransport negotiates a pion data channel from the opaque
// offer/answer/candidate strings the signaling layer shuttles around.
// Offers and answers are JSON-encoded session descriptions; candidates are
// JSON-encoded ICECandidateInit values. Remote candidates arriving before
// the remote description are buffered; duplicates (the relay is
// at-least-once) are dropped by value.
type WebRTCTransport struct {
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	onLocal   func(string)
	onReady   func(Channel)
	pending   []webrtc.ICECandidateInit
	applied   map[string]bool
	remoteSet bool
	readySent bool
}

// NewWebRTCTransport builds a transport for one handshake. A zero config
// selects DefaultWebRTCConfig.
func NewWebRTCTransport(cfg webrtc.Configuration) (*WebRTCTransport, error) {
	if len(cfg.ICEServers) == 0 {
		cfg = DefaultWebRTCConfig
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	t := &WebRTCTransport{pc: pc, applied: make(map[string]bool)}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering finished
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		t.mu.Lock()
		fn := t.onLocal
		t.mu.Unlock()
		if fn != nil {
			fn(string(data))
		}
	})

	// Fires on the answering side when the offerer's channel arrives.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		t.wireDataChannel(dc)
	})

	return t, nil
}

// CreateOffer opens the data channel and produces the host's offer. Trickle
// ICE: the offer is returned immediately, candidates follow via
// OnLocalCandidate.
func (t *WebRTCTransport) CreateOffer() (string, error) {
	ordered := true
	dc, err := t.pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return "", fmt.Errorf("create data channel: %w", err)
	}
	t.wireDataChannel(dc)

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	data, err := json.Marshal(offer)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// AcceptOffer applies the host's offer and produces the client's answer.
func (t *WebRTCTransport) AcceptOffer(offer string) (string, error) {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal([]byte(offer), &sd); err != nil {
		return "", fmt.Errorf("decode offer: %w", err)
	}
	if err := t.pc.SetRemoteDescription(sd); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}
	t.flushPending()

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	data, err := json.Marshal(answer)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// AcceptAnswer applies the client's answer on the host side.
func (t *WebRTCTransport) AcceptAnswer(answer string) error {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal([]byte(answer), &sd); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	if err := t.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	t.flushPending()
	return nil
}

// AddRemoteCandidate feeds one peer candidate, buffering until the remote
// description is set and dropping duplicates by value.
func (t *WebRTCTransport) AddRemoteCandidate(candidate string) error {
	t.mu.Lock()
	if t.applied[candidate] {
		t.mu.Unlock()
		return nil
	}
	t.applied[candidate] = true

	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("decode candidate: %w", err)
	}
	if !t.remoteSet {
		t.pending = append(t.pending, init)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	return t.pc.AddICECandidate(init)
}

// OnLocalCandidate registers the forwarder for locally gathered candidates.
func (t *WebRTCTransport) OnLocalCandidate(fn func(candidate string)) {
	t.mu.Lock()
	t.onLocal = fn
	t.mu.Unlock()
}

// OnReady registers the callback fired once when the data channel opens.
func (t *WebRTCTransport) OnReady(fn func(ch Channel)) {
	t.mu.Lock()
	t.onReady = fn
	t.mu.Unlock()
}

// Close tears down the peer connection (and with it any open channel).
func (t *WebRTCTransport) Close() error {
	return t.pc.Close()
}

func (t *WebRTCTransport) flushPending() {
	t.mu.Lock()
	t.remoteSet = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()
	for _, init := range pending {
		_ = t.pc.AddICECandidate(init)
	}
}

func (t *WebRTCTransport) wireDataChannel(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		t.mu.Lock()
		fn := t.onReady
		fired := t.readySent
		t.readySent = true
		t.mu.Unlock()
		if !fired && fn != nil {
			fn(&webrtcChannel{dc: dc})
		}
	})
}

// webrtcChannel adapts a pion data channel to the Channel interface.
type webrtcChannel struct {
	dc *webrtc.DataChannel
}

func (c *webrtcChannel) Send(data []byte) error {
	if c.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelClosed
	}
	return c.dc.Send(data)
}

func (c *webrtcChannel) OnMessage(fn func(data []byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (c *webrtcChannel) OnClose(fn func(err error)) {
	c.dc.OnClose(func() {
		fn(nil)
	})
	c.dc.OnError(func(err error) {
		fn(err)
	})
}

func (c *webrtcChannel) Close() error {
	return c.dc.Close()
}
