// internal/lobby/controller.go
package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/duelink/duelink/internal/identity"
	"github.com/duelink/duelink/internal/p2p"
	"github.com/duelink/duelink/internal/protocol"
	"github.com/duelink/duelink/internal/session"
	"github.com/duelink/duelink/internal/signaling"
)

// Player actions the host applies on behalf of clients. Anything else in a
// player-action message is game traffic: surfaced locally and relayed.
const (
	actionSetStatus = "set-status"
	actionBindDeck  = "bind-deck"
)

// SignalFactory builds one signaling client per handshake slot.
type SignalFactory func() *signaling.Client

// TransportFactory builds one peer transport per handshake slot.
type TransportFactory func() (p2p.Transport, error)

// ErrNotHost guards host-only operations.
var ErrNotHost = errors.New("operation is host-only")

// Controller composes the signaling client, the P2P message service and the
// lobby manager into the flow the application shell uses: create a lobby,
// join by code, chat, ready up, start. The relay session is strictly
// two-party, so the host runs one handshake slot per joining peer; the
// message service and the lobby model are N-peer.
type Controller struct {
	log        *logrus.Logger
	mgr        *Manager
	svc        *p2p.Service
	signals    SignalFactory
	transports TransportFactory

	selfID   string
	selfName string
	isHost   bool

	mu     sync.Mutex
	slots  []*slot
	state  *signaling.StateController // active handshake's machine
	hostID string                     // client side: the admitting host

	// OnPhaseChange tracks the active handshake.
	OnPhaseChange func(signaling.Phase)
	// OnLobbyUpdate fires whenever the local lobby view changes.
	OnLobbyUpdate func(snap Snapshot)
	// OnAccepted fires on the client once the host admits it.
	OnAccepted func(accept protocol.ConnectionAccept)
	// OnChat, OnEmote and OnAction surface inbound (and locally echoed)
	// traffic for the UI.
	OnChat   func(senderID string, chat protocol.Chat, timestamp int64)
	OnEmote  func(senderID string, emote protocol.Emote, timestamp int64)
	OnAction func(senderID string, action protocol.PlayerAction, timestamp int64)
	// OnError receives handshake and protocol errors.
	OnError func(err error)
}

// slot is one in-flight or completed two-party handshake.
type slot struct {
	sig   *signaling.Client
	tr    p2p.Transport
	state *signaling.StateController

	mu            sync.Mutex
	peerID        string
	pendingCh     p2p.Channel // channel ready before the peer id was known
	offerHandled  bool
	answerApplied bool
	done          bool
}

// NewController builds a controller for one participant. The participant id
// is generated here and used for both signaling identity and message
// stamping.
func NewController(selfName string, validator DeckValidator, signals SignalFactory, transports TransportFactory, log *logrus.Logger) *Controller {
	if log == nil {
		log = logrus.New()
	}
	selfID := identity.NewPlayerID()
	c := &Controller{
		log:        log,
		mgr:        NewManager(validator, log),
		svc:        p2p.NewService(selfID, log),
		signals:    signals,
		transports: transports,
		selfID:     selfID,
		selfName:   selfName,
		state:      signaling.NewStateController(),
	}
	c.svc.OnPeerDisconnected = c.handlePeerGone
	c.svc.OnError = func(peerID string, perr protocol.ErrorPayload) {
		c.fireError(fmt.Errorf("peer %s reported %s: %s", peerID, perr.Code, perr.Message))
	}
	c.registerHandlers()
	return c
}

// SelfID returns this participant's id.
func (c *Controller) SelfID() string { return c.selfID }

// Phase returns the active handshake's phase.
func (c *Controller) Phase() signaling.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Phase()
}

// Lobby returns the local lobby view (authoritative on the host, projected
// on clients).
func (c *Controller) Lobby() *GameLobby { return c.mgr.Lobby() }

// CreateLobby registers a relay session, allocates the lobby around the
// relay-issued game code and arms the first handshake slot. Host side only.
func (c *Controller) CreateLobby(ctx context.Context, cfg Config) (*GameLobby, error) {
	c.mu.Lock()
	c.isHost = true
	c.mu.Unlock()

	code, err := c.openSlot(ctx)
	if err != nil {
		return nil, err
	}
	cfg.GameCode = code
	lobby := c.mgr.CreateLobby(cfg, c.selfID, c.selfName)
	return lobby, nil
}

// OpenSlot arms a fresh relay session for the next joining peer once the
// previous handshake completed. Returns the new session's game code. Host
// side only; fails once the lobby has left the open state or is full.
func (c *Controller) OpenSlot(ctx context.Context) (string, error) {
	c.mu.Lock()
	isHost := c.isHost
	c.mu.Unlock()
	if !isHost {
		return "", ErrNotHost
	}
	lobby := c.mgr.Lobby()
	if lobby == nil || lobby.Status != StatusOpen {
		return "", ErrLobbyNotOpen
	}
	if len(lobby.Players) >= lobby.MaxPlayers {
		return "", ErrLobbyFull
	}
	return c.openSlot(ctx)
}

// openSlot runs the host side of one handshake: create session, publish the
// offer, poll for the client's answer and candidates.
func (c *Controller) openSlot(ctx context.Context) (string, error) {
	sig := c.signals()
	tr, err := c.transports()
	if err != nil {
		return "", fmt.Errorf("create transport: %w", err)
	}
	sl := &slot{sig: sig, tr: tr, state: signaling.NewStateController()}
	c.activateSlot(sl)

	sl.state.Apply(signaling.EventCreateRequested)

	sig.OnUpdate = func(view *session.Session) { c.hostUpdate(sl, view) }
	sig.OnError = func(err error) { c.slotError(sl, err) }
	tr.OnLocalCandidate(func(cand string) {
		if err := sig.SendICECandidate(context.Background(), cand); err != nil {
			c.log.WithError(err).Debug("candidate send failed")
		}
	})
	tr.OnReady(func(ch p2p.Channel) { c.slotReady(sl, ch) })

	info, err := sig.CreateSession(ctx, c.selfID, c.selfName)
	if err != nil {
		sl.state.Fail(err.Error())
		tr.Close()
		return "", err
	}

	offer, err := tr.CreateOffer()
	if err != nil {
		sl.state.Fail(err.Error())
		c.teardownSlot(sl)
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := sig.SendOffer(ctx, offer); err != nil {
		sl.state.Fail(err.Error())
		c.teardownSlot(sl)
		return "", fmt.Errorf("publish offer: %w", err)
	}

	sl.state.Apply(signaling.EventSessionCreated)
	return info.GameCode, nil
}

// JoinByCode joins an existing lobby as a client: resolve the code, answer
// the host's offer, then introduce ourselves over the established channel.
func (c *Controller) JoinByCode(ctx context.Context, gameCode string) error {
	sig := c.signals()
	tr, err := c.transports()
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	sl := &slot{sig: sig, tr: tr, state: signaling.NewStateController()}
	c.mu.Lock()
	c.isHost = false
	c.mu.Unlock()
	c.activateSlot(sl)

	sl.state.Apply(signaling.EventJoinRequested)

	// Callbacks must be in place before JoinSession: the join response is
	// delivered through OnUpdate synchronously and may already carry the
	// offer.
	sig.OnUpdate = func(view *session.Session) { c.clientUpdate(sl, view) }
	sig.OnError = func(err error) { c.slotError(sl, err) }
	tr.OnLocalCandidate(func(cand string) {
		if err := sig.SendICECandidate(context.Background(), cand); err != nil {
			c.log.WithError(err).Debug("candidate send failed")
		}
	})
	tr.OnReady(func(ch p2p.Channel) { c.slotReady(sl, ch) })

	if _, err := sig.JoinSession(ctx, gameCode, c.selfID, c.selfName); err != nil {
		sl.state.Fail(err.Error())
		tr.Close()
		return err
	}
	return nil
}

// hostUpdate reconciles one poll view on the host side.
func (c *Controller) hostUpdate(sl *slot, view *session.Session) {
	if view.ClientID != "" {
		sl.mu.Lock()
		sl.peerID = view.ClientID
		pending := sl.pendingCh
		sl.pendingCh = nil
		sl.mu.Unlock()
		sl.state.Apply(signaling.EventPeerJoined)
		if pending != nil {
			c.attachPeer(sl, view.ClientID, pending)
		}
	}
	if view.Answer != "" {
		sl.mu.Lock()
		apply := !sl.answerApplied
		sl.answerApplied = true
		sl.mu.Unlock()
		if apply {
			if err := sl.tr.AcceptAnswer(view.Answer); err != nil {
				c.slotError(sl, fmt.Errorf("apply answer: %w", err))
				return
			}
			sl.state.Apply(signaling.EventAnswerReceived)
		}
	}
	for _, cand := range view.ClientCandidates {
		if err := sl.tr.AddRemoteCandidate(cand); err != nil {
			c.log.WithError(err).Debug("bad remote candidate dropped")
		}
	}
}

// clientUpdate reconciles one poll view (or the join response) on the
// client side.
func (c *Controller) clientUpdate(sl *slot, view *session.Session) {
	if view.HostID != "" {
		sl.mu.Lock()
		sl.peerID = view.HostID
		sl.mu.Unlock()
		c.mu.Lock()
		c.hostID = view.HostID
		c.mu.Unlock()
	}

	if view.Offer == "" {
		sl.state.Apply(signaling.EventSessionJoined)
	} else {
		sl.mu.Lock()
		handle := !sl.offerHandled
		sl.offerHandled = true
		sl.mu.Unlock()
		if handle {
			sl.state.Apply(signaling.EventOfferReceived)
			answer, err := sl.tr.AcceptOffer(view.Offer)
			if err != nil {
				c.slotError(sl, fmt.Errorf("answer offer: %w", err))
				return
			}
			if err := sl.sig.SendAnswer(context.Background(), answer); err != nil {
				c.slotError(sl, fmt.Errorf("publish answer: %w", err))
				return
			}
			sl.state.Apply(signaling.EventAnswerReceived)
		}
	}

	for _, cand := range view.HostCandidates {
		if err := sl.tr.AddRemoteCandidate(cand); err != nil {
			c.log.WithError(err).Debug("bad remote candidate dropped")
		}
	}
}

// slotReady runs when the peer channel opens. The signaling session has done
// its job: release the poll timer before attaching the channel.
func (c *Controller) slotReady(sl *slot, ch p2p.Channel) {
	sl.mu.Lock()
	peerID := sl.peerID
	if peerID == "" {
		// Channel opened before a poll told us who joined; attach when the
		// next view names the peer.
		sl.pendingCh = ch
		sl.mu.Unlock()
		return
	}
	sl.mu.Unlock()
	c.attachPeer(sl, peerID, ch)
}

func (c *Controller) attachPeer(sl *slot, peerID string, ch p2p.Channel) {
	sl.mu.Lock()
	if sl.done {
		sl.mu.Unlock()
		return
	}
	sl.done = true
	sl.mu.Unlock()

	code := ""
	if info := sl.sig.Info(); info != nil {
		code = info.GameCode
	}
	sl.sig.Close(context.Background())
	sl.sig.Destroy()

	c.svc.AddPeer(peerID, ch)
	sl.state.Apply(signaling.EventChannelReady)

	c.mu.Lock()
	isHost := c.isHost
	c.mu.Unlock()
	if !isHost {
		err := c.svc.SendTo(peerID, protocol.TypeConnectionRequest, protocol.ConnectionRequest{
			PlayerName: c.selfName,
			GameCode:   code,
		})
		if err != nil {
			c.fireError(fmt.Errorf("connection request: %w", err))
		}
	}
}

// slotError routes signaling failures: surface once, mark the handshake
// failed. failed is terminal — the caller starts a fresh handshake if it
// wants to retry.
func (c *Controller) slotError(sl *slot, err error) {
	sl.mu.Lock()
	done := sl.done
	sl.mu.Unlock()
	if done {
		// The channel is up and the session torn down; a late poll error
		// (typically expiry of the already-deleted session) means nothing.
		return
	}
	c.fireError(err)
	sl.state.Fail(err.Error())
}

func (c *Controller) fireError(err error) {
	c.log.WithError(err).Warn("lobby controller error")
	if cb := c.OnError; cb != nil {
		cb(err)
	}
}

func (c *Controller) activateSlot(sl *slot) {
	sl.state.OnChange = func(p signaling.Phase) {
		if cb := c.OnPhaseChange; cb != nil {
			cb(p)
		}
	}
	c.mu.Lock()
	c.slots = append(c.slots, sl)
	c.state = sl.state
	c.mu.Unlock()
}

func (c *Controller) teardownSlot(sl *slot) {
	sl.sig.Close(context.Background())
	sl.sig.Destroy()
	sl.tr.Close()
}

// registerHandlers wires the inbound protocol dispatch. Behavior branches on
// role: the host is authoritative and relays, clients project.
func (c *Controller) registerHandlers() {
	c.svc.Handle(protocol.TypeConnectionRequest, c.handleConnectionRequest)
	c.svc.Handle(protocol.TypeConnectionAccept, c.handleConnectionAccept)
	c.svc.Handle(protocol.TypeGameStateSync, c.handleGameStateSync)
	c.svc.Handle(protocol.TypeChat, c.handleChat)
	c.svc.Handle(protocol.TypeEmote, c.handleEmote)
	c.svc.Handle(protocol.TypePlayerAction, c.handlePlayerAction)
}

// handleConnectionRequest admits a transport-connected peer into the lobby.
// This is the application-level handshake: it is what creates the Player.
func (c *Controller) handleConnectionRequest(peerID string, msg protocol.Message) {
	c.mu.Lock()
	isHost := c.isHost
	c.mu.Unlock()
	if !isHost {
		c.log.WithField("peer", peerID).Warn("ignoring connection-request: not hosting")
		return
	}
	var req protocol.ConnectionRequest
	if err := msg.DecodePayload(&req); err != nil {
		c.log.WithError(err).Warn("dropping malformed connection-request")
		return
	}

	if err := c.mgr.AddPlayer(msg.SenderID, req.PlayerName); err != nil && !errors.Is(err, ErrDuplicatePlayer) {
		_ = c.svc.SendTo(peerID, protocol.TypeError, protocol.ErrorPayload{
			Code:    "join-rejected",
			Message: err.Error(),
		})
		c.svc.RemovePeer(peerID)
		return
	}

	lobby := c.mgr.Lobby()
	_ = c.svc.SendTo(peerID, protocol.TypeConnectionAccept, protocol.ConnectionAccept{
		HostName: c.selfName,
		GameCode: lobby.GameCode,
	})
	c.broadcastSync()
}

func (c *Controller) handleConnectionAccept(peerID string, msg protocol.Message) {
	var accept protocol.ConnectionAccept
	if err := msg.DecodePayload(&accept); err != nil {
		c.log.WithError(err).Warn("dropping malformed connection-accept")
		return
	}
	c.log.WithFields(logrus.Fields{
		"host":      accept.HostName,
		"game_code": accept.GameCode,
	}).Info("admitted to lobby")
	if cb := c.OnAccepted; cb != nil {
		cb(accept)
	}
}

// handleGameStateSync applies the host's authoritative snapshot, superseding
// any optimistic local state.
func (c *Controller) handleGameStateSync(peerID string, msg protocol.Message) {
	c.mu.Lock()
	isHost := c.isHost
	c.mu.Unlock()
	if isHost {
		return // the host never applies snapshots
	}
	snap, err := DecodeSnapshot(msg.Payload)
	if err != nil {
		c.log.WithError(err).Warn("dropping malformed game-state-sync")
		return
	}
	c.mgr.ApplySnapshot(snap)
	if cb := c.OnLobbyUpdate; cb != nil {
		cb(snap)
	}
}

func (c *Controller) handleChat(peerID string, msg protocol.Message) {
	var chat protocol.Chat
	if err := msg.DecodePayload(&chat); err != nil {
		c.log.WithError(err).Warn("dropping malformed chat")
		return
	}
	if cb := c.OnChat; cb != nil {
		cb(msg.SenderID, chat, msg.Timestamp)
	}
	c.relay(peerID, msg)
}

func (c *Controller) handleEmote(peerID string, msg protocol.Message) {
	var emote protocol.Emote
	if err := msg.DecodePayload(&emote); err != nil {
		c.log.WithError(err).Warn("dropping malformed emote")
		return
	}
	if cb := c.OnEmote; cb != nil {
		cb(msg.SenderID, emote, msg.Timestamp)
	}
	c.relay(peerID, msg)
}

// handlePlayerAction applies lobby-scoped actions on the host and surfaces
// everything else as game traffic.
func (c *Controller) handlePlayerAction(peerID string, msg protocol.Message) {
	var action protocol.PlayerAction
	if err := msg.DecodePayload(&action); err != nil {
		c.log.WithError(err).Warn("dropping malformed player-action")
		return
	}

	c.mu.Lock()
	isHost := c.isHost
	c.mu.Unlock()

	if isHost {
		switch action.Action {
		case actionSetStatus:
			var body struct {
				Status PlayerStatus `json:"status"`
			}
			if err := json.Unmarshal(action.Data, &body); err == nil {
				if err := c.mgr.UpdatePlayerStatus(msg.SenderID, body.Status); err != nil {
					c.log.WithError(err).Debug("status update rejected")
				}
			}
			c.broadcastSync()
			return
		case actionBindDeck:
			var body struct {
				DeckID   string          `json:"deckId"`
				DeckName string          `json:"deckName"`
				Deck     json.RawMessage `json:"deck"`
			}
			if err := json.Unmarshal(action.Data, &body); err == nil {
				if _, err := c.mgr.UpdatePlayerDeck(msg.SenderID, body.DeckID, body.DeckName, body.Deck); err != nil {
					c.log.WithError(err).Debug("deck bind rejected")
				}
			}
			c.broadcastSync()
			return
		}
	}

	if cb := c.OnAction; cb != nil {
		cb(msg.SenderID, action, msg.Timestamp)
	}
	c.relay(peerID, msg)
}

// relay re-broadcasts client traffic to the other peers when hosting a star
// topology. Original sender and timestamp are preserved.
func (c *Controller) relay(fromPeer string, msg protocol.Message) {
	c.mu.Lock()
	isHost := c.isHost
	c.mu.Unlock()
	if isHost {
		c.svc.Forward(fromPeer, msg)
	}
}

// SendChat broadcasts a chat line, with immediate local echo.
func (c *Controller) SendChat(text string) error {
	chat := protocol.Chat{Text: text}
	if cb := c.OnChat; cb != nil {
		cb(c.selfID, chat, 0)
	}
	return c.svc.Broadcast(protocol.TypeChat, chat)
}

// SendEmote broadcasts an emote, with immediate local echo.
func (c *Controller) SendEmote(name string) error {
	emote := protocol.Emote{Emote: name}
	if cb := c.OnEmote; cb != nil {
		cb(c.selfID, emote, 0)
	}
	return c.svc.Broadcast(protocol.TypeEmote, emote)
}

// SendAction broadcasts a game action.
func (c *Controller) SendAction(action string, data json.RawMessage) error {
	return c.svc.Broadcast(protocol.TypePlayerAction, protocol.PlayerAction{
		Action: action,
		Data:   data,
	})
}

// SetReady flips our readiness. The host mutates directly and syncs;
// clients apply an optimistic local echo and ask the host, whose next
// snapshot is authoritative either way.
func (c *Controller) SetReady(ready bool) error {
	status := PlayerNotReady
	if ready {
		status = PlayerReady
	}
	c.mu.Lock()
	isHost := c.isHost
	c.mu.Unlock()

	if isHost {
		if err := c.mgr.UpdatePlayerStatus(c.selfID, status); err != nil {
			return err
		}
		c.broadcastSync()
		return nil
	}

	_ = c.mgr.UpdatePlayerStatus(c.selfID, status) // optimistic echo
	data, _ := json.Marshal(map[string]PlayerStatus{"status": status})
	return c.svc.Broadcast(protocol.TypePlayerAction, protocol.PlayerAction{
		Action: actionSetStatus,
		Data:   data,
	})
}

// BindDeck binds our deck. Same authority split as SetReady.
func (c *Controller) BindDeck(deckID, deckName string, deck json.RawMessage) (DeckBindResult, error) {
	c.mu.Lock()
	isHost := c.isHost
	c.mu.Unlock()

	res, err := c.mgr.UpdatePlayerDeck(c.selfID, deckID, deckName, deck)
	if isHost {
		if err != nil {
			return res, err
		}
		c.broadcastSync()
		return res, nil
	}

	data, _ := json.Marshal(map[string]interface{}{
		"deckId":   deckID,
		"deckName": deckName,
		"deck":     deck,
	})
	if berr := c.svc.Broadcast(protocol.TypePlayerAction, protocol.PlayerAction{
		Action: actionBindDeck,
		Data:   data,
	}); berr != nil {
		return res, berr
	}
	return res, err
}

// StartGame transitions open -> in-progress and broadcasts the transition;
// clients transition locally on receipt of the snapshot.
func (c *Controller) StartGame() error {
	return c.start(false)
}

// ForceStart starts without waiting for everyone to ready up. Valid decks
// are still required.
func (c *Controller) ForceStart() error {
	return c.start(true)
}

func (c *Controller) start(force bool) error {
	c.mu.Lock()
	isHost := c.isHost
	c.mu.Unlock()
	if !isHost {
		return ErrNotHost
	}
	allowed := c.mgr.CanStartGame()
	if force {
		allowed = c.mgr.CanForceStart()
	}
	if !allowed {
		return ErrCannotStart
	}
	if err := c.mgr.UpdateLobbyStatus(StatusInProgress); err != nil {
		return err
	}
	c.broadcastSync()
	return nil
}

// LeaveGame tears everything down synchronously: poll timers, relay
// sessions, peer channels, lobby. Nothing survives the call.
func (c *Controller) LeaveGame() {
	c.mu.Lock()
	slots := c.slots
	c.slots = nil
	c.mu.Unlock()

	for _, sl := range slots {
		sl.sig.Close(context.Background())
		sl.sig.Destroy()
		_ = sl.tr.Close()
	}
	c.svc.Close()
	c.mgr.CloseLobby()
}

// handlePeerGone reacts to a channel dropping. Host: free the seat and tell
// everyone. Client: the host is our only peer, so the lobby is over.
func (c *Controller) handlePeerGone(peerID string) {
	c.mu.Lock()
	isHost := c.isHost
	hostID := c.hostID
	c.mu.Unlock()

	if isHost {
		if err := c.mgr.RemovePlayer(peerID); err != nil && !errors.Is(err, ErrUnknownPlayer) {
			c.log.WithError(err).Debug("seat removal after disconnect")
		}
		c.broadcastSync()
		return
	}
	if peerID == hostID {
		c.mgr.CloseLobby()
		if snap, ok := c.mgr.Snapshot(); ok {
			if cb := c.OnLobbyUpdate; cb != nil {
				cb(snap)
			}
		}
	}
}

// broadcastSync pushes the authoritative snapshot to every peer and the
// local UI.
func (c *Controller) broadcastSync() {
	snap, ok := c.mgr.Snapshot()
	if !ok {
		return
	}
	if err := c.svc.Broadcast(protocol.TypeGameStateSync, snap); err != nil {
		c.log.WithError(err).Warn("lobby sync broadcast failed")
	}
	if cb := c.OnLobbyUpdate; cb != nil {
		cb(snap)
	}
}
