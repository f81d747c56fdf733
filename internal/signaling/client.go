// internal/signaling/client.go
package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/duelink/duelink/internal/session"
)

// DefaultPollInterval is the poll cadence against the relay. Handshake
// traffic is low-frequency and latency-tolerant, so one second is plenty.
const DefaultPollInterval = time.Second

// closeTimeout bounds the best-effort DELETE in Close so teardown can never
// hang the caller on a dead relay.
const closeTimeout = 2 * time.Second

// SessionInfo is the caller-facing summary of a live session.
type SessionInfo struct {
	SessionID string
	GameCode  string
	ExpiresAt time.Time
}

// Client drives the asymmetric host/client handshake against the relay's
// HTTP contract. It owns the poll timer; Destroy guarantees the timer is
// released so repeated session attempts don't leak goroutines.
//
// Callbacks must be assigned before CreateSession/JoinSession and are invoked
// from the polling goroutine. A 404 on poll is terminal: polling stops and
// OnError fires ErrSessionExpired exactly once — an expired session can never
// become valid again, so there is nothing to retry.
type Client struct {
	baseURL  string
	http     *http.Client
	interval time.Duration
	log      *logrus.Logger

	// OnUpdate receives the merged, role-filtered session view after each
	// successful poll (and once with the join response for clients).
	OnUpdate func(view *session.Session)
	// OnError receives transient poll failures (once per occurrence) and the
	// terminal ErrSessionExpired.
	OnError func(err error)

	mu           sync.Mutex
	role         session.Role
	info         *SessionInfo
	stop         chan struct{}
	seq          uint64 // next poll sequence number
	applied      uint64 // highest sequence applied; later responses win
	expiredFired bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithPollInterval overrides the poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.interval = d }
}

// WithLogger overrides the logger.
func WithLogger(log *logrus.Logger) Option {
	return func(c *Client) { c.log = log }
}

// NewClient builds a signaling client for the relay at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: 10 * time.Second},
		interval: DefaultPollInterval,
		log:      logrus.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Info returns the live session summary, or nil if none.
func (c *Client) Info() *SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.info == nil {
		return nil
	}
	cp := *c.info
	return &cp
}

// CreateSession registers a new session as host and begins polling for
// client-contributed fields. A relay rejection surfaces as *RelayError and is
// not retried here; the caller decides whether to start a fresh attempt.
func (c *Client) CreateSession(ctx context.Context, hostID, hostName string) (*SessionInfo, error) {
	var resp session.CreateResponse
	err := c.post(ctx, "/session/create", session.CreateRequest{
		HostID:   hostID,
		HostName: hostName,
	}, &resp)
	if err != nil {
		return nil, err
	}

	info := &SessionInfo{
		SessionID: resp.SessionID,
		GameCode:  resp.GameCode,
		ExpiresAt: time.UnixMilli(resp.ExpiresAt),
	}
	c.begin(session.RoleHost, info)
	c.log.WithFields(logrus.Fields{
		"session_id": info.SessionID,
		"game_code":  info.GameCode,
	}).Info("signaling session created")
	return info, nil
}

// JoinSession resolves a game code, registers as the session's client and
// begins polling for host-contributed fields. The join response already
// carries the host's offer and candidates; it is delivered through OnUpdate
// before JoinSession returns so the caller sees it before any poll tick.
func (c *Client) JoinSession(ctx context.Context, gameCode, clientID, clientName string) (*SessionInfo, error) {
	var resp session.JoinResponse
	err := c.post(ctx, "/session/join", session.JoinRequest{
		GameCode:   gameCode,
		ClientID:   clientID,
		ClientName: clientName,
	}, &resp)
	if err != nil {
		return nil, err
	}

	info := &SessionInfo{
		SessionID: resp.SessionID,
		GameCode:  gameCode,
		ExpiresAt: time.UnixMilli(resp.ExpiresAt),
	}
	c.begin(session.RoleClient, info)
	c.log.WithFields(logrus.Fields{
		"session_id": info.SessionID,
		"host":       resp.HostName,
	}).Info("joined signaling session")

	if c.OnUpdate != nil {
		c.OnUpdate(&session.Session{
			ID:             resp.SessionID,
			GameCode:       gameCode,
			HostID:         resp.HostID,
			HostName:       resp.HostName,
			ClientID:       clientID,
			ClientName:     clientName,
			Offer:          resp.Offer,
			HostCandidates: resp.HostCandidates,
			CreatedAt:      time.UnixMilli(resp.CreatedAt),
			ExpiresAt:      time.UnixMilli(resp.ExpiresAt),
		})
	}
	return info, nil
}

// SendOffer writes the host's offer to the session record.
func (c *Client) SendOffer(ctx context.Context, offer string) error {
	id, _, err := c.requireSession(session.RoleHost)
	if err != nil {
		return err
	}
	return c.post(ctx, "/session/offer", session.OfferRequest{SessionID: id, Offer: offer}, nil)
}

// SendAnswer writes the client's answer to the session record.
func (c *Client) SendAnswer(ctx context.Context, answer string) error {
	id, _, err := c.requireSession(session.RoleClient)
	if err != nil {
		return err
	}
	return c.post(ctx, "/session/answer", session.AnswerRequest{SessionID: id, Answer: answer}, nil)
}

// SendICECandidate appends a negotiation hint to the caller's own list.
// Duplicates are fine; delivery is at-least-once and consumers tolerate them.
func (c *Client) SendICECandidate(ctx context.Context, candidate string) error {
	id, role, err := c.requireSession("")
	if err != nil {
		return err
	}
	return c.post(ctx, "/session/candidate", session.CandidateRequest{
		SessionID: id,
		Role:      role,
		Candidate: candidate,
	}, nil)
}

// Close tears the session down. The DELETE is best-effort with its own
// timeout; local state is cleared and polling stopped unconditionally, even
// when the relay is unreachable.
func (c *Client) Close(ctx context.Context) {
	c.mu.Lock()
	info := c.info
	c.info = nil
	c.role = ""
	c.stopPollLocked()
	c.mu.Unlock()

	if info == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, closeTimeout)
	defer cancel()

	u := c.baseURL + "/session?" + url.Values{"sessionId": {info.SessionID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.WithError(err).Debug("best-effort session delete failed")
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
}

// Destroy stops the poll timer. Required between repeated session attempts;
// safe to call multiple times.
func (c *Client) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopPollLocked()
	c.info = nil
	c.role = ""
}

// begin installs the session and (re)starts the poll loop.
func (c *Client) begin(role session.Role, info *SessionInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopPollLocked()
	c.role = role
	c.info = info
	c.expiredFired = false
	c.applied = 0
	c.seq = 0
	c.stop = make(chan struct{})
	go c.pollLoop(c.stop, role, info.SessionID)
}

// stopPollLocked halts the poll loop if running. Caller holds c.mu.
func (c *Client) stopPollLocked() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

func (c *Client) pollLoop(stop chan struct{}, role session.Role, sessionID string) {
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			// Each poll runs in its own goroutine so a slow relay cannot
			// stall the ticker; sequence numbers make the latest successful
			// response authoritative regardless of completion order.
			c.mu.Lock()
			c.seq++
			seq := c.seq
			c.mu.Unlock()
			go c.pollOnce(stop, role, sessionID, seq)
		}
	}
}

func (c *Client) pollOnce(stop chan struct{}, role session.Role, sessionID string, seq uint64) {
	q := url.Values{"sessionId": {sessionID}, "role": {string(role)}}
	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/session?"+q.Encode(), nil)
	if err != nil {
		return
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.fireError(fmt.Errorf("poll failed: %w", err))
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var view session.Session
		if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
			c.fireError(fmt.Errorf("poll decode failed: %w", err))
			return
		}
		c.mu.Lock()
		stale := seq <= c.applied || c.info == nil || c.info.SessionID != sessionID
		if !stale {
			c.applied = seq
		}
		cb := c.OnUpdate
		c.mu.Unlock()
		if !stale && cb != nil {
			cb(&view)
		}

	case http.StatusNotFound:
		// Terminal. Stop polling and report expiry exactly once: an expired
		// session can never become valid again, so retrying is wrong.
		_, _ = io.Copy(io.Discard, resp.Body)
		c.mu.Lock()
		fire := !c.expiredFired
		c.expiredFired = true
		// Only halt our own loop; a racing begin() may have started a new one.
		if c.stop == stop {
			close(c.stop)
			c.stop = nil
			c.info = nil
		}
		cb := c.OnError
		c.mu.Unlock()
		if fire && cb != nil {
			cb(ErrSessionExpired)
		}

	default:
		c.fireError(decodeRelayError(resp))
	}
}

func (c *Client) fireError(err error) {
	c.mu.Lock()
	cb := c.OnError
	c.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// requireSession returns the live session id, checking role when one is
// demanded. Operations attempted with no live session are caller misuse.
func (c *Client) requireSession(want session.Role) (string, session.Role, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.info == nil {
		return "", "", ErrNoActiveSession
	}
	if want != "" && c.role != want {
		return "", "", fmt.Errorf("operation is %s-owned, current role is %s", want, c.role)
	}
	return c.info.SessionID, c.role, nil
}

// post sends a JSON request and decodes the response into out (if non-nil),
// mapping relay error statuses onto the package's error taxonomy.
func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("relay request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	case http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return ErrSessionNotFound
	case http.StatusConflict:
		_, _ = io.Copy(io.Discard, resp.Body)
		return ErrSessionFull
	default:
		return decodeRelayError(resp)
	}
}

func decodeRelayError(resp *http.Response) error {
	var body session.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	return &RelayError{Status: resp.StatusCode, Message: body.Error}
}
