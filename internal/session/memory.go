// internal/session/memory.go
package session

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MemoryStore keeps live sessions in process memory. It is the default
// backend for the reference relay and for tests. A janitor goroutine sweeps
// expired records so abandoned handshakes don't accumulate, but expiry is
// also enforced lazily on every read, so correctness never depends on the
// sweep interval.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	codes    map[string]string // game code -> session id

	now  func() time.Time
	log  *logrus.Logger
	done chan struct{}
	once sync.Once
}

// NewMemoryStore initializes an empty store.
func NewMemoryStore(log *logrus.Logger) *MemoryStore {
	if log == nil {
		log = logrus.New()
	}
	return &MemoryStore{
		sessions: make(map[string]*Session),
		codes:    make(map[string]string),
		now:      time.Now,
		log:      log,
		done:     make(chan struct{}),
	}
}

// StartJanitor begins the background sweep. Call Close to stop it.
func (m *MemoryStore) StartJanitor(interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-t.C:
				m.sweep()
			}
		}
	}()
}

// Close stops the janitor. Safe to call more than once.
func (m *MemoryStore) Close() {
	m.once.Do(func() { close(m.done) })
}

func (m *MemoryStore) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, id)
			delete(m.codes, s.GameCode)
			m.log.WithFields(logrus.Fields{
				"session_id": id,
				"game_code":  s.GameCode,
			}).Debug("swept expired session")
		}
	}
}

// getLive returns the live session for id, removing it if expired.
// Caller must hold the lock.
func (m *MemoryStore) getLive(id string) (*Session, bool) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	if s.Expired(m.now()) {
		delete(m.sessions, id)
		delete(m.codes, s.GameCode)
		return nil, false
	}
	return s, true
}

// Create registers a new session.
func (m *MemoryStore) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existingID, ok := m.codes[s.GameCode]; ok {
		if _, live := m.getLive(existingID); live {
			return ErrCodeTaken
		}
	}
	cp := s.Clone()
	m.sessions[cp.ID] = cp
	m.codes[cp.GameCode] = cp.ID
	return nil
}

// GetByID returns a copy of the live session or ErrNotFound.
func (m *MemoryStore) GetByID(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.getLive(id)
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// GetByCode resolves a game code to its live session or ErrNotFound.
func (m *MemoryStore) GetByCode(ctx context.Context, code string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	s, ok := m.getLive(id)
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// SetClient registers the joining client, enforcing the at-most-one-client
// invariant.
func (m *MemoryStore) SetClient(ctx context.Context, id, clientID, clientName string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.getLive(id)
	if !ok {
		return nil, ErrNotFound
	}
	if s.ClientID != "" && s.ClientID != clientID {
		return nil, ErrFull
	}
	s.ClientID = clientID
	s.ClientName = clientName
	return s.Clone(), nil
}

// SetOffer writes the host's offer.
func (m *MemoryStore) SetOffer(ctx context.Context, id, offer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.getLive(id)
	if !ok {
		return ErrNotFound
	}
	s.Offer = offer
	return nil
}

// SetAnswer writes the client's answer.
func (m *MemoryStore) SetAnswer(ctx context.Context, id, answer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.getLive(id)
	if !ok {
		return ErrNotFound
	}
	s.Answer = answer
	return nil
}

// AppendCandidate appends a hint to the role's list. No write-side dedupe:
// delivery is at-least-once and consumers tolerate duplicates.
func (m *MemoryStore) AppendCandidate(ctx context.Context, id string, role Role, candidate string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.getLive(id)
	if !ok {
		return ErrNotFound
	}
	switch role {
	case RoleHost:
		s.HostCandidates = append(s.HostCandidates, candidate)
	case RoleClient:
		s.ClientCandidates = append(s.ClientCandidates, candidate)
	}
	return nil
}

// Delete removes the session. Absent sessions are not an error.
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		delete(m.sessions, id)
		delete(m.codes, s.GameCode)
	}
	return nil
}
