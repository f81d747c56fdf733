// internal/session/redis.go
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps live sessions in Redis so multiple relay instances can
// share them. Layout per session:
//
//	duelink:session:<id>        hash of scalar fields
//	duelink:session:<id>:hcand  list of host candidates
//	duelink:session:<id>:ccand  list of client candidates
//	duelink:code:<CODE>         string -> session id
//
// Every key carries the session's absolute expiry, so Redis itself performs
// the garbage collection the memory store needs a janitor for. Scalar writes
// target individual hash fields and candidate appends are RPUSHes, which
// preserves the writer partition without transactions.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an already-connected client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func sessionKey(id string) string  { return "duelink:session:" + id }
func hostCandKey(id string) string { return sessionKey(id) + ":hcand" }
func clientCandKey(id string) string {
	return sessionKey(id) + ":ccand"
}
func codeKey(code string) string { return "duelink:code:" + code }

// Create registers a new session, claiming its game code atomically.
func (r *RedisStore) Create(ctx context.Context, s *Session) error {
	ok, err := r.rdb.SetNX(ctx, codeKey(s.GameCode), s.ID, time.Until(s.ExpiresAt)).Result()
	if err != nil {
		return fmt.Errorf("claim game code: %w", err)
	}
	if !ok {
		return ErrCodeTaken
	}

	fields := map[string]interface{}{
		"id":        s.ID,
		"gameCode":  s.GameCode,
		"hostId":    s.HostID,
		"hostName":  s.HostName,
		"createdAt": s.CreatedAt.UTC().Format(time.RFC3339Nano),
		"expiresAt": s.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}
	if s.Offer != "" {
		fields["offer"] = s.Offer
	}
	key := sessionKey(s.ID)
	if err := r.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("write session hash: %w", err)
	}
	if err := r.rdb.ExpireAt(ctx, key, s.ExpiresAt).Err(); err != nil {
		return fmt.Errorf("set session expiry: %w", err)
	}
	return nil
}

// GetByID loads the session hash and both candidate lists.
func (r *RedisStore) GetByID(ctx context.Context, id string) (*Session, error) {
	fields, err := r.rdb.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("read session hash: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	s := &Session{
		ID:         fields["id"],
		GameCode:   fields["gameCode"],
		HostID:     fields["hostId"],
		HostName:   fields["hostName"],
		ClientID:   fields["clientId"],
		ClientName: fields["clientName"],
		Offer:      fields["offer"],
		Answer:     fields["answer"],
	}
	s.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["createdAt"])
	s.ExpiresAt, _ = time.Parse(time.RFC3339Nano, fields["expiresAt"])
	if s.Expired(time.Now()) {
		// Key TTL usually handles this; guard against clock skew anyway.
		return nil, ErrNotFound
	}

	if s.HostCandidates, err = r.rdb.LRange(ctx, hostCandKey(id), 0, -1).Result(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read host candidates: %w", err)
	}
	if s.ClientCandidates, err = r.rdb.LRange(ctx, clientCandKey(id), 0, -1).Result(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read client candidates: %w", err)
	}
	return s, nil
}

// GetByCode resolves the code index, then loads the session.
func (r *RedisStore) GetByCode(ctx context.Context, code string) (*Session, error) {
	id, err := r.rdb.Get(ctx, codeKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve game code: %w", err)
	}
	return r.GetByID(ctx, id)
}

// SetClient claims the client slot with HSETNX so a second joiner loses the
// race cleanly.
func (r *RedisStore) SetClient(ctx context.Context, id, clientID, clientName string) (*Session, error) {
	key := sessionKey(id)
	exists, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("check session: %w", err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}
	claimed, err := r.rdb.HSetNX(ctx, key, "clientId", clientID).Result()
	if err != nil {
		return nil, fmt.Errorf("claim client slot: %w", err)
	}
	if !claimed {
		current, err := r.rdb.HGet(ctx, key, "clientId").Result()
		if err != nil || current != clientID {
			return nil, ErrFull
		}
		// Same client re-joining is a no-op, not a conflict.
	}
	if err := r.rdb.HSet(ctx, key, "clientName", clientName).Err(); err != nil {
		return nil, fmt.Errorf("write client name: %w", err)
	}
	return r.GetByID(ctx, id)
}

// SetOffer writes the host's offer field.
func (r *RedisStore) SetOffer(ctx context.Context, id, offer string) error {
	return r.setField(ctx, id, "offer", offer)
}

// SetAnswer writes the client's answer field.
func (r *RedisStore) SetAnswer(ctx context.Context, id, answer string) error {
	return r.setField(ctx, id, "answer", answer)
}

func (r *RedisStore) setField(ctx context.Context, id, field, value string) error {
	key := sessionKey(id)
	exists, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	if err := r.rdb.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("write %s: %w", field, err)
	}
	return nil
}

// AppendCandidate pushes onto the role's list and aligns its TTL with the
// session hash.
func (r *RedisStore) AppendCandidate(ctx context.Context, id string, role Role, candidate string) error {
	key := sessionKey(id)
	exists, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	listKey := hostCandKey(id)
	if role == RoleClient {
		listKey = clientCandKey(id)
	}
	if err := r.rdb.RPush(ctx, listKey, candidate).Err(); err != nil {
		return fmt.Errorf("append candidate: %w", err)
	}
	expiresAt, err := r.rdb.HGet(ctx, key, "expiresAt").Result()
	if err == nil {
		if t, perr := time.Parse(time.RFC3339Nano, expiresAt); perr == nil {
			r.rdb.ExpireAt(ctx, listKey, t)
		}
	}
	return nil
}

// Delete removes all keys for the session. Best-effort: missing keys are fine.
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	code, err := r.rdb.HGet(ctx, sessionKey(id), "gameCode").Result()
	if err == nil && code != "" {
		r.rdb.Del(ctx, codeKey(code))
	}
	return r.rdb.Del(ctx, sessionKey(id), hostCandKey(id), clientCandKey(id)).Err()
}
