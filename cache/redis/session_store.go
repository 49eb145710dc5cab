// Package redis implements the session store on a redis backend, giving
// sessions a life beyond a single process.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	authz "github.com/pilab-dev/shadow-authz"
)

// SessionStore implements authz.SessionStore using redis.
type SessionStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ authz.SessionStore = (*SessionStore)(nil)

// NewSessionStore creates a redis-backed session store. A zero ttl stores
// sessions without expiry.
func NewSessionStore(client *redis.Client, prefix string, ttl time.Duration) *SessionStore {
	return &SessionStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *SessionStore) key(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, sessionID)
}

// Get implements authz.SessionStore.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*authz.TokenResponse, error) {
	data, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, authz.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting session from redis: %w", err)
	}

	var tr authz.TokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("decoding stored session: %w", err)
	}
	return &tr, nil
}

// Set implements authz.SessionStore. It fully replaces any prior value.
func (s *SessionStore) Set(ctx context.Context, sessionID string, tr *authz.TokenResponse) error {
	data, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("setting session in redis: %w", err)
	}
	return nil
}

// Remove implements authz.SessionStore. Removing an absent session is not
// an error.
func (s *SessionStore) Remove(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("removing session from redis: %w", err)
	}
	return nil
}
