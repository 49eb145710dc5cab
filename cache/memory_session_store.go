// Package cache provides the session store implementations backing the
// authorization filter.
package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	authz "github.com/pilab-dev/shadow-authz"
)

// MemorySessionStore implements authz.SessionStore on ttlcache.
type MemorySessionStore struct {
	cache *ttlcache.Cache[string, *authz.TokenResponse]
}

var _ authz.SessionStore = (*MemorySessionStore)(nil)

// NewMemorySessionStore creates an in-memory session store with automatic
// cleanup. A zero ttl keeps sessions until they are removed explicitly.
func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	var opts []ttlcache.Option[string, *authz.TokenResponse]
	if ttl > 0 {
		opts = append(opts,
			ttlcache.WithTTL[string, *authz.TokenResponse](ttl),
			ttlcache.WithDisableTouchOnHit[string, *authz.TokenResponse](),
		)
	}
	cache := ttlcache.New(opts...)

	// Start the expiry loop.
	go cache.Start()

	return &MemorySessionStore{cache: cache}
}

// Get implements authz.SessionStore.
func (s *MemorySessionStore) Get(_ context.Context, sessionID string) (*authz.TokenResponse, error) {
	item := s.cache.Get(sessionID)
	if item == nil {
		return nil, authz.ErrSessionNotFound
	}
	return item.Value(), nil
}

// Set implements authz.SessionStore. It fully replaces any prior value.
func (s *MemorySessionStore) Set(_ context.Context, sessionID string, tr *authz.TokenResponse) error {
	s.cache.Set(sessionID, tr, ttlcache.DefaultTTL)
	return nil
}

// Remove implements authz.SessionStore. Removing an absent session is not
// an error.
func (s *MemorySessionStore) Remove(_ context.Context, sessionID string) error {
	s.cache.Delete(sessionID)
	return nil
}

// Count returns the number of live sessions.
func (s *MemorySessionStore) Count() int {
	return s.cache.Len()
}

// Close stops the expiry loop.
func (s *MemorySessionStore) Close() error {
	s.cache.Stop()
	return nil
}
