// File: tlslayer/cache.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tlslayer

import (
	"crypto/tls"
	"time"

	"github.com/patrickmn/go-cache"
)

// SessionCache is a tls.ClientSessionCache whose entries expire after a TTL.
// Layers created with a peer share the peer's cache, which is what lets a
// second connection resume the first one's session.
type SessionCache struct {
	c *cache.Cache
}

var _ tls.ClientSessionCache = (*SessionCache)(nil)

// NewSessionCache creates a cache with the given entry lifetime.
func NewSessionCache(ttl time.Duration) *SessionCache {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &SessionCache{c: cache.New(ttl, ttl/2)}
}

func (s *SessionCache) Get(key string) (*tls.ClientSessionState, bool) {
	v, ok := s.c.Get(key)
	if !ok {
		return nil, false
	}
	st, ok := v.(*tls.ClientSessionState)
	return st, ok
}

// Put stores cs under key; a nil state evicts the key.
func (s *SessionCache) Put(key string, cs *tls.ClientSessionState) {
	if cs == nil {
		s.c.Delete(key)
		return
	}
	s.c.SetDefault(key, cs)
}

// Len reports the number of live entries.
func (s *SessionCache) Len() int { return s.c.ItemCount() }

// Flush drops every entry.
func (s *SessionCache) Flush() { s.c.Flush() }
