package server

import (
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/cleared-dev/passbook/internal/id"
	"github.com/cleared-dev/passbook/internal/ingest"
	"github.com/cleared-dev/passbook/internal/metrics"
)

// Store keeps sessions in memory and drops those idle for longer than the
// TTL. Reading a session refreshes its TTL.
type Store struct {
	cache      *cache.Cache
	newSession func() *ingest.Session
	metrics    *metrics.Metrics
}

// NewStore creates a store whose sessions expire after ttl without use. A
// non-positive ttl keeps sessions until they are deleted.
func NewStore(ttl time.Duration, newSession func() *ingest.Session, m *metrics.Metrics) *Store {
	expiry, cleanup := ttl, ttl/2
	if ttl <= 0 {
		expiry, cleanup = cache.NoExpiration, 0
	} else if cleanup < time.Second {
		cleanup = time.Second
	}

	c := cache.New(expiry, cleanup)
	c.OnEvicted(func(_ string, v any) {
		if s, ok := v.(*ingest.Session); ok {
			s.Reset()
		}
		m.SessionClosed()
	})
	return &Store{cache: c, newSession: newSession, metrics: m}
}

// Create opens a new idle session and returns its ID.
func (st *Store) Create() (string, *ingest.Session) {
	sid := id.New()
	s := st.newSession()
	st.cache.SetDefault(sid, s)
	st.metrics.SessionOpened()
	return sid, s
}

// Get returns the session with id and refreshes its TTL.
func (st *Store) Get(sid string) (*ingest.Session, bool) {
	if !id.Valid(sid) {
		return nil, false
	}
	v, ok := st.cache.Get(sid)
	if !ok {
		return nil, false
	}
	s := v.(*ingest.Session)
	st.cache.SetDefault(sid, s)
	return s, true
}

// Delete removes a session, abandoning any upload it has in flight.
func (st *Store) Delete(sid string) bool {
	if _, ok := st.cache.Get(sid); !ok {
		return false
	}
	st.cache.Delete(sid)
	return true
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	return st.cache.ItemCount()
}

// Sweep drops expired sessions now instead of waiting for the janitor.
func (st *Store) Sweep() {
	st.cache.DeleteExpired()
}
