package revcache

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/revenue-ledger/internal/model"
)

// memStore is an in-memory Store. Each key has its own mutex standing in for
// the advisory lock, so several Cache instances sharing one memStore behave
// like separate processes sharing one database.
type memStore struct {
	mu       sync.Mutex
	entries  map[string]model.CacheEntry
	locks    map[string]*sync.Mutex
	failures int
}

func newMemStore() *memStore {
	return &memStore{
		entries: make(map[string]model.CacheEntry),
		locks:   make(map[string]*sync.Mutex),
	}
}

func memKey(tenantID, cacheKey string) string {
	return tenantID + "/" + cacheKey
}

func (s *memStore) lock(tenantID, cacheKey string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey(tenantID, cacheKey)
	l, ok := s.locks[k]
	if !ok {
		l = &sync.Mutex{}
		s.locks[k] = l
	}
	return l
}

func (s *memStore) get(tenantID, cacheKey string) *model.CacheEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[memKey(tenantID, cacheKey)]
	if !ok {
		return nil
	}
	return &e
}

func (s *memStore) put(e *model.CacheEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[memKey(e.TenantID, e.CacheKey)] = *e
}

func (s *memStore) Load(_ context.Context, tenantID, cacheKey string) (*model.CacheEntry, error) {
	return s.get(tenantID, cacheKey), nil
}

func (s *memStore) Lead(ctx context.Context, tenantID, cacheKey string, fn LeadFunc) (bool, error) {
	l := s.lock(tenantID, cacheKey)
	if !l.TryLock() {
		return false, nil
	}
	defer l.Unlock()

	next, err := fn(ctx, s.get(tenantID, cacheKey))
	if err != nil {
		return true, err
	}
	if next != nil {
		s.put(next)
	}
	return true, nil
}

func (s *memStore) RecordFailure(_ context.Context, tenantID, cacheKey string, at, cooldownUntil time.Time, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey(tenantID, cacheKey)
	e, ok := s.entries[k]
	if !ok {
		e = model.CacheEntry{TenantID: tenantID, CacheKey: cacheKey, ExpiresAt: at}
	}
	e.ErrorCooldownUntil = &cooldownUntil
	e.LastErrorAt = &at
	e.LastErrorMessage = &message
	e.ETag = nil
	s.entries[k] = e
	s.failures++
	return nil
}

// fakeClock is a settable clock safe for concurrent use.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
