package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trustlayer/pkg/platform/sentinel"
)

type memoryEntry struct {
	owner     string
	response  *Response
	expiresAt time.Time
}

// InMemoryStore is a single-process Store. Expired entries are ignored on
// read and removed by DeleteExpired.
type InMemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

type MemoryOption func(*InMemoryStore)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *InMemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewInMemoryStore(opts ...MemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemoryStore) Begin(_ context.Context, key, owner string, lockTTL time.Duration) (BeginResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e := s.live(key, now); e != nil {
		if e.response != nil {
			return BeginResult{State: StateCached, Cached: cloneResponse(e.response)}, nil
		}
		return BeginResult{State: StateInFlight}, nil
	}
	s.entries[key] = &memoryEntry{owner: owner, expiresAt: now.Add(lockTTL)}
	return BeginResult{State: StateAcquired}, nil
}

func (s *InMemoryStore) Complete(_ context.Context, key, owner string, resp Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e := s.live(key, now)
	if e == nil || e.owner != owner {
		return fmt.Errorf("idempotency lease for %s lost: %w", key, sentinel.ErrConflict)
	}
	if e.response != nil {
		// Storing the same result twice changes nothing.
		return nil
	}
	e.response = cloneResponse(&resp)
	e.expiresAt = now.Add(ttl)
	return nil
}

func (s *InMemoryStore) Release(_ context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key, s.now())
	if e == nil || e.owner != owner || e.response != nil {
		return nil
	}
	delete(s.entries, key)
	return nil
}

// DeleteExpired removes expired entries and reports how many were removed.
func (s *InMemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, key)
			n++
		}
	}
	return n, nil
}

// live returns the unexpired entry for key, dropping it when expired.
func (s *InMemoryStore) live(key string, now time.Time) *memoryEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !now.Before(e.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func cloneResponse(r *Response) *Response {
	c := *r
	c.Body = append([]byte(nil), r.Body...)
	return &c
}
