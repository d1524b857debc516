// Package store holds LockSet backends.
package store

import (
	"context"
	"sync"
	"time"
)

// InMemoryLockSet keeps locks in process memory. Expired entries are purged
// lazily on access.
type InMemoryLockSet struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

type InMemoryOption func(*InMemoryLockSet)

func WithClock(now func() time.Time) InMemoryOption {
	return func(s *InMemoryLockSet) {
		s.now = now
	}
}

func NewInMemory(opts ...InMemoryOption) *InMemoryLockSet {
	s := &InMemoryLockSet{
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemoryLockSet) Lock(_ context.Context, id string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.purgeLocked(now)
	until := now.Add(ttl)
	if cur, ok := s.expires[id]; !ok || until.After(cur) {
		s.expires[id] = until
	}
	return nil
}

func (s *InMemoryLockSet) IsLocked(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.expires[id]
	if !ok {
		return false, nil
	}
	if !s.now().Before(until) {
		delete(s.expires, id)
		return false, nil
	}
	return true, nil
}

func (s *InMemoryLockSet) Unlock(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.expires, id)
	return nil
}

// Len returns the number of live locks.
func (s *InMemoryLockSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(s.now())
	return len(s.expires)
}

func (s *InMemoryLockSet) purgeLocked(now time.Time) {
	for id, until := range s.expires {
		if !now.Before(until) {
			delete(s.expires, id)
		}
	}
}
