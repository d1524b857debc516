// Package store holds identity mapping persistence backends.
package store

import (
	"context"
	"sync"

	"syncbridge/internal/identity/models"
	"syncbridge/pkg/platform/sentinel"
)

// InMemoryStore keeps mappings in process memory. Used by tests and the
// single-instance development setup.
type InMemoryStore struct {
	mu       sync.RWMutex
	byLocal  map[string]*models.Mapping
	byGlobal map[string]*models.Mapping
}

// NewInMemory constructs an empty in-memory store.
func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		byLocal:  make(map[string]*models.Mapping),
		byGlobal: make(map[string]*models.Mapping),
	}
}

func (s *InMemoryStore) FindByLocal(_ context.Context, localID string) (*models.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byLocal[localID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *InMemoryStore) FindByGlobal(_ context.Context, globalID string) (*models.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byGlobal[globalID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *InMemoryStore) Insert(_ context.Context, mapping *models.Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byLocal[mapping.LocalID]; taken {
		return sentinel.ErrConflict
	}
	if _, taken := s.byGlobal[mapping.GlobalID]; taken {
		return sentinel.ErrConflict
	}
	cp := *mapping
	s.byLocal[cp.LocalID] = &cp
	s.byGlobal[cp.GlobalID] = &cp
	return nil
}

// Repoint moves localID from one global id to another.
func (s *InMemoryStore) Repoint(_ context.Context, localID, fromGlobal, toGlobal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byLocal[localID]
	if !ok || m.GlobalID != fromGlobal {
		return sentinel.ErrNotFound
	}
	if _, taken := s.byGlobal[toGlobal]; taken {
		return sentinel.ErrConflict
	}
	delete(s.byGlobal, fromGlobal)
	m.GlobalID = toGlobal
	s.byGlobal[toGlobal] = m
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, localID, globalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byLocal[localID]
	if !ok || m.GlobalID != globalID {
		return sentinel.ErrNotFound
	}
	delete(s.byLocal, localID)
	delete(s.byGlobal, globalID)
	return nil
}

// Len returns the number of stored mappings.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byLocal)
}
