// Package store holds webhook processing record backends.
package store

import (
	"context"
	"sync"
	"time"

	"syncbridge/internal/inbound/models"
	"syncbridge/pkg/platform/sentinel"
)

// InMemoryStore keeps processing records in process memory. Dedup only
// holds within one process.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.Record
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]*models.Record)}
}

func (s *InMemoryStore) Find(_ context.Context, webhookID string) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[webhookID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *InMemoryStore) Create(_ context.Context, rec *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.WebhookID]; exists {
		return sentinel.ErrAlreadyUsed
	}
	cp := *rec
	s.records[rec.WebhookID] = &cp
	return nil
}

func (s *InMemoryStore) Reclaim(_ context.Context, webhookID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[webhookID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if !rec.Reclaimable() {
		return sentinel.ErrInvalidState
	}
	rec.Status = models.StatusProcessing
	rec.ErrorMessage = ""
	rec.Attempts++
	rec.UpdatedAt = now
	return nil
}

func (s *InMemoryStore) MarkCompleted(_ context.Context, webhookID, localID string, now time.Time) error {
	return s.update(webhookID, func(rec *models.Record) {
		rec.Status = models.StatusCompleted
		rec.LocalID = localID
		rec.ErrorMessage = ""
		rec.Retriable = false
		rec.UpdatedAt = now
	})
}

func (s *InMemoryStore) MarkFailed(_ context.Context, webhookID, message string, retriable bool, now time.Time) error {
	return s.update(webhookID, func(rec *models.Record) {
		rec.Status = models.StatusFailed
		rec.ErrorMessage = message
		rec.Retriable = retriable
		rec.UpdatedAt = now
	})
}

func (s *InMemoryStore) update(webhookID string, fn func(rec *models.Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[webhookID]
	if !ok {
		return sentinel.ErrNotFound
	}
	fn(rec)
	return nil
}

func (s *InMemoryStore) Stats(_ context.Context) (models.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st models.Stats
	for _, rec := range s.records {
		st.Add(rec.Status, 1)
	}
	return st, nil
}

func (s *InMemoryStore) Purge(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.records {
		if rec.UpdatedAt.Before(before) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}
