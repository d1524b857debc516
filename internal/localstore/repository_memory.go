// Package localstore reads and writes the platform's own entity tables and
// turns their changes into capture events.
package localstore

import (
	"context"
	"maps"
	"sync"

	"github.com/google/uuid"

	"syncbridge/internal/capture"
	"syncbridge/internal/envelope"
	"syncbridge/pkg/platform/sentinel"
)

// ChangeSink receives capture events for committed writes.
type ChangeSink interface {
	Notify(ctx context.Context, ev capture.Event) bool
}

// MemoryRepository keeps entities in process memory. Every write is reported
// to the configured sink the way a database trigger would report it.
type MemoryRepository struct {
	mu     sync.RWMutex
	tables map[string]map[string]envelope.Record
	sink   ChangeSink
	newID  func() string
}

// NewMemory constructs an empty repository. A nil sink drops change events.
func NewMemory(sink ChangeSink) *MemoryRepository {
	return &MemoryRepository{
		tables: make(map[string]map[string]envelope.Record),
		sink:   sink,
		newID:  uuid.NewString,
	}
}

// SetSink replaces the change sink.
func (r *MemoryRepository) SetSink(sink ChangeSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

// Load returns a copy of the stored record.
func (r *MemoryRepository) Load(_ context.Context, table, id string) (envelope.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.tables[table][id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return maps.Clone(rec), nil
}

// Apply merges record into the entity, creating it under a fresh id when
// localID is empty.
func (r *MemoryRepository) Apply(ctx context.Context, table, localID string, record envelope.Record) (string, error) {
	op := capture.OpUpdate
	r.mu.Lock()
	rows := r.tables[table]
	if rows == nil {
		rows = make(map[string]envelope.Record)
		r.tables[table] = rows
	}
	if localID == "" {
		localID = r.newID()
	}
	current, ok := rows[localID]
	if !ok {
		op = capture.OpInsert
		current = envelope.Record{}
	}
	for k, v := range record {
		current[k] = v
	}
	current["id"] = localID
	rows[localID] = current
	sink := r.sink
	row := maps.Clone(current)
	r.mu.Unlock()

	r.emit(ctx, sink, capture.Event{Op: op, Table: table, EntityID: localID, Row: row})
	return localID, nil
}

// Put stores record under id, replacing any previous state.
func (r *MemoryRepository) Put(ctx context.Context, table, id string, record envelope.Record) {
	op := capture.OpUpdate
	r.mu.Lock()
	rows := r.tables[table]
	if rows == nil {
		rows = make(map[string]envelope.Record)
		r.tables[table] = rows
	}
	if _, ok := rows[id]; !ok {
		op = capture.OpInsert
	}
	stored := maps.Clone(record)
	if stored == nil {
		stored = envelope.Record{}
	}
	stored["id"] = id
	rows[id] = stored
	sink := r.sink
	row := maps.Clone(stored)
	r.mu.Unlock()

	r.emit(ctx, sink, capture.Event{Op: op, Table: table, EntityID: id, Row: row})
}

// Delete removes the entity.
func (r *MemoryRepository) Delete(ctx context.Context, table, id string) {
	r.mu.Lock()
	row, ok := r.tables[table][id]
	delete(r.tables[table], id)
	sink := r.sink
	r.mu.Unlock()

	if ok {
		r.emit(ctx, sink, capture.Event{Op: capture.OpRemove, Table: table, EntityID: id, Row: row})
	}
}

func (r *MemoryRepository) emit(ctx context.Context, sink ChangeSink, ev capture.Event) {
	if sink != nil {
		sink.Notify(ctx, ev)
	}
}
