// Package memory is a process-local Store for tests and single-process mode.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrSnakeDoc/servicesync/internal/domain"
)

// Store keeps encoded-equivalent copies of records in a map.
type Store struct {
	mu       sync.RWMutex
	records  map[domain.ServiceID]domain.ServiceRecord
	lastSave map[domain.ServiceID]int
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		records:  make(map[domain.ServiceID]domain.ServiceRecord),
		lastSave: make(map[domain.ServiceID]int),
	}
}

// Save replaces the record for rec.ID
func (s *Store) Save(_ context.Context, rec domain.ServiceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.ID] = clone(rec)
	s.lastSave[rec.ID]++
	return nil
}

// Load retrieves a record by id
func (s *Store) Load(_ context.Context, id domain.ServiceID) (domain.ServiceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return domain.ServiceRecord{}, fmt.Errorf("load %s: %w", id, domain.ErrNotFound)
	}
	return clone(rec), nil
}

// Delete removes a record
func (s *Store) Delete(_ context.Context, id domain.ServiceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, id)
	return nil
}

// LoadAll returns every record sorted by id
func (s *Store) LoadAll(_ context.Context) ([]domain.ServiceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]domain.ServiceID, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	domain.SortServiceIDs(ids)

	out := make([]domain.ServiceRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, clone(s.records[id]))
	}
	return out, nil
}

// Ping always succeeds
func (s *Store) Ping(context.Context) error { return nil }

// Count returns the number of stored records
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Saves returns how many times id was saved
func (s *Store) Saves(id domain.ServiceID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSave[id]
}

func clone(rec domain.ServiceRecord) domain.ServiceRecord {
	cp := rec
	cp.Whitelist = append([]domain.NodeID(nil), rec.Whitelist...)
	cp.Subscribers = append([]domain.NodeID(nil), rec.Subscribers...)
	cp.Plugins = append([]string(nil), rec.Plugins...)
	cp.State = append([]byte(nil), rec.State...)
	return cp
}
