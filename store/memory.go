package store

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used in tests and single-process
// development runs. It mirrors the semantics of PebbleStore.
type MemoryStore struct {
	mu          sync.Mutex
	events      map[string]*IndexedEvent
	projections map[string]*Projection
	checkpoint  uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:      make(map[string]*IndexedEvent),
		projections: make(map[string]*Projection),
	}
}

// InsertEvent stores an event if absent and reports whether it was new.
func (s *MemoryStore) InsertEvent(event *IndexedEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := event.Key()
	if _, exists := s.events[key]; exists {
		return false, nil
	}

	clone := *event
	s.events[key] = &clone
	return true, nil
}

// UpsertProjection merges fields, last-write-wins by timestamp.
func (s *MemoryStore) UpsertProjection(entityID string, fields map[string]interface{}, blockNumber uint64, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	proj, ok := s.projections[entityID]
	if !ok {
		proj = &Projection{
			EntityID: entityID,
			Fields:   make(map[string]interface{}),
		}
		s.projections[entityID] = proj
	} else if ts.Before(proj.UpdatedAt) {
		return nil
	}

	for k, v := range fields {
		proj.Fields[k] = v
	}
	proj.BlockNumber = blockNumber
	proj.UpdatedAt = ts
	return nil
}

// GetProjection returns the projection for an entity, or nil when absent.
func (s *MemoryStore) GetProjection(entityID string) (*Projection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	proj, ok := s.projections[entityID]
	if !ok {
		return nil, nil
	}

	clone := *proj
	clone.Fields = make(map[string]interface{}, len(proj.Fields))
	for k, v := range proj.Fields {
		clone.Fields[k] = v
	}
	return &clone, nil
}

// EventsByEntity returns all events for an entity in block order.
func (s *MemoryStore) EventsByEntity(entityID string) ([]*IndexedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []*IndexedEvent
	for _, e := range s.events {
		if e.EntityID == entityID {
			clone := *e
			events = append(events, &clone)
		}
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})
	return events, nil
}

// EventCount returns the number of stored events.
func (s *MemoryStore) EventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Checkpoint returns the last fully-processed block.
func (s *MemoryStore) Checkpoint() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoint, nil
}

// SetCheckpoint advances the checkpoint. Regressions are ignored.
func (s *MemoryStore) SetCheckpoint(block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if block > s.checkpoint {
		s.checkpoint = block
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
