package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// Key layout:
//
//	e/<txhash><logindex:4>                      -> IndexedEvent JSON
//	x/<entityID>\x00<block:8><txhash><logindex:4> -> event key (e/...)
//	p/<entityID>                                -> Projection JSON
//	c/checkpoint                                -> block:8
const (
	prefixEvent      = "e/"
	prefixEntity     = "x/"
	prefixProjection = "p/"
	keyCheckpoint    = "c/checkpoint"
)

// PebbleStore is the production Store backed by a Pebble database.
type PebbleStore struct {
	db     *pebble.DB
	logger *zap.Logger

	// mu serializes read-modify-write sequences (insert-if-absent,
	// projection merge, checkpoint advance).
	mu     sync.Mutex
	closed bool
}

// NewPebbleStore opens (or creates) a Pebble database at path.
func NewPebbleStore(path string, logger *zap.Logger) (*PebbleStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}

	return &PebbleStore{db: db, logger: logger}, nil
}

func eventKey(e *IndexedEvent) []byte {
	key := make([]byte, 0, len(prefixEvent)+32+4)
	key = append(key, prefixEvent...)
	key = append(key, e.TxHash.Bytes()...)
	key = binary.BigEndian.AppendUint32(key, uint32(e.LogIndex))
	return key
}

func entityIndexKey(e *IndexedEvent) []byte {
	key := make([]byte, 0, len(prefixEntity)+len(e.EntityID)+1+8+32+4)
	key = append(key, prefixEntity...)
	key = append(key, e.EntityID...)
	key = append(key, 0x00)
	key = binary.BigEndian.AppendUint64(key, e.BlockNumber)
	key = append(key, e.TxHash.Bytes()...)
	key = binary.BigEndian.AppendUint32(key, uint32(e.LogIndex))
	return key
}

// InsertEvent stores an event if absent. Duplicates are silently ignored.
func (s *PebbleStore) InsertEvent(event *IndexedEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}

	key := eventKey(event)

	_, closer, err := s.db.Get(key)
	if err == nil {
		closer.Close()
		s.logger.Debug("duplicate event ignored",
			zap.String("tx_hash", event.TxHash.Hex()),
			zap.Uint("log_index", event.LogIndex))
		return false, nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return false, fmt.Errorf("failed to check event existence: %w", err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return false, fmt.Errorf("failed to marshal event: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(key, data, nil); err != nil {
		return false, fmt.Errorf("failed to write event: %w", err)
	}
	if event.EntityID != "" {
		if err := batch.Set(entityIndexKey(event), key, nil); err != nil {
			return false, fmt.Errorf("failed to write entity index: %w", err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return false, fmt.Errorf("failed to commit event batch: %w", err)
	}

	return true, nil
}

// UpsertProjection merges fields into the entity projection, last-write-wins
// by timestamp.
func (s *PebbleStore) UpsertProjection(entityID string, fields map[string]interface{}, blockNumber uint64, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	key := []byte(prefixProjection + entityID)

	proj := &Projection{
		EntityID: entityID,
		Fields:   make(map[string]interface{}),
	}

	value, closer, err := s.db.Get(key)
	if err == nil {
		unmarshalErr := json.Unmarshal(value, proj)
		closer.Close()
		if unmarshalErr != nil {
			return fmt.Errorf("failed to decode projection %s: %w", entityID, unmarshalErr)
		}
		if ts.Before(proj.UpdatedAt) {
			return nil
		}
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("failed to read projection %s: %w", entityID, err)
	}

	for k, v := range fields {
		proj.Fields[k] = v
	}
	proj.BlockNumber = blockNumber
	proj.UpdatedAt = ts

	data, err := json.Marshal(proj)
	if err != nil {
		return fmt.Errorf("failed to marshal projection %s: %w", entityID, err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write projection %s: %w", entityID, err)
	}

	return nil
}

// GetProjection returns the projection for an entity, or nil when absent.
func (s *PebbleStore) GetProjection(entityID string) (*Projection, error) {
	value, closer, err := s.db.Get([]byte(prefixProjection + entityID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read projection %s: %w", entityID, err)
	}
	defer closer.Close()

	var proj Projection
	if err := json.Unmarshal(value, &proj); err != nil {
		return nil, fmt.Errorf("failed to decode projection %s: %w", entityID, err)
	}
	return &proj, nil
}

// EventsByEntity returns all events for an entity in block order.
func (s *PebbleStore) EventsByEntity(entityID string) ([]*IndexedEvent, error) {
	lower := append([]byte(prefixEntity+entityID), 0x00)
	upper := append([]byte(prefixEntity+entityID), 0x01)

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open entity iterator: %w", err)
	}
	defer iter.Close()

	var events []*IndexedEvent
	for iter.First(); iter.Valid(); iter.Next() {
		value, closer, err := s.db.Get(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("failed to resolve entity index entry: %w", err)
		}
		var event IndexedEvent
		unmarshalErr := json.Unmarshal(value, &event)
		closer.Close()
		if unmarshalErr != nil {
			return nil, fmt.Errorf("failed to decode event: %w", unmarshalErr)
		}
		events = append(events, &event)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("entity iterator failed: %w", err)
	}

	return events, nil
}

// Checkpoint returns the last fully-processed block.
func (s *PebbleStore) Checkpoint() (uint64, error) {
	value, closer, err := s.db.Get([]byte(keyCheckpoint))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	defer closer.Close()

	if len(value) != 8 {
		return 0, fmt.Errorf("corrupt checkpoint: %d bytes", len(value))
	}
	return binary.BigEndian.Uint64(value), nil
}

// SetCheckpoint durably advances the checkpoint. Regressions are ignored.
func (s *PebbleStore) SetCheckpoint(block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	current, err := s.Checkpoint()
	if err != nil {
		return err
	}
	if block <= current {
		return nil
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, block)
	if err := s.db.Set([]byte(keyCheckpoint), buf, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}

	return nil
}

// Close closes the underlying database.
func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
