// Package store provides the durable event store: an append-only idempotent
// record keeper for indexed ledger events, a market projection table, and the
// indexer checkpoint.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrClosed is returned when the store has been closed.
var ErrClosed = errors.New("store: closed")

// IndexedEvent is a normalized ledger event. Events are unique by
// (TxHash, LogIndex) and immutable once stored.
type IndexedEvent struct {
	EventType   string          `json:"event_type"`
	EntityID    string          `json:"entity_id,omitempty"`
	BlockNumber uint64          `json:"block_number"`
	TxHash      common.Hash     `json:"tx_hash"`
	LogIndex    uint            `json:"log_index"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Key returns the unique identity of the event.
func (e *IndexedEvent) Key() string {
	return fmt.Sprintf("%s:%d", e.TxHash.Hex(), e.LogIndex)
}

// Projection is the per-entity read model, upserted on every relevant event.
// Writes are last-write-wins by event timestamp.
type Projection struct {
	EntityID    string                 `json:"entity_id"`
	Fields      map[string]interface{} `json:"fields"`
	BlockNumber uint64                 `json:"block_number"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Store is the durable collaborator used by the indexer and the gateway's
// re-fetch path. All writes are idempotent: replaying a block range produces
// no duplicates and no errors.
type Store interface {
	// InsertEvent stores an event if no event with the same (TxHash, LogIndex)
	// exists. It reports whether the event was newly inserted; a duplicate is
	// a no-op, never an error.
	InsertEvent(event *IndexedEvent) (bool, error)

	// UpsertProjection merges fields into the entity projection. A write whose
	// timestamp is older than the stored projection is ignored.
	UpsertProjection(entityID string, fields map[string]interface{}, blockNumber uint64, ts time.Time) error

	// GetProjection returns the projection for an entity, or (nil, nil) when
	// none exists.
	GetProjection(entityID string) (*Projection, error)

	// EventsByEntity returns all stored events for an entity in block order.
	EventsByEntity(entityID string) ([]*IndexedEvent, error)

	// Checkpoint returns the last fully-processed block, or 0 when none is set.
	Checkpoint() (uint64, error)

	// SetCheckpoint durably advances the checkpoint. The checkpoint is
	// monotonic non-decreasing: a smaller value is ignored.
	SetCheckpoint(block uint64) error

	Close() error
}
