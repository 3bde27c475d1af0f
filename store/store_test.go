package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(tx byte, logIndex uint, block uint64, entity string) *IndexedEvent {
	return &IndexedEvent{
		EventType:   "BetPlaced",
		EntityID:    entity,
		BlockNumber: block,
		TxHash:      common.BytesToHash([]byte{tx}),
		LogIndex:    logIndex,
		Payload:     json.RawMessage(`{"amount":"100"}`),
		Timestamp:   time.Unix(int64(block), 0),
	}
}

func openStores(t *testing.T) map[string]Store {
	t.Helper()

	pebbleStore, err := NewPebbleStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { pebbleStore.Close() })

	return map[string]Store{
		"pebble": pebbleStore,
		"memory": NewMemoryStore(),
	}
}

func TestInsertEvent_Idempotent(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			event := testEvent(1, 0, 100, "0xabc")

			inserted, err := s.InsertEvent(event)
			require.NoError(t, err)
			assert.True(t, inserted)

			// Replay of the same (tx, logIndex) is a silent no-op.
			inserted, err = s.InsertEvent(event)
			require.NoError(t, err)
			assert.False(t, inserted)

			// Same tx, different log index is a distinct event.
			inserted, err = s.InsertEvent(testEvent(1, 1, 100, "0xabc"))
			require.NoError(t, err)
			assert.True(t, inserted)
		})
	}
}

func TestProjection_LastWriteWins(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			newer := time.Unix(2000, 0)
			older := time.Unix(1000, 0)

			err := s.UpsertProjection("0xabc", map[string]interface{}{"status": "resolved"}, 105, newer)
			require.NoError(t, err)

			// A stale write must not overwrite a newer projection.
			err = s.UpsertProjection("0xabc", map[string]interface{}{"status": "open"}, 100, older)
			require.NoError(t, err)

			proj, err := s.GetProjection("0xabc")
			require.NoError(t, err)
			require.NotNil(t, proj)
			assert.Equal(t, "resolved", proj.Fields["status"])
			assert.Equal(t, uint64(105), proj.BlockNumber)
		})
	}
}

func TestProjection_MergesFields(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			err := s.UpsertProjection("0xm", map[string]interface{}{"question": "who wins"}, 100, time.Unix(100, 0))
			require.NoError(t, err)
			err = s.UpsertProjection("0xm", map[string]interface{}{"status": "resolved"}, 105, time.Unix(105, 0))
			require.NoError(t, err)

			proj, err := s.GetProjection("0xm")
			require.NoError(t, err)
			require.NotNil(t, proj)
			assert.Equal(t, "who wins", proj.Fields["question"])
			assert.Equal(t, "resolved", proj.Fields["status"])
		})
	}
}

func TestGetProjection_Missing(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			proj, err := s.GetProjection("0xmissing")
			require.NoError(t, err)
			assert.Nil(t, proj)
		})
	}
}

func TestCheckpoint_Monotonic(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			cp, err := s.Checkpoint()
			require.NoError(t, err)
			assert.Equal(t, uint64(0), cp)

			require.NoError(t, s.SetCheckpoint(100))
			require.NoError(t, s.SetCheckpoint(50)) // regression ignored

			cp, err = s.Checkpoint()
			require.NoError(t, err)
			assert.Equal(t, uint64(100), cp)

			require.NoError(t, s.SetCheckpoint(105))
			cp, err = s.Checkpoint()
			require.NoError(t, err)
			assert.Equal(t, uint64(105), cp)
		})
	}
}

func TestEventsByEntity_BlockOrder(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.InsertEvent(testEvent(2, 0, 105, "0xabc"))
			require.NoError(t, err)
			_, err = s.InsertEvent(testEvent(1, 0, 100, "0xabc"))
			require.NoError(t, err)
			_, err = s.InsertEvent(testEvent(3, 0, 102, "0xother"))
			require.NoError(t, err)

			events, err := s.EventsByEntity("0xabc")
			require.NoError(t, err)
			require.Len(t, events, 2)
			assert.Equal(t, uint64(100), events[0].BlockNumber)
			assert.Equal(t, uint64(105), events[1].BlockNumber)
		})
	}
}

// Two events for the same entity leave exactly two event rows and one
// projection reflecting the later block.
func TestSameEntity_TwoEventsOneProjection(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			first := testEvent(1, 0, 100, "0xmarket")
			second := testEvent(2, 0, 105, "0xmarket")

			_, err := s.InsertEvent(first)
			require.NoError(t, err)
			require.NoError(t, s.UpsertProjection(first.EntityID,
				map[string]interface{}{"last_bet": "50"}, first.BlockNumber, first.Timestamp))

			_, err = s.InsertEvent(second)
			require.NoError(t, err)
			require.NoError(t, s.UpsertProjection(second.EntityID,
				map[string]interface{}{"last_bet": "75"}, second.BlockNumber, second.Timestamp))

			events, err := s.EventsByEntity("0xmarket")
			require.NoError(t, err)
			assert.Len(t, events, 2)

			proj, err := s.GetProjection("0xmarket")
			require.NoError(t, err)
			require.NotNil(t, proj)
			assert.Equal(t, "75", proj.Fields["last_bet"])
			assert.Equal(t, uint64(105), proj.BlockNumber)
		})
	}
}

func TestPebbleStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := NewPebbleStore(dir, nil)
	require.NoError(t, err)

	_, err = s.InsertEvent(testEvent(7, 0, 42, "0xdurable"))
	require.NoError(t, err)
	require.NoError(t, s.SetCheckpoint(42))
	require.NoError(t, s.Close())

	reopened, err := NewPebbleStore(dir, nil)
	require.NoError(t, err)
	defer reopened.Close()

	cp, err := reopened.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), cp)

	inserted, err := reopened.InsertEvent(testEvent(7, 0, 42, "0xdurable"))
	require.NoError(t, err)
	assert.False(t, inserted, "event written before restart must still be present")
}
