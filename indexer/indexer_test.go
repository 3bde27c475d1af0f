package indexer

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpredict/relay-go/store"
)

var (
	testContract = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	market1      = common.HexToHash("0x01")
	market2      = common.HexToHash("0x02")
	bettor1      = common.HexToHash("0x00000000000000000000000000000000000000000000000000000000000beef")
)

// fakeChain serves a fixed set of logs filtered by block range.
type fakeChain struct {
	mu          sync.Mutex
	head        uint64
	logs        []types.Log
	filterErr   error
	filterCalls [][2]uint64
}

func (f *fakeChain) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) FilterLogs(ctx context.Context, from, to uint64, address common.Address) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.filterCalls = append(f.filterCalls, [2]uint64{from, to})
	if f.filterErr != nil {
		return nil, f.filterErr
	}

	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeChain) HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error) {
	return &types.Header{
		Number: new(big.Int).SetUint64(number),
		Time:   number * 10,
	}, nil
}

func (f *fakeChain) calls() [][2]uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]uint64(nil), f.filterCalls...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*store.IndexedEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, event *store.IndexedEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) published() []*store.IndexedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*store.IndexedEvent(nil), p.events...)
}

func betLog(block uint64, txSeed byte, index uint, market common.Hash) types.Log {
	return types.Log{
		Address:     testContract,
		Topics:      []common.Hash{sigBetPlaced, market, bettor1},
		BlockNumber: block,
		TxHash:      common.BytesToHash([]byte{txSeed}),
		Index:       index,
	}
}

func resolvedLog(block uint64, txSeed byte, market common.Hash) types.Log {
	return types.Log{
		Address:     testContract,
		Topics:      []common.Hash{sigMarketResolved, market},
		BlockNumber: block,
		TxHash:      common.BytesToHash([]byte{txSeed}),
		Index:       0,
	}
}

func testIndexer(chain *fakeChain, st store.Store, pub Publisher) *Indexer {
	return NewIndexer(chain, st, pub, &Config{
		ContractAddress: testContract,
		PollInterval:    time.Millisecond,
		BatchSize:       100,
		RetryDelay:      time.Millisecond,
	}, nil)
}

func TestSync_IndexesAndPublishes(t *testing.T) {
	chain := &fakeChain{
		head: 10,
		logs: []types.Log{
			betLog(5, 1, 0, market1),
			betLog(7, 2, 0, market2),
		},
	}
	st := store.NewMemoryStore()
	pub := &recordingPublisher{}
	ix := testIndexer(chain, st, pub)

	caughtUp, err := ix.Sync(context.Background())

	require.NoError(t, err)
	assert.True(t, caughtUp)
	assert.Equal(t, 2, st.EventCount())

	checkpoint, err := st.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), checkpoint)

	published := pub.published()
	require.Len(t, published, 2)
	assert.Equal(t, "BetPlaced", published[0].EventType)
	assert.Equal(t, market1.Hex(), published[0].EntityID)
	// Timestamps come from the containing block header.
	assert.Equal(t, time.Unix(50, 0).UTC(), published[0].Timestamp)
}

func TestSync_ReplayIsIdempotent(t *testing.T) {
	chain := &fakeChain{
		head: 10,
		logs: []types.Log{betLog(5, 1, 0, market1)},
	}
	st := store.NewMemoryStore()
	pub := &recordingPublisher{}
	ix := testIndexer(chain, st, pub)

	_, err := ix.Sync(context.Background())
	require.NoError(t, err)

	// Replay the same range directly, as a crash before the checkpoint
	// advanced would.
	_, err = ix.processBatch(context.Background(), 1, 10)
	require.NoError(t, err)

	assert.Equal(t, 1, st.EventCount())
	// Replayed duplicates are not re-published.
	assert.Len(t, pub.published(), 1)
}

// failingStore makes SetCheckpoint fail a fixed number of times.
type failingStore struct {
	store.Store
	remaining int
}

func (s *failingStore) SetCheckpoint(block uint64) error {
	if s.remaining > 0 {
		s.remaining--
		return errors.New("disk full")
	}
	return s.Store.SetCheckpoint(block)
}

func TestSync_CheckpointNeverPassesFailedBatch(t *testing.T) {
	chain := &fakeChain{
		head: 10,
		logs: []types.Log{betLog(5, 1, 0, market1)},
	}
	mem := store.NewMemoryStore()
	st := &failingStore{Store: mem, remaining: 1}
	pub := &recordingPublisher{}
	ix := testIndexer(chain, st, pub)

	_, err := ix.Sync(context.Background())
	require.Error(t, err)

	checkpoint, _ := mem.Checkpoint()
	assert.Equal(t, uint64(0), checkpoint)
	// Nothing is published until the batch is durable.
	assert.Empty(t, pub.published())

	// The retry reprocesses the same range against the idempotent store.
	caughtUp, err := ix.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, caughtUp)

	checkpoint, _ = mem.Checkpoint()
	assert.Equal(t, uint64(10), checkpoint)
	assert.Equal(t, 1, mem.EventCount())
}

func TestSync_FetchFailureLeavesCheckpoint(t *testing.T) {
	chain := &fakeChain{head: 10, filterErr: errors.New("connection refused")}
	st := store.NewMemoryStore()
	ix := testIndexer(chain, st, &recordingPublisher{})

	_, err := ix.Sync(context.Background())
	require.Error(t, err)

	checkpoint, _ := st.Checkpoint()
	assert.Equal(t, uint64(0), checkpoint)
}

func TestSync_BatchesBoundedRanges(t *testing.T) {
	chain := &fakeChain{head: 250}
	st := store.NewMemoryStore()
	ix := testIndexer(chain, st, &recordingPublisher{})

	caughtUp, err := ix.Sync(context.Background())
	require.NoError(t, err)
	assert.False(t, caughtUp)

	caughtUp, err = ix.Sync(context.Background())
	require.NoError(t, err)
	assert.False(t, caughtUp)

	caughtUp, err = ix.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, caughtUp)

	assert.Equal(t, [][2]uint64{{1, 100}, {101, 200}, {201, 250}}, chain.calls())
}

func TestSync_StartHeightSkipsHistory(t *testing.T) {
	chain := &fakeChain{head: 150}
	st := store.NewMemoryStore()
	ix := testIndexer(chain, st, &recordingPublisher{})
	ix.config.StartHeight = 120

	_, err := ix.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, [][2]uint64{{120, 150}}, chain.calls())
}

func TestSync_TwoEventsOneProjection(t *testing.T) {
	chain := &fakeChain{
		head: 110,
		logs: []types.Log{
			betLog(100, 1, 0, market1),
			resolvedLog(105, 2, market1),
		},
	}
	st := store.NewMemoryStore()
	ix := testIndexer(chain, st, &recordingPublisher{})

	// Head 110 spans two batches; sync until caught up.
	for {
		caughtUp, err := ix.Sync(context.Background())
		require.NoError(t, err)
		if caughtUp {
			break
		}
	}

	events, err := st.EventsByEntity(market1.Hex())
	require.NoError(t, err)
	require.Len(t, events, 2)

	proj, err := st.GetProjection(market1.Hex())
	require.NoError(t, err)
	require.NotNil(t, proj)
	assert.Equal(t, uint64(105), proj.BlockNumber)
	assert.Equal(t, "resolved", proj.Fields["status"])
	assert.Equal(t, "MarketResolved", proj.Fields["lastEventType"])
}

func TestRun_StopsOnCancel(t *testing.T) {
	chain := &fakeChain{head: 0}
	st := store.NewMemoryStore()
	ix := testIndexer(chain, st, &recordingPublisher{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ix.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("indexer did not stop after cancel")
	}
}

func TestNormalizeLog_UnknownTopicKeepsSignature(t *testing.T) {
	unknown := common.HexToHash("0xdeadbeef")
	log := &types.Log{
		Address:     testContract,
		Topics:      []common.Hash{unknown, market1},
		BlockNumber: 1,
		TxHash:      common.BytesToHash([]byte{9}),
	}

	event, err := normalizeLog(log, time.Unix(10, 0))
	require.NoError(t, err)
	assert.Equal(t, unknown.Hex(), event.EventType)
	// Unknown events are stored but never drive projections.
	assert.Empty(t, event.EntityID)
	assert.Nil(t, projectionFields(event, log))
}
