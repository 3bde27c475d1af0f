// Package indexer polls the ledger for new contract events, records them
// durably, and hands newly inserted events to the publisher. The checkpoint
// only advances after a whole batch is durable, so a crash at any point
// replays the same range and the idempotent store absorbs the duplicates.
package indexer

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/openpredict/relay-go/store"
)

// ChainClient is the upstream read surface the indexer needs.
type ChainClient interface {
	GetLatestBlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, from, to uint64, address common.Address) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error)
}

// Publisher receives every newly inserted event. Implementations must not
// return errors into the indexer.
type Publisher interface {
	Publish(ctx context.Context, event *store.IndexedEvent)
}

// Config holds indexer configuration.
type Config struct {
	// ContractAddress is the ledger contract whose logs are indexed.
	ContractAddress common.Address

	// StartHeight is the first block to index when no checkpoint exists.
	StartHeight uint64

	// PollInterval is how often the chain head is polled when caught up.
	PollInterval time.Duration

	// BatchSize is the maximum number of blocks per log query.
	BatchSize uint64

	// RetryDelay is the fixed delay before retrying a failed batch.
	RetryDelay time.Duration
}

// Validate validates the indexer configuration.
func (c *Config) Validate() error {
	if c.ContractAddress == (common.Address{}) {
		return fmt.Errorf("contract address must be set")
	}
	if c.BatchSize == 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("retry delay must be positive")
	}
	return nil
}

// Indexer drives the poll-fetch-persist-publish loop.
type Indexer struct {
	client    ChainClient
	store     store.Store
	publisher Publisher
	config    *Config
	logger    *zap.Logger
	metrics   *Metrics
}

// NewIndexer creates a new Indexer instance.
func NewIndexer(client ChainClient, st store.Store, publisher Publisher, config *Config, logger *zap.Logger) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{
		client:    client,
		store:     st,
		publisher: publisher,
		config:    config,
		logger:    logger,
	}
}

// SetMetrics enables Prometheus metrics for the indexer.
func (ix *Indexer) SetMetrics(m *Metrics) {
	ix.metrics = m
}

// Run polls until ctx is canceled. Transient upstream and store failures are
// retried indefinitely with a fixed delay and never advance the checkpoint.
func (ix *Indexer) Run(ctx context.Context) error {
	ix.logger.Info("indexer starting",
		zap.String("contract", ix.config.ContractAddress.Hex()),
		zap.Uint64("start_height", ix.config.StartHeight),
		zap.Uint64("batch_size", ix.config.BatchSize),
	)

	for {
		caughtUp, err := ix.Sync(ctx)
		if err != nil {
			if ctx.Err() != nil {
				ix.logger.Info("indexer stopping", zap.Error(ctx.Err()))
				return nil
			}
			if ix.metrics != nil {
				ix.metrics.BatchErrors.Inc()
			}
			ix.logger.Error("sync failed, retrying", zap.Error(err))
			if !sleepCtx(ctx, ix.config.RetryDelay) {
				return nil
			}
			continue
		}

		if caughtUp {
			if !sleepCtx(ctx, ix.config.PollInterval) {
				return nil
			}
		}
	}
}

// Sync processes at most one batch of blocks past the checkpoint. It reports
// whether the indexer is caught up with the chain head.
func (ix *Indexer) Sync(ctx context.Context) (bool, error) {
	head, err := ix.client.GetLatestBlockNumber(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get chain head: %w", err)
	}
	if ix.metrics != nil {
		ix.metrics.ChainHead.Set(float64(head))
	}

	checkpoint, err := ix.store.Checkpoint()
	if err != nil {
		return false, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if checkpoint == 0 && ix.config.StartHeight > 0 {
		checkpoint = ix.config.StartHeight - 1
	}

	if head <= checkpoint {
		return true, nil
	}

	from := checkpoint + 1
	to := from + ix.config.BatchSize - 1
	if to > head {
		to = head
	}

	inserted, err := ix.processBatch(ctx, from, to)
	if err != nil {
		return false, err
	}

	// The batch is durable; publication is best-effort from here on.
	for _, event := range inserted {
		ix.publisher.Publish(ctx, event)
	}

	return to >= head, nil
}

// processBatch fetches, normalizes, and persists the logs of [from, to], then
// advances the checkpoint. Returns the events that were not already stored.
func (ix *Indexer) processBatch(ctx context.Context, from, to uint64) ([]*store.IndexedEvent, error) {
	logs, err := ix.client.FilterLogs(ctx, from, to, ix.config.ContractAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch logs [%d, %d]: %w", from, to, err)
	}

	blockTimes := make(map[uint64]time.Time)
	var inserted []*store.IndexedEvent

	for i := range logs {
		log := &logs[i]

		blockTime, ok := blockTimes[log.BlockNumber]
		if !ok {
			header, err := ix.client.HeaderByNumber(ctx, log.BlockNumber)
			if err != nil {
				return nil, fmt.Errorf("failed to get header %d: %w", log.BlockNumber, err)
			}
			blockTime = time.Unix(int64(header.Time), 0).UTC()
			blockTimes[log.BlockNumber] = blockTime
		}

		event, err := normalizeLog(log, blockTime)
		if err != nil {
			ix.logger.Warn("skipping malformed log",
				zap.Uint64("block", log.BlockNumber),
				zap.Error(err))
			continue
		}

		isNew, err := ix.store.InsertEvent(event)
		if err != nil {
			return nil, fmt.Errorf("failed to store event %s: %w", event.Key(), err)
		}

		if fields := projectionFields(event, log); fields != nil {
			if err := ix.store.UpsertProjection(event.EntityID, fields, event.BlockNumber, event.Timestamp); err != nil {
				return nil, fmt.Errorf("failed to update projection %s: %w", event.EntityID, err)
			}
		}

		if isNew {
			inserted = append(inserted, event)
			if ix.metrics != nil {
				ix.metrics.EventsIndexed.Inc()
			}
		}
	}

	if err := ix.store.SetCheckpoint(to); err != nil {
		return nil, fmt.Errorf("failed to advance checkpoint to %d: %w", to, err)
	}
	if ix.metrics != nil {
		ix.metrics.Checkpoint.Set(float64(to))
	}

	ix.logger.Info("indexed batch",
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Int("logs", len(logs)),
		zap.Int("new_events", len(inserted)),
	)

	return inserted, nil
}

// sleepCtx sleeps for d or until ctx is canceled, reporting whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
