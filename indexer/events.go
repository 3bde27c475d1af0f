package indexer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/openpredict/relay-go/store"
)

// Ledger contract event signatures. topic0 of each log identifies the event;
// topics[1] carries the market id for all market-scoped events.
var (
	sigMarketCreated  = crypto.Keccak256Hash([]byte("MarketCreated(bytes32,address,string)"))
	sigBetPlaced      = crypto.Keccak256Hash([]byte("BetPlaced(bytes32,address,bool,uint256)"))
	sigMarketResolved = crypto.Keccak256Hash([]byte("MarketResolved(bytes32,bool)"))
)

// eventNames maps topic0 to the event name used in topic derivation.
// Unknown signatures fall back to the hex form of topic0.
var eventNames = map[common.Hash]string{
	sigMarketCreated:  "MarketCreated",
	sigBetPlaced:      "BetPlaced",
	sigMarketResolved: "MarketResolved",
}

// logPayload is the serialized form of a raw log carried in IndexedEvent.Payload.
type logPayload struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
}

// normalizeLog maps a raw chain log to an IndexedEvent. The timestamp is the
// containing block's timestamp.
func normalizeLog(log *types.Log, blockTime time.Time) (*store.IndexedEvent, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("log %s:%d has no topics", log.TxHash.Hex(), log.Index)
	}

	topic0 := log.Topics[0]
	name, known := eventNames[topic0]
	if !known {
		name = topic0.Hex()
	}

	var entityID string
	if known && len(log.Topics) > 1 {
		entityID = log.Topics[1].Hex()
	}

	payload, err := json.Marshal(logPayload{
		Address: log.Address,
		Topics:  log.Topics,
		Data:    log.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize log payload: %w", err)
	}

	return &store.IndexedEvent{
		EventType:   name,
		EntityID:    entityID,
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
		Payload:     payload,
		Timestamp:   blockTime,
	}, nil
}

// projectionFields derives the market projection update for an event, or nil
// when the event does not maintain a projection.
func projectionFields(event *store.IndexedEvent, log *types.Log) map[string]interface{} {
	if event.EntityID == "" {
		return nil
	}

	fields := map[string]interface{}{
		"lastEventType": event.EventType,
		"lastTxHash":    event.TxHash.Hex(),
	}

	switch log.Topics[0] {
	case sigMarketCreated:
		fields["status"] = "open"
		if len(log.Topics) > 2 {
			fields["creator"] = common.HexToAddress(log.Topics[2].Hex()).Hex()
		}
	case sigBetPlaced:
		if len(log.Topics) > 2 {
			fields["lastBettor"] = common.HexToAddress(log.Topics[2].Hex()).Hex()
		}
	case sigMarketResolved:
		fields["status"] = "resolved"
	}

	return fields
}
