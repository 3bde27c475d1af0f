package pubsub

import (
	"context"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/openpredict/relay-go/store"
)

// KafkaSink mirrors every indexed event onto a single Kafka topic for
// downstream consumers (analytics, replication). Delivery is best-effort and
// asynchronous; a sink failure never affects indexing or broker fan-out.
type KafkaSink struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaSink creates a sink writing to topic on the given brokers.
func NewKafkaSink(brokers []string, topic string, logger *zap.Logger) *KafkaSink {
	if logger == nil {
		logger = zap.NewNop()
	}

	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Async:    true,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Warn("kafka sink write failed", zap.String("detail", msg))
		}),
	}

	return &KafkaSink{writer: writer, logger: logger}
}

// Write enqueues the event. Messages are keyed by entity id when present so
// per-entity ordering survives partitioning.
func (s *KafkaSink) Write(ctx context.Context, event *store.IndexedEvent, payload []byte) {
	key := event.EntityID
	if key == "" {
		key = event.TxHash.Hex()
	}

	err := s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: payload,
	})
	if err != nil {
		// Async writers only fail here on enqueue problems.
		s.logger.Warn("kafka sink enqueue failed",
			zap.String("event", event.Key()), zap.Error(err))
	}
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
