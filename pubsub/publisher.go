package pubsub

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/openpredict/relay-go/store"
)

// Topic derivation is part of the wire contract with realtime subscribers:
//
//	events:<eventType>  every event, keyed by its normalized type name
//	entity:<entityID>   events carrying an entity id, keyed by that id
//
// The event type is used verbatim (no case transform), so subscribers match
// the names produced by the indexer's event registry.
const (
	eventTopicPrefix  = "events:"
	entityTopicPrefix = "entity:"
)

// EventTopic returns the global topic for an event type.
func EventTopic(eventType string) string {
	return eventTopicPrefix + eventType
}

// EntityTopic returns the entity-scoped topic for an entity id.
func EntityTopic(entityID string) string {
	return entityTopicPrefix + entityID
}

// Publisher fans one persisted event out to its broker topics and,
// when configured, mirrors it onto the Kafka firehose. Publication is
// fire-and-forget: failures are logged, never surfaced to the indexer.
type Publisher struct {
	broker Broker
	sink   *KafkaSink
	logger *zap.Logger
}

// NewPublisher creates a publisher. sink may be nil.
func NewPublisher(broker Broker, sink *KafkaSink, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{broker: broker, sink: sink, logger: logger}
}

// Publish sends the event to its global topic and, when it carries an entity
// id, to the entity-scoped topic.
func (p *Publisher) Publish(ctx context.Context, event *store.IndexedEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal event for publish",
			zap.String("event", event.Key()), zap.Error(err))
		return
	}

	p.publishTopic(ctx, EventTopic(event.EventType), payload)
	if event.EntityID != "" {
		p.publishTopic(ctx, EntityTopic(event.EntityID), payload)
	}

	if p.sink != nil {
		p.sink.Write(ctx, event, payload)
	}
}

func (p *Publisher) publishTopic(ctx context.Context, topic string, payload []byte) {
	if err := p.broker.Publish(ctx, topic, payload); err != nil {
		p.logger.Warn("broker publish failed",
			zap.String("topic", topic), zap.Error(err))
	}
}
