// Package pubsub provides the broker transport used to fan indexed events out
// to the realtime gateway, and the publisher that maps persisted events onto
// broker topics.
package pubsub

import "context"

// Handler receives a message published to a topic matched by a subscription.
// msgID identifies one published message: transports that deliver a separate
// copy per matching pattern reuse the same id on every copy, so consumers can
// collapse duplicates. An empty id means the publisher attached none.
type Handler func(msgID, topic string, payload []byte)

// Broker is the pub/sub transport. Patterns use glob wildcards (`*` matches
// any run of characters, `?` a single character); an exact topic name is a
// pattern with no wildcards.
type Broker interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// SubscribePattern registers a handler for all topics matching pattern.
	// At most one handler per pattern; subscribing twice replaces the handler.
	SubscribePattern(ctx context.Context, pattern string, h Handler) error

	// UnsubscribePattern removes the subscription for pattern.
	UnsubscribePattern(ctx context.Context, pattern string) error

	Close() error
}
