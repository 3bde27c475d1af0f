package pubsub

import (
	"context"
	"regexp"
	"sync"

	"github.com/google/uuid"
)

// LocalBroker is an in-process Broker. It backs tests and single-node runs
// where no Redis is configured.
type LocalBroker struct {
	mu   sync.RWMutex
	subs map[string]*localSub
}

type localSub struct {
	re      *regexp.Regexp
	handler Handler
}

// NewLocalBroker creates an empty in-process broker.
func NewLocalBroker() *LocalBroker {
	return &LocalBroker{subs: make(map[string]*localSub)}
}

// Publish delivers the message synchronously to every matching subscription.
// Delivery order per topic follows publish order. All matching handlers see
// the same message id.
func (b *LocalBroker) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	var handlers []Handler
	for _, sub := range b.subs {
		if sub.re.MatchString(topic) {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	id := uuid.NewString()
	for _, h := range handlers {
		h(id, topic, payload)
	}
	return nil
}

// SubscribePattern registers a handler for the pattern.
func (b *LocalBroker) SubscribePattern(_ context.Context, pattern string, h Handler) error {
	re, err := CompilePattern(pattern)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[pattern] = &localSub{re: re, handler: h}
	return nil
}

// UnsubscribePattern removes the subscription for the pattern.
func (b *LocalBroker) UnsubscribePattern(_ context.Context, pattern string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, pattern)
	return nil
}

// SubscriptionCount returns the number of active pattern subscriptions.
func (b *LocalBroker) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close removes all subscriptions.
func (b *LocalBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string]*localSub)
	return nil
}
