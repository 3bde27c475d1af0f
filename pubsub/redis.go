package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBroker implements Broker on Redis Pub/Sub. Pattern subscriptions map
// directly onto PSUBSCRIBE, so the upstream subscription count equals the
// number of distinct active patterns.
type RedisBroker struct {
	client *redis.Client
	pubsub *redis.PubSub
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	handlers map[string]Handler
}

// RedisOptions holds Redis connection settings.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisBroker connects to Redis and starts the receive loop.
func NewRedisBroker(opts *RedisOptions, logger *zap.Logger) (*RedisBroker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithCancel(context.Background())

	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	b := &RedisBroker{
		client:   client,
		pubsub:   client.Subscribe(ctx),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string]Handler),
	}

	b.wg.Add(1)
	go b.receiveLoop()

	logger.Info("connected to redis broker", zap.String("addr", opts.Addr))
	return b, nil
}

// Publish sends a message to a topic. The payload is sealed in an envelope
// carrying a message id: PSUBSCRIBE delivers one copy per matching pattern,
// and the shared id lets consumers collapse those copies.
func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	data, err := sealMessage(payload)
	if err != nil {
		return fmt.Errorf("failed to seal message for %s: %w", topic, err)
	}
	if err := b.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// SubscribePattern issues a PSUBSCRIBE and registers the handler.
func (b *RedisBroker) SubscribePattern(ctx context.Context, pattern string, h Handler) error {
	if _, err := CompilePattern(pattern); err != nil {
		return err
	}

	b.mu.Lock()
	b.handlers[pattern] = h
	b.mu.Unlock()

	if err := b.pubsub.PSubscribe(ctx, pattern); err != nil {
		b.mu.Lock()
		delete(b.handlers, pattern)
		b.mu.Unlock()
		return fmt.Errorf("failed to psubscribe %s: %w", pattern, err)
	}
	return nil
}

// UnsubscribePattern issues a PUNSUBSCRIBE and removes the handler.
func (b *RedisBroker) UnsubscribePattern(ctx context.Context, pattern string) error {
	b.mu.Lock()
	delete(b.handlers, pattern)
	b.mu.Unlock()

	if err := b.pubsub.PUnsubscribe(ctx, pattern); err != nil {
		return fmt.Errorf("failed to punsubscribe %s: %w", pattern, err)
	}
	return nil
}

// receiveLoop dispatches incoming messages to the handler registered for the
// pattern that matched them.
func (b *RedisBroker) receiveLoop() {
	defer b.wg.Done()

	ch := b.pubsub.Channel()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			b.mu.RLock()
			h := b.handlers[msg.Pattern]
			b.mu.RUnlock()

			if h == nil {
				// Unsubscribed while the message was in flight.
				continue
			}
			id, data := openMessage([]byte(msg.Payload))
			h(id, msg.Channel, data)
		}
	}
}

// Close stops the receive loop and closes the connection.
func (b *RedisBroker) Close() error {
	b.cancel()
	if err := b.pubsub.Close(); err != nil {
		b.logger.Warn("error closing redis pubsub", zap.Error(err))
	}
	b.wg.Wait()
	return b.client.Close()
}
