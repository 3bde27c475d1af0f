package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openpredict/relay-go/pubsub"
)

const (
	// DefaultMaxClients limits concurrent connections.
	DefaultMaxClients = 10000

	// maxPatternsPerClient bounds per-connection subscription state.
	maxPatternsPerClient = 128

	// maxPatternLength bounds the accepted pattern size.
	maxPatternLength = 256

	// seenMessageWindow bounds the message-id dedupe window. Duplicate copies
	// of one publish arrive back to back, so a small window suffices.
	seenMessageWindow = 1024
)

// patternSub is one channel subscription: a pattern, its matcher compiled
// once when the pattern is first seen, and the set of subscribed clients.
// Its existence reference-counts the upstream broker subscription: created on
// the first subscriber, released when the set becomes empty.
type patternSub struct {
	pattern     string
	re          *regexp.Regexp
	subscribers map[string]struct{}
}

// Config holds gateway tunables.
type Config struct {
	// HeartbeatInterval is the liveness ping period. A connection that did
	// not answer the previous ping is terminated on the next tick.
	HeartbeatInterval time.Duration

	// MaxClients limits concurrent connections (0 means DefaultMaxClients).
	MaxClients int

	// SendBufferSize is the per-client outbound buffer (0 means 256).
	SendBufferSize int
}

// Hub owns all gateway state: the connection table and the channel
// subscription table. Both are guarded by one mutex; no other goroutine
// touches the maps directly.
type Hub struct {
	broker  pubsub.Broker
	config  Config
	logger  *zap.Logger
	metrics *Metrics

	mu       sync.RWMutex
	clients  map[string]*Client
	patterns map[string]*patternSub

	// seen tracks recently broadcast message ids so that transports delivering
	// one copy per matching pattern still produce one delivery per client.
	seenMu   sync.Mutex
	seen     map[string]struct{}
	seenRing []string
}

// NewHub creates a hub fanning broker messages out over the given transport.
func NewHub(broker pubsub.Broker, config Config, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxClients == 0 {
		config.MaxClients = DefaultMaxClients
	}
	if config.SendBufferSize == 0 {
		config.SendBufferSize = 256
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 30 * time.Second
	}

	return &Hub{
		broker:   broker,
		config:   config,
		logger:   logger,
		clients:  make(map[string]*Client),
		patterns: make(map[string]*patternSub),
		seen:     make(map[string]struct{}, seenMessageWindow),
	}
}

// SetMetrics enables Prometheus metrics for the hub.
func (h *Hub) SetMetrics(m *Metrics) {
	h.metrics = m
}

// register adds a connected client to the hub.
func (h *Hub) register(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.clients) >= h.config.MaxClients {
		return fmt.Errorf("max clients reached (%d)", h.config.MaxClients)
	}
	h.clients[c.ID] = c

	if h.metrics != nil {
		h.metrics.ClientsConnected.Inc()
	}
	h.logger.Info("client connected",
		zap.String("client_id", c.ID),
		zap.Int("total_clients", len(h.clients)))
	return nil
}

// unregister removes a client and releases all of its subscriptions. It is
// the single cleanup path shared by voluntary close, read errors, and failed
// liveness checks.
func (h *Hub) unregister(clientID string) {
	h.mu.Lock()

	c, ok := h.clients[clientID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, clientID)

	var released []string
	for pattern, sub := range h.patterns {
		if _, subscribed := sub.subscribers[clientID]; !subscribed {
			continue
		}
		delete(sub.subscribers, clientID)
		if len(sub.subscribers) == 0 {
			delete(h.patterns, pattern)
			released = append(released, pattern)
		}
	}
	remaining := len(h.clients)
	h.mu.Unlock()

	// Upstream unsubscribes happen outside the lock; the subscription records
	// are already gone, so a concurrent subscribe recreates them cleanly.
	for _, pattern := range released {
		h.releaseUpstream(pattern)
	}

	c.closeSend()

	if h.metrics != nil {
		h.metrics.ClientsConnected.Dec()
	}
	h.logger.Info("client disconnected",
		zap.String("client_id", clientID),
		zap.Int("total_clients", remaining))
}

// subscribe adds a pattern subscription for a client. The first subscriber to
// a pattern triggers the upstream broker subscription.
func (h *Hub) subscribe(clientID, pattern string) error {
	if pattern == "" {
		return fmt.Errorf("channel is required")
	}
	if len(pattern) > maxPatternLength {
		return fmt.Errorf("channel pattern too long")
	}

	re, err := pubsub.CompilePattern(pattern)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if _, ok := h.clients[clientID]; !ok {
		h.mu.Unlock()
		return fmt.Errorf("unknown client")
	}

	count := 0
	for _, sub := range h.patterns {
		if _, ok := sub.subscribers[clientID]; ok {
			count++
		}
	}
	if count >= maxPatternsPerClient {
		h.mu.Unlock()
		return fmt.Errorf("too many subscriptions")
	}

	sub, exists := h.patterns[pattern]
	if !exists {
		sub = &patternSub{
			pattern:     pattern,
			re:          re,
			subscribers: make(map[string]struct{}),
		}
		h.patterns[pattern] = sub
	}
	sub.subscribers[clientID] = struct{}{}
	h.mu.Unlock()

	if !exists {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := h.broker.SubscribePattern(ctx, pattern, h.Broadcast)
		cancel()
		if err != nil {
			h.mu.Lock()
			if cur, ok := h.patterns[pattern]; ok {
				delete(cur.subscribers, clientID)
				if len(cur.subscribers) == 0 {
					delete(h.patterns, pattern)
				}
			}
			h.mu.Unlock()
			return fmt.Errorf("upstream subscribe failed: %w", err)
		}
		if h.metrics != nil {
			h.metrics.ActivePatterns.Inc()
		}
		h.logger.Debug("upstream pattern subscribed", zap.String("pattern", pattern))
	}

	return nil
}

// unsubscribe removes one pattern subscription for a client. The last
// unsubscribe releases the upstream broker subscription.
func (h *Hub) unsubscribe(clientID, pattern string) {
	h.mu.Lock()
	sub, ok := h.patterns[pattern]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, subscribed := sub.subscribers[clientID]; !subscribed {
		h.mu.Unlock()
		return
	}
	delete(sub.subscribers, clientID)
	empty := len(sub.subscribers) == 0
	if empty {
		delete(h.patterns, pattern)
	}
	h.mu.Unlock()

	if empty {
		h.releaseUpstream(pattern)
	}
}

func (h *Hub) releaseUpstream(pattern string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.broker.UnsubscribePattern(ctx, pattern); err != nil {
		h.logger.Warn("upstream unsubscribe failed",
			zap.String("pattern", pattern), zap.Error(err))
	}
	if h.metrics != nil {
		h.metrics.ActivePatterns.Dec()
	}
	h.logger.Debug("upstream pattern released", zap.String("pattern", pattern))
}

// markSeen records a message id and reports whether it was already present.
// The window is bounded: once full, the oldest id is evicted.
func (h *Hub) markSeen(id string) bool {
	h.seenMu.Lock()
	defer h.seenMu.Unlock()

	if _, ok := h.seen[id]; ok {
		return true
	}
	h.seen[id] = struct{}{}
	h.seenRing = append(h.seenRing, id)
	if len(h.seenRing) > seenMessageWindow {
		delete(h.seen, h.seenRing[0])
		h.seenRing = h.seenRing[1:]
	}
	return false
}

// Broadcast delivers a broker message to every client with at least one
// matching pattern, exactly once per client regardless of how many of its
// patterns match. It is the handler registered with the broker; duplicate
// transport copies of one publish share a message id and are dropped here.
func (h *Hub) Broadcast(msgID, topic string, payload []byte) {
	if msgID != "" && h.markSeen(msgID) {
		return
	}

	h.mu.RLock()
	recipients := make(map[string]*Client)
	for _, sub := range h.patterns {
		if !sub.re.MatchString(topic) {
			continue
		}
		for clientID := range sub.subscribers {
			if c, ok := h.clients[clientID]; ok {
				recipients[clientID] = c
			}
		}
	}
	h.mu.RUnlock()

	if len(recipients) == 0 {
		return
	}

	frame, err := json.Marshal(eventFrame{
		Type:      "event",
		Channel:   topic,
		Data:      payload,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		h.logger.Error("failed to marshal event frame", zap.Error(err))
		return
	}

	delivered := 0
	for _, c := range recipients {
		if c.trySend(frame) {
			delivered++
		} else {
			// Slow consumer: drop the connection rather than stall fan-out.
			h.logger.Warn("client send buffer full, terminating",
				zap.String("client_id", c.ID))
			go h.terminate(c)
			if h.metrics != nil {
				h.metrics.MessagesDropped.Inc()
			}
		}
	}

	if h.metrics != nil {
		h.metrics.MessagesDelivered.Add(float64(delivered))
	}
	h.logger.Debug("message broadcast",
		zap.String("topic", topic),
		zap.Int("recipients", delivered))
}

// terminate force-closes a connection and runs the shared cleanup path.
func (h *Hub) terminate(c *Client) {
	h.unregister(c.ID)
	c.closeConn()
}

// RunHeartbeat pings every connection at the configured interval and
// terminates connections that did not answer the previous ping. It returns
// when ctx is cancelled.
func (h *Hub) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepConnections()
		}
	}
}

func (h *Hub) sweepConnections() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.alive.Swap(false) {
			h.logger.Info("liveness check failed, terminating connection",
				zap.String("client_id", c.ID))
			h.terminate(c)
			continue
		}
		c.requestPing()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PatternCount returns the number of distinct active patterns, which equals
// the number of upstream broker subscriptions.
func (h *Hub) PatternCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.patterns)
}

// SubscriberCount returns the number of clients subscribed to a pattern.
func (h *Hub) SubscriberCount(pattern string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if sub, ok := h.patterns[pattern]; ok {
		return len(sub.subscribers)
	}
	return 0
}

// Stop terminates every connection and clears all state.
func (h *Hub) Stop() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.terminate(c)
	}
	h.logger.Info("gateway stopped")
}
