package pubsub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpredict/relay-go/store"
)

func TestCompilePattern(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		match   bool
	}{
		{"events:BetPlaced", "events:BetPlaced", true},
		{"events:BetPlaced", "events:MarketCreated", false},
		{"events:*", "events:BetPlaced", true},
		{"events:*", "entity:0xabc", false},
		{"entity:0xabc*", "entity:0xabc123", true},
		{"entity:0xabc*", "entity:0xdef456", false},
		{"events:?etPlaced", "events:BetPlaced", true},
		{"events:?etPlaced", "events:BBetPlaced", false},
		// Regex metacharacters in topic names are literal.
		{"events:a.b", "events:a.b", true},
		{"events:a.b", "events:aXb", false},
	}

	for _, tc := range tests {
		re, err := CompilePattern(tc.pattern)
		require.NoError(t, err, tc.pattern)
		assert.Equal(t, tc.match, re.MatchString(tc.topic),
			"pattern %q vs topic %q", tc.pattern, tc.topic)
	}
}

func TestCompilePattern_Empty(t *testing.T) {
	_, err := CompilePattern("")
	assert.Error(t, err)
}

type recorder struct {
	mu     sync.Mutex
	ids    []string
	topics []string
	bodies []string
}

func (r *recorder) handler(msgID, topic string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, msgID)
	r.topics = append(r.topics, topic)
	r.bodies = append(r.bodies, string(payload))
}

func (r *recorder) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.topics...)
}

func (r *recorder) messageIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func TestLocalBroker_PatternDelivery(t *testing.T) {
	b := NewLocalBroker()
	ctx := context.Background()

	var rec recorder
	require.NoError(t, b.SubscribePattern(ctx, "events:*", rec.handler))

	require.NoError(t, b.Publish(ctx, "events:BetPlaced", []byte("a")))
	require.NoError(t, b.Publish(ctx, "entity:0xabc", []byte("b")))
	require.NoError(t, b.Publish(ctx, "events:MarketResolved", []byte("c")))

	assert.Equal(t, []string{"events:BetPlaced", "events:MarketResolved"}, rec.received())
}

func TestLocalBroker_Unsubscribe(t *testing.T) {
	b := NewLocalBroker()
	ctx := context.Background()

	var rec recorder
	require.NoError(t, b.SubscribePattern(ctx, "events:*", rec.handler))
	assert.Equal(t, 1, b.SubscriptionCount())

	require.NoError(t, b.UnsubscribePattern(ctx, "events:*"))
	assert.Equal(t, 0, b.SubscriptionCount())

	require.NoError(t, b.Publish(ctx, "events:BetPlaced", []byte("a")))
	assert.Empty(t, rec.received())
}

// One publish fanning out through several matching patterns carries one
// message id, so consumers can collapse the copies.
func TestLocalBroker_StableMessageID(t *testing.T) {
	b := NewLocalBroker()
	ctx := context.Background()

	var rec recorder
	require.NoError(t, b.SubscribePattern(ctx, "events:*", rec.handler))
	require.NoError(t, b.SubscribePattern(ctx, "events:BetPlaced", rec.handler))

	require.NoError(t, b.Publish(ctx, "events:BetPlaced", []byte("a")))

	ids := rec.messageIDs()
	require.Len(t, ids, 2)
	assert.NotEmpty(t, ids[0])
	assert.Equal(t, ids[0], ids[1])

	// A second publish gets a fresh id.
	require.NoError(t, b.Publish(ctx, "events:BetPlaced", []byte("b")))
	assert.NotEqual(t, ids[0], rec.messageIDs()[2])
}

func TestMessageEnvelope_RoundTrip(t *testing.T) {
	payload := []byte{0x00, 0xff, '{', 'x'}

	sealed, err := sealMessage(payload)
	require.NoError(t, err)

	id, data := openMessage(sealed)
	assert.NotEmpty(t, id)
	assert.Equal(t, payload, data)
}

// Messages published outside the broker carry no envelope and pass through
// with an empty id.
func TestMessageEnvelope_RawPassthrough(t *testing.T) {
	for _, raw := range [][]byte{
		[]byte("plain text"),
		[]byte(`{"id":"","data":"aGk="}`),
		[]byte(`{"v":1}`),
	} {
		id, data := openMessage(raw)
		assert.Empty(t, id)
		assert.Equal(t, raw, data)
	}
}

func TestTopicDerivation(t *testing.T) {
	assert.Equal(t, "events:BetPlaced", EventTopic("BetPlaced"))
	assert.Equal(t, "entity:0xabc", EntityTopic("0xabc"))
}

func TestPublisher_GlobalAndEntityTopics(t *testing.T) {
	b := NewLocalBroker()
	ctx := context.Background()

	var rec recorder
	require.NoError(t, b.SubscribePattern(ctx, "*", rec.handler))

	pub := NewPublisher(b, nil, nil)
	event := &store.IndexedEvent{
		EventType:   "BetPlaced",
		EntityID:    "0xmarket1",
		BlockNumber: 100,
		TxHash:      common.BytesToHash([]byte{1}),
		LogIndex:    0,
		Payload:     json.RawMessage(`{"amount":"10"}`),
		Timestamp:   time.Unix(100, 0),
	}

	pub.Publish(ctx, event)

	assert.Equal(t, []string{"events:BetPlaced", "entity:0xmarket1"}, rec.received())

	// The payload on both topics is the serialized event.
	var decoded store.IndexedEvent
	require.NoError(t, json.Unmarshal([]byte(rec.bodies[0]), &decoded))
	assert.Equal(t, event.TxHash, decoded.TxHash)
	assert.Equal(t, "BetPlaced", decoded.EventType)
}

func TestPublisher_NoEntityTopicWithoutEntity(t *testing.T) {
	b := NewLocalBroker()
	ctx := context.Background()

	var rec recorder
	require.NoError(t, b.SubscribePattern(ctx, "entity:*", rec.handler))

	pub := NewPublisher(b, nil, nil)
	pub.Publish(ctx, &store.IndexedEvent{
		EventType:   "CheckpointMoved",
		BlockNumber: 7,
		TxHash:      common.BytesToHash([]byte{2}),
	})

	assert.Empty(t, rec.received())
}

type failingBroker struct{}

func (failingBroker) Publish(context.Context, string, []byte) error {
	return assert.AnError
}
func (failingBroker) SubscribePattern(context.Context, string, Handler) error { return nil }
func (failingBroker) UnsubscribePattern(context.Context, string) error        { return nil }
func (failingBroker) Close() error                                            { return nil }

// Broker failures are logged and swallowed, never surfaced to the caller.
func TestPublisher_SwallowsBrokerErrors(t *testing.T) {
	pub := NewPublisher(failingBroker{}, nil, nil)

	assert.NotPanics(t, func() {
		pub.Publish(context.Background(), &store.IndexedEvent{
			EventType: "BetPlaced",
			EntityID:  "0xabc",
			TxHash:    common.BytesToHash([]byte{3}),
		})
	})
}
