package rpcguard

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResponseCache_FreshAndStale(t *testing.T) {
	c := newResponseCache(10)

	c.set("k", json.RawMessage(`"v"`), 20*time.Millisecond)

	result, fresh, ok := c.get("k")
	assert.True(t, ok)
	assert.True(t, fresh)
	assert.Equal(t, json.RawMessage(`"v"`), result)

	time.Sleep(25 * time.Millisecond)

	// Expired entries stay resident and are flagged stale.
	result, fresh, ok = c.get("k")
	assert.True(t, ok)
	assert.False(t, fresh)
	assert.Equal(t, json.RawMessage(`"v"`), result)
}

func TestResponseCache_EvictsOldest(t *testing.T) {
	c := newResponseCache(3)

	for i := 0; i < 3; i++ {
		c.set(fmt.Sprintf("k%d", i), json.RawMessage(`1`), time.Minute)
	}
	// Touch k0 so k1 becomes the eviction candidate.
	_, _, ok := c.get("k0")
	assert.True(t, ok)

	c.set("k3", json.RawMessage(`1`), time.Minute)

	assert.Equal(t, 3, c.size())
	_, _, ok = c.get("k1")
	assert.False(t, ok)
	_, _, ok = c.get("k0")
	assert.True(t, ok)
}

func TestResponseCache_Overwrite(t *testing.T) {
	c := newResponseCache(10)

	c.set("k", json.RawMessage(`1`), time.Minute)
	c.set("k", json.RawMessage(`2`), time.Minute)

	result, fresh, ok := c.get("k")
	assert.True(t, ok)
	assert.True(t, fresh)
	assert.Equal(t, json.RawMessage(`2`), result)
	assert.Equal(t, 1, c.size())
}

func TestCacheKey_CanonicalParams(t *testing.T) {
	// Whitespace differences must not split the cache.
	a := cacheKey("eth_getBalance", json.RawMessage(`["0xabc", "latest"]`))
	b := cacheKey("eth_getBalance", json.RawMessage(`["0xabc","latest"]`))
	assert.Equal(t, a, b)

	c := cacheKey("eth_getBalance", json.RawMessage(`["0xdef","latest"]`))
	assert.NotEqual(t, a, c)

	assert.Equal(t, "eth_chainId", cacheKey("eth_chainId", nil))
}
