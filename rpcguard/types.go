// Package rpcguard proxies JSON-RPC calls to the single upstream node,
// maximizing availability with per-method caching, bounded retries, and a
// process-wide circuit breaker.
package rpcguard

import (
	"bytes"
	"encoding/json"
	"time"
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object. Data distinguishes the failure cause
// for callers that need to tell validation, timeout, and circuit-open apart.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// JSON-RPC error codes used by the guard.
const (
	CodeInvalidRequest = -32600
	CodeUnavailable    = -32000
	CodeRateLimited    = -32005
)

// Failure causes carried in Error.Data.
const (
	CauseValidation  = "validation"
	CauseTimeout     = "timeout"
	CauseCircuitOpen = "circuit_open"
	CauseRateLimited = "rate_limited"
)

// errorData is the structured payload of guard-originated errors.
type errorData struct {
	Cause string `json:"cause"`
}

// CacheStatus reports how a response was served.
type CacheStatus string

const (
	CacheMiss  CacheStatus = "miss"
	CacheHit   CacheStatus = "hit"
	CacheStale CacheStatus = "stale"
)

// CallMeta carries observability metadata alongside a response.
type CallMeta struct {
	CacheStatus CacheStatus
	Attempts    int
}

// ttlPinned marks responses that never change for a given chain.
const ttlPinned = 365 * 24 * time.Hour

// defaultTTLs is the static per-method cache policy. Methods absent from the
// table are never cached.
var defaultTTLs = map[string]time.Duration{
	"eth_chainId":             ttlPinned,
	"net_version":             ttlPinned,
	"eth_blockNumber":         2 * time.Second,
	"eth_gasPrice":            15 * time.Second,
	"eth_getBalance":          30 * time.Second,
	"eth_call":                30 * time.Second,
	"eth_getTransactionCount": 15 * time.Second,
	"eth_getCode":             10 * time.Minute,
}

// Config holds guard tunables.
type Config struct {
	// AttemptTimeout bounds each upstream attempt.
	AttemptTimeout time.Duration
	// MaxAttempts is the total number of upstream attempts per request.
	MaxAttempts int
	// RetryBaseDelay is the inter-attempt delay; attempt n waits n*base.
	RetryBaseDelay time.Duration
	// FailureThreshold opens the circuit after this many consecutive
	// exhausted requests.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before a probe.
	ResetTimeout time.Duration
	// CacheSize is the maximum number of cached responses.
	CacheSize int
	// CacheTTLs overrides entries of the built-in per-method table.
	CacheTTLs map[string]time.Duration
}

// DefaultConfig returns the default guard configuration. The total latency
// bound is roughly AttemptTimeout*MaxAttempts plus the inter-attempt delays,
// sized to stay under a typical 30s caller deadline.
func DefaultConfig() *Config {
	return &Config{
		AttemptTimeout:   5 * time.Second,
		MaxAttempts:      3,
		RetryBaseDelay:   200 * time.Millisecond,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		CacheSize:        10000,
	}
}

// cacheKey builds the cache key from the method and the canonical (compact)
// serialization of the parameters.
func cacheKey(method string, params json.RawMessage) string {
	if len(params) == 0 {
		return method
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, params); err != nil {
		return method + ":" + string(params)
	}
	return method + ":" + buf.String()
}
