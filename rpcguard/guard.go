package rpcguard

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// Upstream abstracts the single upstream JSON-RPC endpoint.
type Upstream interface {
	RawCall(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Guard is the resilient proxy in front of the upstream node. Its cache and
// circuit state are shared by all concurrent requests.
type Guard struct {
	config   *Config
	upstream Upstream
	cache    *responseCache
	breaker  *CircuitBreaker
	logger   *zap.Logger
	metrics  *Metrics
	ttls     map[string]time.Duration
}

// NewGuard creates a guard in front of the given upstream.
func NewGuard(upstream Upstream, config *Config, logger *zap.Logger) *Guard {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ttls := make(map[string]time.Duration, len(defaultTTLs))
	for method, ttl := range defaultTTLs {
		ttls[method] = ttl
	}
	for method, ttl := range config.CacheTTLs {
		ttls[method] = ttl
	}

	return &Guard{
		config:   config,
		upstream: upstream,
		cache:    newResponseCache(config.CacheSize),
		breaker:  NewCircuitBreaker(config.FailureThreshold, config.ResetTimeout),
		logger:   logger,
		ttls:     ttls,
	}
}

// SetMetrics enables Prometheus metrics for the guard.
func (g *Guard) SetMetrics(m *Metrics) {
	g.metrics = m
}

// State returns the current circuit state.
func (g *Guard) State() CircuitState {
	return g.breaker.State()
}

// Do handles one JSON-RPC request:
//
//  1. reject malformed envelopes without contacting upstream
//  2. circuit open: serve stale cache or fail fast (one probe per reset window)
//  3. fresh cache hit: return without contacting upstream (the half-open
//     probe skips this and always reaches upstream)
//  4. bounded upstream attempts with increasing delays
//  5. success: reset failures, write through to cache
//  6. exhaustion: count one failure, fall back to stale cache
func (g *Guard) Do(ctx context.Context, req *Request) (*Response, CallMeta) {
	meta := CallMeta{CacheStatus: CacheMiss}

	if req.JSONRPC != "2.0" || req.Method == "" {
		return errorResponse(req.ID, CodeInvalidRequest,
			"invalid request: method and jsonrpc 2.0 marker are required",
			CauseValidation), meta
	}

	ttl, cacheable := g.ttls[req.Method]
	key := cacheKey(req.Method, req.Params)

	allowed, probe := g.breaker.Allow()
	if !allowed {
		if result, _, ok := g.cache.get(key); ok {
			meta.CacheStatus = CacheStale
			g.observe(meta, "stale")
			return resultResponse(req.ID, result), meta
		}
		g.observe(meta, "circuit_open")
		return errorResponse(req.ID, CodeUnavailable,
			"upstream temporarily unavailable", CauseCircuitOpen), meta
	}

	// Once the reset window elapses the next call attempts upstream
	// regardless of cache state, so the probe bypasses the fresh-cache
	// short-circuit.
	if cacheable && !probe {
		if result, fresh, ok := g.cache.get(key); ok && fresh {
			meta.CacheStatus = CacheHit
			g.observe(meta, "hit")
			return resultResponse(req.ID, result), meta
		}
	}

	args, errResp := decodeParams(req)
	if errResp != nil {
		// The probe slot must not leak on a request that never reached
		// upstream.
		if probe {
			g.breaker.CancelProbe()
		}
		return errResp, meta
	}

	var lastErr error
	for attempt := 1; attempt <= g.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := g.config.RetryBaseDelay * time.Duration(attempt-1)
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
			if ctx.Err() != nil {
				break
			}
		}

		meta.Attempts = attempt
		attemptCtx, cancel := context.WithTimeout(ctx, g.config.AttemptTimeout)
		var result json.RawMessage
		err := g.upstream.RawCall(attemptCtx, &result, req.Method, args...)
		cancel()

		if err == nil {
			g.breaker.RecordSuccess()
			if cacheable {
				g.cache.set(key, result, ttl)
			}
			g.observe(meta, "success")
			return resultResponse(req.ID, result), meta
		}

		// An upstream JSON-RPC error is a terminal answer, not an outage:
		// never retried, and the failure counter resets.
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			g.breaker.RecordSuccess()
			g.observe(meta, "upstream_error")
			resp := errorResponse(req.ID, rpcErr.ErrorCode(), rpcErr.Error(), "")
			var dataErr rpc.DataError
			if errors.As(err, &dataErr) {
				resp.Error.Data = dataErr.ErrorData()
			}
			return resp, meta
		}

		lastErr = err
		g.logger.Warn("upstream attempt failed",
			zap.String("method", req.Method),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if ctx.Err() != nil {
			break
		}
	}

	// All attempts exhausted: exactly one failure increment per request.
	g.breaker.RecordFailure()
	g.logger.Error("upstream call exhausted all attempts",
		zap.String("method", req.Method),
		zap.Int("attempts", meta.Attempts),
		zap.Int("consecutive_failures", g.breaker.Failures()),
		zap.Error(lastErr))

	if result, _, ok := g.cache.get(key); ok {
		meta.CacheStatus = CacheStale
		g.observe(meta, "stale")
		return resultResponse(req.ID, result), meta
	}

	g.observe(meta, "failure")
	return errorResponse(req.ID, CodeUnavailable,
		"upstream temporarily unavailable", CauseTimeout), meta
}

// decodeParams splits the raw params array into positional arguments. Only
// the positional (array) form is accepted: the upstream client sends
// arguments positionally, so the object form cannot be forwarded verbatim
// and is rejected before any upstream contact.
func decodeParams(req *Request) ([]interface{}, *Response) {
	if len(req.Params) == 0 || string(req.Params) == "null" {
		return nil, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(req.Params, &raw); err != nil {
		return nil, errorResponse(req.ID, CodeInvalidRequest,
			"invalid request: params must be a positional array", CauseValidation)
	}

	args := make([]interface{}, len(raw))
	for i, r := range raw {
		args[i] = r
	}
	return args, nil
}

func resultResponse(id, result json.RawMessage) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message, cause string) *Response {
	rpcError := &Error{Code: code, Message: message}
	if cause != "" {
		rpcError.Data = errorData{Cause: cause}
	}
	return &Response{JSONRPC: "2.0", ID: id, Error: rpcError}
}

func (g *Guard) observe(meta CallMeta, outcome string) {
	if g.metrics == nil {
		return
	}
	g.metrics.Requests.WithLabelValues(outcome).Inc()
	g.metrics.CircuitState.Set(float64(g.breaker.State()))
}
