package rpcguard

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// maxBodySize bounds the request body to keep malformed clients cheap.
const maxBodySize = 1 << 20

// Handler returns an http.HandlerFunc exposing the guard as a JSON-RPC
// endpoint. A process-wide token bucket sheds load before any guard work.
func Handler(guard *Guard, rps float64, burst int, logger *zap.Logger) http.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if r.Method != http.MethodPost {
			writeResponse(w, http.StatusMethodNotAllowed, errorResponse(nil,
				CodeInvalidRequest, "only POST is accepted", CauseValidation), logger)
			return
		}

		if limiter != nil && !limiter.Allow() {
			if guard.metrics != nil {
				guard.metrics.RateLimited.Inc()
			}
			writeResponse(w, http.StatusTooManyRequests, errorResponse(nil,
				CodeRateLimited, "rate limit exceeded", CauseRateLimited), logger)
			return
		}

		var req Request
		body := http.MaxBytesReader(w, r.Body, maxBodySize)
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			writeResponse(w, http.StatusBadRequest, errorResponse(nil,
				CodeInvalidRequest, "invalid request: malformed JSON body",
				CauseValidation), logger)
			return
		}

		resp, meta := guard.Do(r.Context(), &req)

		w.Header().Set("X-Cache", string(meta.CacheStatus))
		w.Header().Set("X-Attempts", strconv.Itoa(meta.Attempts))
		writeResponse(w, http.StatusOK, resp, logger)
	}
}

func writeResponse(w http.ResponseWriter, status int, resp *Response, logger *zap.Logger) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Warn("failed to write rpc response", zap.Error(err))
	}
}
