package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/petgourmet/billing-backend/pkg/response"

	"github.com/gin-gonic/gin"
)

// slidingWindow tracks request timestamps per client within one window.
type slidingWindow struct {
	mu        sync.Mutex
	window    time.Duration
	limit     int
	clients   map[string][]time.Time
	lastSweep time.Time
	now       func() time.Time
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	return &slidingWindow{
		window:  window,
		limit:   limit,
		clients: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// allow records one hit for key and reports whether it stays within the
// limit. The caller's entry is pruned on every call; once per window the
// whole map is swept and clients with no live hits are dropped, so the map
// stays bounded by the clients seen in roughly the last two windows.
func (w *slidingWindow) allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.window)

	if now.Sub(w.lastSweep) >= w.window {
		w.sweep(cutoff)
		w.lastSweep = now
	}

	kept := pruneHits(w.clients[key], cutoff)
	if len(kept) >= w.limit {
		w.clients[key] = kept
		return false
	}
	w.clients[key] = append(kept, now)
	return true
}

// sweep drops every client whose hits all fall before cutoff. Caller holds
// the mutex.
func (w *slidingWindow) sweep(cutoff time.Time) {
	for key, hits := range w.clients {
		kept := pruneHits(hits, cutoff)
		if len(kept) == 0 {
			delete(w.clients, key)
			continue
		}
		w.clients[key] = kept
	}
}

func pruneHits(hits []time.Time, cutoff time.Time) []time.Time {
	kept := hits[:0]
	for _, h := range hits {
		if h.After(cutoff) {
			kept = append(kept, h)
		}
	}
	return kept
}

// RateLimitMiddleware limits requests per client IP with a sliding
// one-minute window. Exceeding the limit returns 429; the gateway backs
// off and redelivers.
func RateLimitMiddleware(perMinute int) gin.HandlerFunc {
	if perMinute <= 0 {
		perMinute = 120
	}
	limiter := newSlidingWindow(perMinute, time.Minute)
	return func(c *gin.Context) {
		if !limiter.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests,
				response.ErrorT[any](response.APIResponseCodeError, "rate limit exceeded"))
			return
		}
		c.Next()
	}
}
