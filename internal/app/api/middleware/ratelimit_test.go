package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestSlidingWindow_AllowsUpToLimit(t *testing.T) {
	w := newSlidingWindow(3, time.Minute)
	require.True(t, w.allow("1.2.3.4"))
	require.True(t, w.allow("1.2.3.4"))
	require.True(t, w.allow("1.2.3.4"))
	require.False(t, w.allow("1.2.3.4"))

	// Other clients are tracked independently.
	require.True(t, w.allow("5.6.7.8"))
}

func TestSlidingWindow_OldHitsExpire(t *testing.T) {
	now := time.Now()
	w := newSlidingWindow(2, time.Minute)
	w.now = func() time.Time { return now }

	require.True(t, w.allow("1.2.3.4"))
	require.True(t, w.allow("1.2.3.4"))
	require.False(t, w.allow("1.2.3.4"))

	// Advance past the window: the old hits no longer count.
	now = now.Add(61 * time.Second)
	require.True(t, w.allow("1.2.3.4"))
}

func TestSlidingWindow_SweepDropsIdleClients(t *testing.T) {
	now := time.Now()
	w := newSlidingWindow(5, time.Minute)
	w.now = func() time.Time { return now }

	require.True(t, w.allow("1.2.3.4"))
	require.True(t, w.allow("5.6.7.8"))
	require.Len(t, w.clients, 2)

	// After a full window without traffic the idle client's entry is
	// removed, not just emptied, so the map does not grow with every
	// distinct address ever seen.
	now = now.Add(2 * time.Minute)
	require.True(t, w.allow("1.2.3.4"))

	w.mu.Lock()
	_, idleKept := w.clients["5.6.7.8"]
	w.mu.Unlock()
	require.False(t, idleKept)
	require.Len(t, w.clients, 1)
}

func TestRateLimitMiddleware_Returns429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimitMiddleware(1))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "9.9.9.9:1234"

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}
