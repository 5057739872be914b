package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestComputeApproximateRequestSize(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/webhooks/mercadopago", nil)
	req.Header.Set("X-Request-Id", "abc")

	size := computeApproximateRequestSize(req)
	expected := len("/api/v1/webhooks/mercadopago") + len("GET") + len("HTTP/1.1") +
		len("X-Request-Id") + len("abc") + len(req.Host)
	require.Equal(t, expected, size)
}

func TestMillisecondsSince(t *testing.T) {
	require.GreaterOrEqual(t, MillisecondsSince(time.Now().Add(-time.Second)), 1000.0)
	require.Less(t, MillisecondsSince(time.Now()), 1000.0)
}
