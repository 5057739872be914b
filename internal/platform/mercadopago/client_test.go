package mercadopago

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	cfgpkg "github.com/petgourmet/billing-backend/pkg/config"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := &cfgpkg.Config{}
	cfg.MercadoPago.BaseURL = srv.URL
	cfg.MercadoPago.AccessToken = "test-token"
	cfg.MercadoPago.HTTPTimeout = 2 * time.Second
	return NewClient(cfg, zap.NewNop().Sugar()), srv
}

func TestGetPayment_SendsBearerAndDecodes(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payments/123", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":123,"status":"approved","transaction_amount":570,"external_reference":"SUB-U1-7-abcd","payer":{"email":"a@b.com"}}`))
	})

	p, err := c.GetPayment(context.Background(), "123")
	require.NoError(t, err)
	require.Equal(t, int64(123), p.ID)
	require.True(t, p.Approved())
	require.Equal(t, 570.0, p.TransactionAmount)
	require.Equal(t, "SUB-U1-7-abcd", p.ExternalReference)
	require.Equal(t, "a@b.com", p.Payer.Email)
}

func TestGetPayment_NotFound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.GetPayment(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSearchPaymentsByReference_QueryParams(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payments/search", r.URL.Path)
		require.Equal(t, "SUB-U1-7-abcd", r.URL.Query().Get("external_reference"))
		_, _ = w.Write([]byte(`{"paging":{"total":1},"results":[{"id":9,"status":"approved"}]}`))
	})

	res, err := c.SearchPaymentsByReference(context.Background(), "SUB-U1-7-abcd")
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, int64(9), res[0].ID)
}

func TestAPIError_Retryable(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message":"upstream exploded"}`))
	})

	_, err := c.GetPayment(context.Background(), "1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.True(t, apiErr.Retryable())
	require.Equal(t, "upstream exploded", apiErr.Message)
}

func TestCancelPreapproval_PutsStatusCancelled(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/preapproval/pa-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"pa-1","status":"cancelled"}`))
	})

	p, err := c.CancelPreapproval(context.Background(), "pa-1")
	require.NoError(t, err)
	require.Equal(t, PreapprovalStatusCancelled, p.Status)
}
