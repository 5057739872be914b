package mercadopago

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	cfgpkg "github.com/petgourmet/billing-backend/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ErrNotFound is returned when the gateway reports 404 for a resource.
// Callers use it to distinguish "not propagated yet" from real failures.
var ErrNotFound = errors.New("mercadopago: resource not found")

// APIError is a non-2xx gateway response other than 404.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mercadopago: status %d: %s", e.Status, e.Message)
}

// Retryable reports whether the failure is worth a gateway-side retry
// (rate limiting or server errors).
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Client is a thin authenticated wrapper over the MercadoPago REST API.
// It carries no business logic; matching and state transitions live in
// the reconciliation engine.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	log         *zap.SugaredLogger
}

func NewClient(cfg *cfgpkg.Config, log *zap.SugaredLogger) *Client {
	timeout := cfg.MercadoPago.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.MercadoPago.BaseURL, "/"),
		accessToken: cfg.MercadoPago.AccessToken,
		httpClient:  &http.Client{Timeout: timeout},
		log:         log,
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("mercadopago: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("mercadopago: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mercadopago: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("mercadopago: read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := parseErrorMessage(raw)
		c.log.Warnw("mercadopago_api_error", "method", method, "path", path, "status", resp.StatusCode, "message", msg)
		return &APIError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("mercadopago: decode response: %w", err)
	}
	return nil
}

func parseErrorMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	if len(raw) > 256 {
		raw = raw[:256]
	}
	return string(raw)
}

// GetPayment fetches a payment resource by gateway id.
func (c *Client) GetPayment(ctx context.Context, id string) (*Payment, error) {
	var p Payment
	if err := c.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(id), nil, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SearchPaymentsByReference searches payments carrying the given
// external_reference, most recent first.
func (c *Client) SearchPaymentsByReference(ctx context.Context, reference string) ([]*Payment, error) {
	q := url.Values{}
	q.Set("external_reference", reference)
	q.Set("sort", "date_created")
	q.Set("criteria", "desc")
	var res PaymentSearchResult
	if err := c.do(ctx, http.MethodGet, "/v1/payments/search", q, nil, &res); err != nil {
		return nil, err
	}
	return res.Results, nil
}

// SearchPaymentsByPayerEmail searches payments by payer email within a
// creation-date window.
func (c *Client) SearchPaymentsByPayerEmail(ctx context.Context, email string, begin, end time.Time) ([]*Payment, error) {
	q := url.Values{}
	q.Set("payer.email", email)
	q.Set("begin_date", begin.UTC().Format(time.RFC3339))
	q.Set("end_date", end.UTC().Format(time.RFC3339))
	q.Set("sort", "date_created")
	q.Set("criteria", "desc")
	var res PaymentSearchResult
	if err := c.do(ctx, http.MethodGet, "/v1/payments/search", q, nil, &res); err != nil {
		return nil, err
	}
	return res.Results, nil
}

// GetPreapproval fetches a recurring authorization by id.
func (c *Client) GetPreapproval(ctx context.Context, id string) (*Preapproval, error) {
	var p Preapproval
	if err := c.do(ctx, http.MethodGet, "/preapproval/"+url.PathEscape(id), nil, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePreapproval registers a new recurring authorization.
func (c *Client) CreatePreapproval(ctx context.Context, req *CreatePreapprovalRequest) (*Preapproval, error) {
	var p Preapproval
	if err := c.do(ctx, http.MethodPost, "/preapproval", nil, req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CancelPreapproval transitions a preapproval to cancelled. The gateway
// models cancellation as a status update, not a delete.
func (c *Client) CancelPreapproval(ctx context.Context, id string) (*Preapproval, error) {
	var p Preapproval
	body := map[string]string{"status": PreapprovalStatusCancelled}
	if err := c.do(ctx, http.MethodPut, "/preapproval/"+url.PathEscape(id), nil, body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

var Module = fx.Options(
	fx.Provide(NewClient),
)
