package mercadopago

import "time"

// Payment statuses as reported by the gateway.
const (
	PaymentStatusApproved   = "approved"
	PaymentStatusPending    = "pending"
	PaymentStatusInProcess  = "in_process"
	PaymentStatusRejected   = "rejected"
	PaymentStatusCancelled  = "cancelled"
	PaymentStatusRefunded   = "refunded"
	PaymentStatusChargedBack = "charged_back"
)

// Preapproval statuses.
const (
	PreapprovalStatusPending    = "pending"
	PreapprovalStatusAuthorized = "authorized"
	PreapprovalStatusPaused     = "paused"
	PreapprovalStatusCancelled  = "cancelled"
)

type Payer struct {
	ID    string `json:"id,omitempty"`
	Email string `json:"email"`
}

type Payment struct {
	ID                int64          `json:"id"`
	Status            string         `json:"status"`
	StatusDetail      string         `json:"status_detail,omitempty"`
	TransactionAmount float64        `json:"transaction_amount"`
	CurrencyID        string         `json:"currency_id,omitempty"`
	ExternalReference string         `json:"external_reference,omitempty"`
	PaymentMethodID   string         `json:"payment_method_id,omitempty"`
	PaymentTypeID     string         `json:"payment_type_id,omitempty"`
	Payer             Payer          `json:"payer"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	DateCreated       *time.Time     `json:"date_created,omitempty"`
	DateApproved      *time.Time     `json:"date_approved,omitempty"`
}

// Approved reports whether the payment settled successfully.
func (p *Payment) Approved() bool {
	return p != nil && p.Status == PaymentStatusApproved
}

type PaymentSearchPaging struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type PaymentSearchResult struct {
	Paging  PaymentSearchPaging `json:"paging"`
	Results []*Payment          `json:"results"`
}

type AutoRecurring struct {
	Frequency         int     `json:"frequency"`
	FrequencyType     string  `json:"frequency_type"`
	TransactionAmount float64 `json:"transaction_amount"`
	CurrencyID        string  `json:"currency_id"`
	StartDate         string  `json:"start_date,omitempty"`
	EndDate           string  `json:"end_date,omitempty"`
}

type Preapproval struct {
	ID                string        `json:"id"`
	Status            string        `json:"status"`
	Reason            string        `json:"reason,omitempty"`
	ExternalReference string        `json:"external_reference,omitempty"`
	PayerEmail        string        `json:"payer_email,omitempty"`
	AutoRecurring     AutoRecurring `json:"auto_recurring"`
	NextPaymentDate   *time.Time    `json:"next_payment_date,omitempty"`
	DateCreated       *time.Time    `json:"date_created,omitempty"`
}

type CreatePreapprovalRequest struct {
	Reason            string        `json:"reason"`
	ExternalReference string        `json:"external_reference"`
	PayerEmail        string        `json:"payer_email"`
	AutoRecurring     AutoRecurring `json:"auto_recurring"`
	BackURL           string        `json:"back_url,omitempty"`
	Status            string        `json:"status,omitempty"`
}

// WebhookEvent is the inbound notification body.
type WebhookEvent struct {
	ID       any    `json:"id"`
	Type     string `json:"type"`
	Action   string `json:"action,omitempty"`
	LiveMode bool   `json:"live_mode"`
	Data     struct {
		ID string `json:"id"`
	} `json:"data"`
}
