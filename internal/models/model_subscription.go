package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/petgourmet/billing-backend/pkg/types"

	"gorm.io/datatypes"
)

// SubscriptionMetadata is stored in the metadata JSON column and stashes
// sync provenance plus gateway ids learned after checkout.
type SubscriptionMetadata struct {
	// PaymentExternalReference is the reference the gateway minted for the
	// payment when it differs from the checkout external_reference.
	PaymentExternalReference string `json:"payment_external_reference,omitempty"`
	// MercadopagoPaymentID is the last gateway payment reconciled against
	// this subscription.
	MercadopagoPaymentID string `json:"mercadopago_payment_id,omitempty"`
	// SyncedVia records which path last mutated the row (webhook,
	// auto_verify, admin_sync).
	SyncedVia string `json:"synced_via,omitempty"`
	SyncedAt  string `json:"synced_at,omitempty"`
	// ErrorNote explains an error-status transition (orphan timeout).
	ErrorNote string `json:"error_note,omitempty"`
}

// Subscription is a recurring purchase, one row per checkout attempt.
// Duplicate pending rows for the same external_reference may exist
// transiently and are collapsed to one before activation.
type Subscription struct {
	ID        uint                     `gorm:"column:id;primaryKey" json:"id"`
	UserID    string                   `gorm:"column:user_id;type:varchar(64);not null;index:idx_sub_user_product,priority:1" json:"user_id"`
	ProductID uint                     `gorm:"column:product_id;not null;index:idx_sub_user_product,priority:2" json:"product_id"`
	Status    types.SubscriptionStatus `gorm:"column:status;type:varchar(32);not null;default:'pending';index" json:"status"`
	// ExternalReference format: SUB-{userId}-{productId}-{randomSuffix}.
	ExternalReference string `gorm:"column:external_reference;type:varchar(128);index" json:"external_reference"`
	// MercadopagoSubscriptionID is the gateway preapproval id, nil until authorized.
	MercadopagoSubscriptionID *string `gorm:"column:mercadopago_subscription_id;type:varchar(64);index" json:"mercadopago_subscription_id"`

	ProductName string `gorm:"column:product_name;type:varchar(255)" json:"product_name"`
	// Pricing snapshot. Once any of these is non-zero it must never be
	// reset to zero by a later update.
	BasePrice          float64 `gorm:"column:base_price" json:"base_price"`
	DiscountPercentage float64 `gorm:"column:discount_percentage" json:"discount_percentage"`
	DiscountedPrice    float64 `gorm:"column:discounted_price" json:"discounted_price"`
	TransactionAmount  float64 `gorm:"column:transaction_amount" json:"transaction_amount"`
	Currency           string  `gorm:"column:currency;type:varchar(8);default:'MXN'" json:"currency"`

	SubscriptionType types.SubscriptionType `gorm:"column:subscription_type;type:varchar(32);default:'monthly'" json:"subscription_type"`
	Frequency        int                    `gorm:"column:frequency" json:"frequency"`
	FrequencyType    string                 `gorm:"column:frequency_type;type:varchar(16)" json:"frequency_type"`

	NextBillingDate *time.Time `gorm:"column:next_billing_date;default:null" json:"next_billing_date"`
	LastBillingDate *time.Time `gorm:"column:last_billing_date;default:null" json:"last_billing_date"`
	ChargesMade     int        `gorm:"column:charges_made;not null;default:0" json:"charges_made"`

	// CustomerData may be an object or a pre-serialized JSON string
	// depending on which checkout version wrote it.
	CustomerData datatypes.JSON                            `gorm:"column:customer_data;type:jsonb;default:'{}'" json:"customer_data"`
	Metadata     datatypes.JSONType[*SubscriptionMetadata] `gorm:"column:metadata;type:jsonb;default:'{}'" json:"metadata"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Subscription) TableName() string { return "unified_subscriptions" }

func (s *Subscription) GetMetadata() *SubscriptionMetadata {
	if s == nil {
		return nil
	}
	return s.Metadata.Data()
}

// CustomerDataContains reports whether the raw customer-data blob contains
// needle. The blob may be serialized JSON or a doubly-encoded string, so
// this is a plain containment check, not a field lookup.
func (s *Subscription) CustomerDataContains(needle string) bool {
	if s == nil || needle == "" || len(s.CustomerData) == 0 {
		return false
	}
	return strings.Contains(strings.ToLower(string(s.CustomerData)), strings.ToLower(needle))
}

// CustomerEmail extracts the email field from the customer-data blob when
// it is a decodable object; empty string otherwise.
func (s *Subscription) CustomerEmail() string {
	if s == nil || len(s.CustomerData) == 0 {
		return ""
	}
	raw := s.CustomerData
	// Unwrap a doubly-encoded blob first.
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		raw = []byte(asString)
	}
	var data struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return ""
	}
	return data.Email
}
