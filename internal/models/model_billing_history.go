package models

import (
	"time"

	"gorm.io/datatypes"
)

// BillingHistory is an append-only ledger entry, one row per distinct
// gateway payment id. Uniqueness on mercadopago_payment_id is the
// replay guard: re-delivered events update the row in place.
type BillingHistory struct {
	ID                   uint           `gorm:"column:id;primaryKey" json:"id"`
	SubscriptionID       uint           `gorm:"column:subscription_id;not null;index" json:"subscription_id"`
	MercadopagoPaymentID string         `gorm:"column:mercadopago_payment_id;type:varchar(64);not null;uniqueIndex" json:"mercadopago_payment_id"`
	Amount               float64        `gorm:"column:amount;not null" json:"amount"`
	Status               string         `gorm:"column:status;type:varchar(32);not null" json:"status"`
	PaymentMethod        string         `gorm:"column:payment_method;type:varchar(64)" json:"payment_method"`
	GatewayDetail        datatypes.JSON `gorm:"column:gateway_detail;type:jsonb;default:'{}'" json:"gateway_detail"`
	BillingDate          time.Time      `gorm:"column:billing_date" json:"billing_date"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

func (BillingHistory) TableName() string { return "subscription_billing_history" }
