package models

import (
	"time"

	"github.com/petgourmet/billing-backend/pkg/types"

	"gorm.io/datatypes"
)

// Order is a one-time purchase. Orders are never hard-deleted; cancelled
// is terminal but the row is retained.
type Order struct {
	ID          uint              `gorm:"column:id;primaryKey" json:"id"`
	Total       float64           `gorm:"column:total;not null" json:"total"`
	Status      types.OrderStatus `gorm:"column:status;type:varchar(32);not null;default:'pending';index" json:"status"`
	PaymentStatus types.PaymentStatus `gorm:"column:payment_status;type:varchar(32);not null;default:'pending'" json:"payment_status"`
	// MercadopagoPaymentID is the gateway payment attached to this order.
	// At most one is attached at a time.
	MercadopagoPaymentID *string `gorm:"column:mercadopago_payment_id;type:varchar(64);index" json:"mercadopago_payment_id"`
	// ExternalReference is the correlation id sent to the gateway at checkout.
	ExternalReference *string `gorm:"column:external_reference;type:varchar(128);index" json:"external_reference"`
	PaymentMethod     string  `gorm:"column:payment_method;type:varchar(64)" json:"payment_method"`
	PaymentType       string  `gorm:"column:payment_type;type:varchar(64)" json:"payment_type"`
	CustomerEmail     string  `gorm:"column:customer_email;type:varchar(255);index" json:"customer_email"`
	CustomerName      string  `gorm:"column:customer_name;type:varchar(255)" json:"customer_name"`
	CustomerPhone     string  `gorm:"column:customer_phone;type:varchar(64)" json:"customer_phone"`
	// CustomerData is the free-form shipping/customer blob captured at checkout.
	CustomerData datatypes.JSON `gorm:"column:customer_data;type:jsonb;default:'{}'" json:"customer_data"`
	ConfirmedAt  *time.Time     `gorm:"column:confirmed_at;default:null" json:"confirmed_at"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (Order) TableName() string { return "orders" }
