package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/petgourmet/billing-backend/internal/models"
	"github.com/petgourmet/billing-backend/internal/platform/mercadopago"
	"github.com/petgourmet/billing-backend/pkg/logctx"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RecordBillingEvent writes the ledger row for a gateway payment.
// Uniqueness on mercadopago_payment_id is the replay guard: an existing
// row is refreshed in place, never duplicated. Approved payments also
// refresh the subscription's last_billing_date.
func (e *Engine) RecordBillingEvent(ctx context.Context, subscriptionID uint, payment *mercadopago.Payment) (*models.BillingHistory, error) {
	paymentID := fmt.Sprintf("%d", payment.ID)

	detail, err := json.Marshal(payment)
	if err != nil {
		detail = []byte(`{}`)
	}

	billingDate := e.now()
	if payment.DateApproved != nil {
		billingDate = *payment.DateApproved
	} else if payment.DateCreated != nil {
		billingDate = *payment.DateCreated
	}

	row := &models.BillingHistory{
		SubscriptionID:       subscriptionID,
		MercadopagoPaymentID: paymentID,
		Amount:               payment.TransactionAmount,
		Status:               payment.Status,
		PaymentMethod:        payment.PaymentMethodID,
		GatewayDetail:        datatypes.JSON(detail),
		BillingDate:          billingDate,
	}

	var existing models.BillingHistory
	err = e.db.WithContext(ctx).Where("mercadopago_payment_id = ?", paymentID).First(&existing).Error
	switch {
	case err == nil:
		row.ID = existing.ID
		row.CreatedAt = existing.CreatedAt
		if err := e.db.WithContext(ctx).Save(row).Error; err != nil {
			return nil, fmt.Errorf("refresh billing row: %w", err)
		}
		logctx.FromCtx(ctx, e.log).Infow("billing_row_refreshed", "payment_id", paymentID, "status", payment.Status)
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := e.db.WithContext(ctx).Create(row).Error; err != nil {
			return nil, fmt.Errorf("create billing row: %w", err)
		}
		logctx.FromCtx(ctx, e.log).Infow("billing_row_created", "payment_id", paymentID, "amount", payment.TransactionAmount)
	default:
		return nil, fmt.Errorf("lookup billing row: %w", err)
	}

	if payment.Approved() {
		err := e.db.WithContext(ctx).Model(&models.Subscription{}).
			Where("id = ?", subscriptionID).
			Update("last_billing_date", billingDate).Error
		if err != nil {
			return nil, fmt.Errorf("refresh last billing date: %w", err)
		}
	}
	return row, nil
}
