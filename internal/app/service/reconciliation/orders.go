package reconciliation

import (
	"context"
	"errors"
	"fmt"

	"github.com/petgourmet/billing-backend/internal/models"
	"github.com/petgourmet/billing-backend/internal/platform/mercadopago"
	"github.com/petgourmet/billing-backend/pkg/logctx"
	"github.com/petgourmet/billing-backend/pkg/types"

	"github.com/samber/lo"
	"gorm.io/gorm"
)

// MapPaymentStatus translates a gateway payment status into the order
// status pair.
func MapPaymentStatus(gatewayStatus string) (types.OrderStatus, types.PaymentStatus) {
	switch gatewayStatus {
	case mercadopago.PaymentStatusApproved, "paid":
		return types.OrderStatusProcessing, types.PaymentStatusPaid
	case mercadopago.PaymentStatusRejected, mercadopago.PaymentStatusCancelled:
		return types.OrderStatusCancelled, types.PaymentStatusFailed
	case mercadopago.PaymentStatusRefunded, mercadopago.PaymentStatusChargedBack:
		return types.OrderStatusRefunded, types.PaymentStatusRefunded
	default:
		return types.OrderStatusPending, types.PaymentStatusPending
	}
}

// UpdateOrderPayment persists the gateway payment outcome onto an order
// in a single update. A terminal payment_status never regresses unless
// force is set (explicit admin re-sync).
func (e *Engine) UpdateOrderPayment(ctx context.Context, orderID uint, payment *mercadopago.Payment, force bool) (*models.Order, error) {
	var order models.Order
	if err := e.db.WithContext(ctx).First(&order, orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoMatch
		}
		return nil, fmt.Errorf("load order: %w", err)
	}

	status, paymentStatus := MapPaymentStatus(payment.Status)

	if order.PaymentStatus.TerminalPayment() && order.PaymentStatus != paymentStatus && !force {
		logctx.FromCtx(ctx, e.log).Warnw("order_payment_status_regression_blocked",
			"order_id", order.ID,
			"current", order.PaymentStatus,
			"incoming", paymentStatus,
			"gateway_status", payment.Status,
		)
		return &order, nil
	}

	updates := map[string]any{
		"status":                 status,
		"payment_status":         paymentStatus,
		"mercadopago_payment_id": fmt.Sprintf("%d", payment.ID),
		"payment_method":         payment.PaymentMethodID,
		"payment_type":           payment.PaymentTypeID,
	}
	if paymentStatus == types.PaymentStatusPaid && order.ConfirmedAt == nil {
		updates["confirmed_at"] = e.now()
	}
	if err := e.db.WithContext(ctx).Model(&order).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("update order %d: %w", order.ID, err)
	}

	logctx.FromCtx(ctx, e.log).Infow("order_payment_updated",
		"order_id", order.ID,
		"payment_id", payment.ID,
		"status", status,
		"payment_status", paymentStatus,
	)
	return &order, nil
}

// findOrderForPayment resolves the order a payment event refers to:
// stored gateway payment id first, then correlation reference.
func (e *Engine) findOrderForPayment(ctx context.Context, payment *mercadopago.Payment) (*models.Order, error) {
	paymentID := fmt.Sprintf("%d", payment.ID)

	var order models.Order
	err := e.db.WithContext(ctx).Where("mercadopago_payment_id = ?", paymentID).First(&order).Error
	if err == nil {
		return &order, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("find order by payment id: %w", err)
	}

	if payment.ExternalReference == "" {
		return nil, ErrNoMatch
	}
	err = e.db.WithContext(ctx).Where("external_reference = ?", payment.ExternalReference).
		Order("created_at desc").First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoMatch
		}
		return nil, fmt.Errorf("find order by reference: %w", err)
	}

	// Guard against a reference collision attaching a second payment.
	if order.MercadopagoPaymentID != nil && *order.MercadopagoPaymentID != "" && *order.MercadopagoPaymentID != paymentID {
		logctx.FromCtx(ctx, e.log).Warnw("order_payment_id_conflict",
			"order_id", order.ID,
			"stored_payment_id", lo.FromPtr(order.MercadopagoPaymentID),
			"incoming_payment_id", paymentID,
		)
		return nil, ErrNoMatch
	}
	return &order, nil
}
