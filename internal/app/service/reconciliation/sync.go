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

// Discrepancy is one field where local state and gateway state disagree.
type Discrepancy struct {
	Field   string `json:"field"`
	Local   string `json:"local"`
	Gateway string `json:"gateway"`
	// SuggestedAction is what an apply run would do for this field.
	SuggestedAction string `json:"suggested_action"`
}

// DiscrepancyReport is the outcome of one admin sync run.
type DiscrepancyReport struct {
	EntityType    string        `json:"entity_type"`
	EntityID      uint          `json:"entity_id"`
	InSync        bool          `json:"in_sync"`
	Discrepancies []Discrepancy `json:"discrepancies,omitempty"`
	// Applied is true when the run mutated local state to close the gaps.
	Applied bool           `json:"applied"`
	Result  *ProcessResult `json:"result,omitempty"`
}

// SyncSubscription compares a subscription against the gateway and
// reports every field that disagrees. With apply set it also runs the
// normal reconciliation path to close the gaps, so a dry run and an
// apply run always describe the same drift.
func (e *Engine) SyncSubscription(ctx context.Context, subscriptionID uint, apply bool) (*DiscrepancyReport, error) {
	var sub models.Subscription
	if err := e.db.WithContext(ctx).First(&sub, subscriptionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoMatch
		}
		return nil, fmt.Errorf("load subscription: %w", err)
	}

	report := &DiscrepancyReport{EntityType: "subscription", EntityID: sub.ID}

	var pre *mercadopago.Preapproval
	if sub.MercadopagoSubscriptionID != nil && *sub.MercadopagoSubscriptionID != "" {
		var err error
		pre, err = e.gateway.GetPreapproval(ctx, *sub.MercadopagoSubscriptionID)
		if err != nil && !errors.Is(err, mercadopago.ErrNotFound) {
			return nil, fmt.Errorf("fetch preapproval: %w", err)
		}
	}
	payment, err := e.findGatewayPayment(ctx, &sub)
	if err != nil {
		return nil, err
	}

	report.Discrepancies = subscriptionDrift(&sub, pre, payment)
	report.InSync = len(report.Discrepancies) == 0

	if apply && !report.InSync {
		result, err := e.applySubscriptionSync(ctx, &sub, pre, payment)
		if err != nil {
			return report, err
		}
		report.Applied = true
		report.Result = result
	}
	return report, nil
}

// subscriptionDrift is the pure comparison: no store or gateway access.
func subscriptionDrift(sub *models.Subscription, pre *mercadopago.Preapproval, payment *mercadopago.Payment) []Discrepancy {
	var out []Discrepancy

	if pre != nil {
		want := subscriptionStatusForPreapproval(pre.Status)
		if want != "" && sub.Status != want {
			out = append(out, Discrepancy{
				Field:           "status",
				Local:           string(sub.Status),
				Gateway:         pre.Status,
				SuggestedAction: fmt.Sprintf("transition to %s", want),
			})
		}
		if pre.AutoRecurring.TransactionAmount > 0 && sub.TransactionAmount > 0 &&
			pre.AutoRecurring.TransactionAmount != sub.TransactionAmount {
			out = append(out, Discrepancy{
				Field:           "transaction_amount",
				Local:           fmt.Sprintf("%.2f", sub.TransactionAmount),
				Gateway:         fmt.Sprintf("%.2f", pre.AutoRecurring.TransactionAmount),
				SuggestedAction: "review pricing manually",
			})
		}
	} else if payment != nil && payment.Approved() && sub.Status == types.SubscriptionStatusPending {
		out = append(out, Discrepancy{
			Field:           "status",
			Local:           string(sub.Status),
			Gateway:         payment.Status,
			SuggestedAction: "activate from settled payment",
		})
	}

	if payment != nil {
		md := sub.GetMetadata()
		paymentID := fmt.Sprintf("%d", payment.ID)
		if md == nil || md.MercadopagoPaymentID != paymentID {
			stored := ""
			if md != nil {
				stored = md.MercadopagoPaymentID
			}
			out = append(out, Discrepancy{
				Field:           "mercadopago_payment_id",
				Local:           stored,
				Gateway:         paymentID,
				SuggestedAction: "record payment in metadata",
			})
		}
	}
	return out
}

func subscriptionStatusForPreapproval(preStatus string) types.SubscriptionStatus {
	switch preStatus {
	case mercadopago.PreapprovalStatusAuthorized:
		return types.SubscriptionStatusActive
	case mercadopago.PreapprovalStatusPaused:
		return types.SubscriptionStatusPaused
	case mercadopago.PreapprovalStatusCancelled:
		return types.SubscriptionStatusCancelled
	default:
		return ""
	}
}

func (e *Engine) applySubscriptionSync(ctx context.Context, sub *models.Subscription, pre *mercadopago.Preapproval, payment *mercadopago.Payment) (*ProcessResult, error) {
	opts := ProcessOptions{SyncedVia: "admin_sync", Force: true}

	if payment != nil && payment.Approved() {
		return e.ProcessPaymentEvent(ctx, fmt.Sprintf("%d", payment.ID), opts)
	}
	if pre != nil {
		return e.ProcessPreapprovalEvent(ctx, pre.ID, opts)
	}

	// Neither side of the gateway has anything settled; fall back to the
	// pending-vs-orphan decision.
	if OrphanDecision(sub.CreatedAt, e.now(), e.orphanGrace) {
		if err := e.markOrphan(ctx, sub, "admin sync found no gateway record"); err != nil {
			return nil, err
		}
		return &ProcessResult{
			EntityType:     "subscription",
			EntityID:       sub.ID,
			Status:         string(types.SubscriptionStatusError),
			OrphanedMarked: true,
		}, nil
	}
	return &ProcessResult{EntityType: "subscription", EntityID: sub.ID, Status: string(sub.Status)}, nil
}

// SyncOrder re-fetches the gateway payment attached to an order and
// reports drift; with apply set the payment outcome is re-applied with
// force so terminal states can be corrected.
func (e *Engine) SyncOrder(ctx context.Context, orderID uint, apply bool) (*DiscrepancyReport, error) {
	var order models.Order
	if err := e.db.WithContext(ctx).First(&order, orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoMatch
		}
		return nil, fmt.Errorf("load order: %w", err)
	}

	report := &DiscrepancyReport{EntityType: "order", EntityID: order.ID}

	payment, err := e.findGatewayPaymentForOrder(ctx, &order)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		report.Discrepancies = append(report.Discrepancies, Discrepancy{
			Field:           "mercadopago_payment_id",
			Local:           lo.FromPtr(order.MercadopagoPaymentID),
			Gateway:         "",
			SuggestedAction: "no gateway payment found; review manually",
		})
		report.InSync = false
		return report, nil
	}

	wantStatus, wantPayment := MapPaymentStatus(payment.Status)
	if order.Status != wantStatus {
		report.Discrepancies = append(report.Discrepancies, Discrepancy{
			Field:           "status",
			Local:           string(order.Status),
			Gateway:         payment.Status,
			SuggestedAction: fmt.Sprintf("set status %s", wantStatus),
		})
	}
	if order.PaymentStatus != wantPayment {
		report.Discrepancies = append(report.Discrepancies, Discrepancy{
			Field:           "payment_status",
			Local:           string(order.PaymentStatus),
			Gateway:         payment.Status,
			SuggestedAction: fmt.Sprintf("set payment_status %s", wantPayment),
		})
	}
	paymentID := fmt.Sprintf("%d", payment.ID)
	if lo.FromPtr(order.MercadopagoPaymentID) != paymentID {
		report.Discrepancies = append(report.Discrepancies, Discrepancy{
			Field:           "mercadopago_payment_id",
			Local:           lo.FromPtr(order.MercadopagoPaymentID),
			Gateway:         paymentID,
			SuggestedAction: "attach gateway payment id",
		})
	}
	report.InSync = len(report.Discrepancies) == 0

	if apply && !report.InSync {
		updated, err := e.UpdateOrderPayment(ctx, order.ID, payment, true)
		if err != nil {
			return report, err
		}
		report.Applied = true
		report.Result = &ProcessResult{
			EntityType: "order",
			EntityID:   updated.ID,
			Status:     string(updated.PaymentStatus),
		}
	}
	return report, nil
}

func (e *Engine) findGatewayPaymentForOrder(ctx context.Context, order *models.Order) (*mercadopago.Payment, error) {
	if order.MercadopagoPaymentID != nil && *order.MercadopagoPaymentID != "" {
		p, err := e.gateway.GetPayment(ctx, *order.MercadopagoPaymentID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, mercadopago.ErrNotFound) {
			return nil, fmt.Errorf("fetch payment: %w", err)
		}
	}
	ref := lo.FromPtr(order.ExternalReference)
	if ref == "" {
		return nil, nil
	}
	payments, err := e.gateway.SearchPaymentsByReference(ctx, ref)
	if err != nil && !errors.Is(err, mercadopago.ErrNotFound) {
		return nil, fmt.Errorf("search payments by reference: %w", err)
	}
	return preferApproved(payments), nil
}

// CancelSubscription cancels at the gateway first, then mirrors locally.
// A missing or already-cancelled preapproval does not block the local
// transition.
func (e *Engine) CancelSubscription(ctx context.Context, subscriptionID uint, reason string) (*ProcessResult, error) {
	var sub models.Subscription
	if err := e.db.WithContext(ctx).First(&sub, subscriptionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoMatch
		}
		return nil, fmt.Errorf("load subscription: %w", err)
	}

	if sub.Status == types.SubscriptionStatusCancelled {
		return &ProcessResult{EntityType: "subscription", EntityID: sub.ID, Status: string(sub.Status)}, nil
	}

	if sub.MercadopagoSubscriptionID != nil && *sub.MercadopagoSubscriptionID != "" {
		_, err := e.gateway.CancelPreapproval(ctx, *sub.MercadopagoSubscriptionID)
		if err != nil && !errors.Is(err, mercadopago.ErrNotFound) {
			var apiErr *mercadopago.APIError
			if errors.As(err, &apiErr) && apiErr.Retryable() {
				return nil, fmt.Errorf("cancel preapproval: %w", err)
			}
			// Non-retryable gateway rejection (already cancelled there);
			// proceed with the local mirror.
			logctx.FromCtx(ctx, e.log).Warnw("preapproval_cancel_rejected",
				"subscription_id", sub.ID,
				"preapproval_id", *sub.MercadopagoSubscriptionID,
				"error", err,
			)
		}
	}

	if reason == "" {
		reason = "cancel_requested"
	}
	return e.transitionSubscription(ctx, &sub, types.SubscriptionStatusCancelled, "", reason)
}
