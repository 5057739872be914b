package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petgourmet/billing-backend/internal/app/service/lock"
	"github.com/petgourmet/billing-backend/internal/models"
	"github.com/petgourmet/billing-backend/internal/platform/mercadopago"
	"github.com/petgourmet/billing-backend/pkg/logctx"
	"github.com/petgourmet/billing-backend/pkg/types"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// OrphanDecision reports whether an unmatched pending subscription has
// outlived the grace window and should flip to error. Younger rows stay
// pending: the gateway may simply not have propagated yet.
func OrphanDecision(createdAt, now time.Time, grace time.Duration) bool {
	return now.Sub(createdAt) > grace
}

// markOrphan transitions a stale unmatched pending row to error with an
// explanatory note.
func (e *Engine) markOrphan(ctx context.Context, sub *models.Subscription, note string) error {
	before := *sub
	md := sub.GetMetadata()
	if md == nil {
		md = &models.SubscriptionMetadata{}
	}
	md.ErrorNote = note
	sub.Metadata = datatypes.NewJSONType(md)
	sub.Status = types.SubscriptionStatusError

	err := e.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ?", sub.ID).
		Updates(map[string]any{"status": sub.Status, "metadata": sub.Metadata}).Error
	if err != nil {
		return fmt.Errorf("mark orphan %d: %w", sub.ID, err)
	}
	orphansMarked.Inc()
	e.logSubscriptionChange(ctx, &before, sub, "orphan_timeout", "")
	logctx.FromCtx(ctx, e.log).Warnw("subscription_marked_orphan", "subscription_id", sub.ID, "note", note)
	return nil
}

// CheckOrphan applies the orphan decision to one subscription: a pending
// row older than the grace window flips to error, a younger one is left
// alone.
func (e *Engine) CheckOrphan(ctx context.Context, subscriptionID uint) (*ProcessResult, error) {
	var sub models.Subscription
	if err := e.db.WithContext(ctx).First(&sub, subscriptionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoMatch
		}
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	if sub.Status != types.SubscriptionStatusPending || !OrphanDecision(sub.CreatedAt, e.now(), e.orphanGrace) {
		return &ProcessResult{EntityType: "subscription", EntityID: sub.ID, Status: string(sub.Status)}, nil
	}
	note := fmt.Sprintf("pending %s with no gateway record", e.now().Sub(sub.CreatedAt).Round(time.Minute))
	if err := e.markOrphan(ctx, &sub, note); err != nil {
		return nil, err
	}
	return &ProcessResult{
		EntityType:     "subscription",
		EntityID:       sub.ID,
		Status:         string(types.SubscriptionStatusError),
		OrphanedMarked: true,
	}, nil
}

// AutoVerify is the polling-path reconciliation for one subscription:
// no-op when already active, otherwise check the gateway and either
// activate or apply the orphan decision.
func (e *Engine) AutoVerify(ctx context.Context, subscriptionID uint, userID string) (*ProcessResult, error) {
	var sub models.Subscription
	err := e.db.WithContext(ctx).Where("id = ? AND user_id = ?", subscriptionID, userID).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoMatch
		}
		return nil, fmt.Errorf("load subscription: %w", err)
	}

	if sub.Status == types.SubscriptionStatusActive {
		return &ProcessResult{
			EntityType:    "subscription",
			EntityID:      sub.ID,
			Status:        string(sub.Status),
			AlreadyActive: true,
		}, nil
	}
	if sub.Status.Terminal() {
		return &ProcessResult{EntityType: "subscription", EntityID: sub.ID, Status: string(sub.Status)}, nil
	}

	lockKey := "reconcile:" + sub.ExternalReference
	if sub.ExternalReference == "" {
		lockKey = fmt.Sprintf("reconcile:subscription:%d", sub.ID)
	}

	var result *ProcessResult
	lockErr := e.locks.WithLock(ctx, lockKey, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = e.verifyAgainstGateway(ctx, &sub)
		return innerErr
	})
	if errors.Is(lockErr, lock.ErrLockUnavailable) {
		lockContentionTotal.Inc()
		// Another handler is on it; the next poll will observe the outcome.
		return &ProcessResult{EntityType: "subscription", EntityID: sub.ID, Status: string(sub.Status), Deferred: true}, nil
	}
	return result, lockErr
}

func (e *Engine) verifyAgainstGateway(ctx context.Context, sub *models.Subscription) (*ProcessResult, error) {
	payment, err := e.findGatewayPayment(ctx, sub)
	if err != nil {
		return nil, err
	}

	if payment != nil && payment.Approved() {
		result, err := e.reconcileSubscriptionPayment(ctx, payment, ProcessOptions{SyncedVia: "auto_verify"})
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	// Preapproval may have been authorized without a settled payment yet.
	if sub.MercadopagoSubscriptionID != nil && *sub.MercadopagoSubscriptionID != "" {
		pre, err := e.gateway.GetPreapproval(ctx, *sub.MercadopagoSubscriptionID)
		if err != nil && !errors.Is(err, mercadopago.ErrNotFound) {
			return nil, fmt.Errorf("fetch preapproval: %w", err)
		}
		if pre != nil && pre.Status == mercadopago.PreapprovalStatusAuthorized {
			return e.applyPreapprovalState(ctx, sub, pre, "preapproval_id", ProcessOptions{SyncedVia: "auto_verify"})
		}
	}

	// Nothing settled at the gateway. Decide pending-vs-orphan.
	if OrphanDecision(sub.CreatedAt, e.now(), e.orphanGrace) {
		note := fmt.Sprintf("no gateway record found %s after creation", e.now().Sub(sub.CreatedAt).Round(time.Minute))
		if err := e.markOrphan(ctx, sub, note); err != nil {
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

// findGatewayPayment searches by reference first, then by payer email in
// a window around the subscription's creation.
func (e *Engine) findGatewayPayment(ctx context.Context, sub *models.Subscription) (*mercadopago.Payment, error) {
	if sub.ExternalReference != "" {
		payments, err := e.gateway.SearchPaymentsByReference(ctx, sub.ExternalReference)
		if err != nil && !errors.Is(err, mercadopago.ErrNotFound) {
			return nil, fmt.Errorf("search payments by reference: %w", err)
		}
		if p := preferApproved(payments); p != nil {
			return p, nil
		}
	}

	email := sub.CustomerEmail()
	if email == "" {
		return nil, nil
	}
	begin := sub.CreatedAt.Add(-time.Hour)
	end := sub.CreatedAt.Add(48 * time.Hour)
	payments, err := e.gateway.SearchPaymentsByPayerEmail(ctx, email, begin, end)
	if err != nil && !errors.Is(err, mercadopago.ErrNotFound) {
		return nil, fmt.Errorf("search payments by payer email: %w", err)
	}
	// Email search is broad; only accept an amount-consistent hit.
	for _, p := range payments {
		if p.Approved() && (sub.TransactionAmount == 0 || p.TransactionAmount == sub.TransactionAmount || p.TransactionAmount == sub.DiscountedPrice) {
			return p, nil
		}
	}
	return nil, nil
}

func preferApproved(payments []*mercadopago.Payment) *mercadopago.Payment {
	for _, p := range payments {
		if p.Approved() {
			return p
		}
	}
	if len(payments) > 0 {
		return payments[0]
	}
	return nil
}
