package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petgourmet/billing-backend/internal/app/service/matcher"
	"github.com/petgourmet/billing-backend/internal/models"
	"github.com/petgourmet/billing-backend/internal/platform/mercadopago"
	"github.com/petgourmet/billing-backend/pkg/logctx"
	"github.com/petgourmet/billing-backend/pkg/types"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const recentPendingWindow = 7 * 24 * time.Hour

// collectCandidates gathers every subscription row any cascade strategy
// could claim, deduplicated by id. The matcher itself stays pure; this
// is the only place the cascade touches the store.
func (e *Engine) collectCandidates(ctx context.Context, event matcher.Event, mc matcher.Context) ([]*models.Subscription, error) {
	seen := map[uint]*models.Subscription{}
	db := e.db.WithContext(ctx)

	add := func(rows []*models.Subscription) {
		for _, r := range rows {
			if _, ok := seen[r.ID]; !ok {
				seen[r.ID] = r
			}
		}
	}

	query := func(q *gorm.DB) error {
		var rows []*models.Subscription
		if err := q.Limit(50).Find(&rows).Error; err != nil {
			return err
		}
		add(rows)
		return nil
	}

	if event.ExternalReference != "" {
		if err := query(db.Where("external_reference = ?", event.ExternalReference)); err != nil {
			return nil, fmt.Errorf("candidates by reference: %w", err)
		}
		if err := query(db.Where("metadata->>'payment_external_reference' = ?", event.ExternalReference)); err != nil {
			return nil, fmt.Errorf("candidates by payment reference: %w", err)
		}
		if token := matcher.TrailingToken(event.ExternalReference); token != "" {
			if err := query(db.Where("external_reference LIKE ?", "%"+token)); err != nil {
				return nil, fmt.Errorf("candidates by partial reference: %w", err)
			}
		}
	}
	if mc.UserID != "" {
		if err := query(db.Where("user_id = ? AND status IN ?", mc.UserID,
			[]types.SubscriptionStatus{types.SubscriptionStatusPending, types.SubscriptionStatusActive})); err != nil {
			return nil, fmt.Errorf("candidates by user: %w", err)
		}
	}
	if event.PayerEmail != "" {
		if err := query(db.Where("customer_data::text ILIKE ?", "%"+event.PayerEmail+"%")); err != nil {
			return nil, fmt.Errorf("candidates by payer email: %w", err)
		}
	}
	if event.PaymentID != "" {
		if err := query(db.Where("metadata->>'mercadopago_payment_id' = ?", event.PaymentID)); err != nil {
			return nil, fmt.Errorf("candidates by payment id: %w", err)
		}
	}
	if mc.AllowRecentPendingFallback {
		if err := query(db.Where("status = ? AND created_at > ?",
			types.SubscriptionStatusPending, e.now().Add(-recentPendingWindow)).
			Order("created_at desc")); err != nil {
			return nil, fmt.Errorf("candidates recent pending: %w", err)
		}
	}

	out := make([]*models.Subscription, 0, len(seen))
	for _, s := range seen {
		out = append(out, s)
	}
	return out, nil
}

func (e *Engine) findSubscriptionByPreapprovalID(ctx context.Context, preapprovalID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := e.db.WithContext(ctx).Where("mercadopago_subscription_id = ?", preapprovalID).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find subscription by preapproval id: %w", err)
	}
	return &sub, nil
}

// refreshUserActiveFlag recomputes has_active_subscription from the
// user's remaining active rows.
func (e *Engine) refreshUserActiveFlag(ctx context.Context, userID string) error {
	var count int64
	err := e.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("user_id = ? AND status = ?", userID, types.SubscriptionStatusActive).
		Count(&count).Error
	if err != nil {
		return fmt.Errorf("count active subscriptions: %w", err)
	}
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return e.setUserActiveFlag(ctx, tx, userID, count > 0)
	})
}

// stashPaymentReference records the gateway-minted reference for this
// payment when it differs from the checkout reference, so replays and
// follow-up events match on the payment_reference strategy.
func (e *Engine) stashPaymentReference(ctx context.Context, sub *models.Subscription, payment *mercadopago.Payment) {
	if payment.ExternalReference == "" || payment.ExternalReference == sub.ExternalReference {
		return
	}
	md := sub.GetMetadata()
	if md == nil {
		md = &models.SubscriptionMetadata{}
	}
	if md.PaymentExternalReference == payment.ExternalReference {
		return
	}
	md.PaymentExternalReference = payment.ExternalReference
	sub.Metadata = datatypes.NewJSONType(md)
	err := e.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ?", sub.ID).
		Update("metadata", sub.Metadata).Error
	if err != nil {
		logctx.FromCtx(ctx, e.log).Errorw("payment_reference_stash_failed", "subscription_id", sub.ID, "error", err)
	}
}
