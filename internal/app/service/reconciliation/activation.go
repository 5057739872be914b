package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petgourmet/billing-backend/internal/models"
	"github.com/petgourmet/billing-backend/internal/platform/mercadopago"
	"github.com/petgourmet/billing-backend/pkg/logctx"
	"github.com/petgourmet/billing-backend/pkg/tool"
	"github.com/petgourmet/billing-backend/pkg/types"

	"github.com/samber/lo"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ActivationInput is what the payment/preapproval flows hand to the
// activation step after matching.
type ActivationInput struct {
	// PreapprovalID is the gateway recurring authorization, when known.
	PreapprovalID string
	// PaymentID is the gateway payment that triggered activation.
	PaymentID string
	// Amount is the settled amount; merged into pricing if the row has
	// no transaction amount yet.
	Amount float64
	// PayerEmail is used when creating a missing preapproval.
	PayerEmail string
	// SyncedVia records which path performed the activation.
	SyncedVia string
	// Strategy is the matcher strategy that found the row.
	Strategy string
}

// ActivateSubscription transitions a pending row to active, collapsing
// duplicate pendings first. A paused row reactivates the same way when a
// fresh gateway authorization arrives. Already-active rows are a no-op
// success so replayed events converge. All writes happen in one DB
// transaction; the caller holds the correlation lock.
func (e *Engine) ActivateSubscription(ctx context.Context, subscriptionID uint, in ActivationInput) (*models.Subscription, error) {
	var activated *models.Subscription
	var before *models.Subscription

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Subscription
		if err := tx.First(&sub, subscriptionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoMatch
			}
			return fmt.Errorf("load subscription: %w", err)
		}

		if sub.Status == types.SubscriptionStatusActive {
			activated = &sub
			return ErrAlreadyActive
		}
		switch sub.Status {
		case types.SubscriptionStatusPending, types.SubscriptionStatusAuthorized, types.SubscriptionStatusPaused:
		default:
			return fmt.Errorf("%w: status=%s", ErrNotActivatable, sub.Status)
		}

		// Duplicate rows only exist transiently in pending; a paused or
		// authorized row reactivates as-is.
		winner := &sub
		if sub.Status == types.SubscriptionStatusPending {
			var err error
			winner, err = e.collapseDuplicates(ctx, tx, &sub)
			if err != nil {
				return err
			}
		}
		cp := *winner
		before = &cp

		now := e.now()
		next := NextBillingDate(winner.SubscriptionType, now)

		winner.Status = types.SubscriptionStatusActive
		winner.LastBillingDate = &now
		winner.NextBillingDate = &next
		if in.PreapprovalID != "" {
			winner.MercadopagoSubscriptionID = lo.ToPtr(in.PreapprovalID)
		}
		mergePricing(winner, in.Amount)
		freq, freqType := winner.SubscriptionType.Frequency()
		winner.Frequency = freq
		winner.FrequencyType = freqType

		md := winner.GetMetadata()
		if md == nil {
			md = &models.SubscriptionMetadata{}
		}
		if in.PaymentID != "" {
			md.MercadopagoPaymentID = in.PaymentID
		}
		md.SyncedVia = in.SyncedVia
		md.SyncedAt = now.UTC().Format(time.RFC3339)
		winner.Metadata = datatypes.NewJSONType(md)

		// Everything except the counter is an idempotent upsert; the
		// counter alone uses an atomic increment.
		updates := map[string]any{
			"status":              winner.Status,
			"last_billing_date":   winner.LastBillingDate,
			"next_billing_date":   winner.NextBillingDate,
			"frequency":           winner.Frequency,
			"frequency_type":      winner.FrequencyType,
			"base_price":          winner.BasePrice,
			"discount_percentage": winner.DiscountPercentage,
			"discounted_price":    winner.DiscountedPrice,
			"transaction_amount":  winner.TransactionAmount,
			"metadata":            winner.Metadata,
			"charges_made":        gorm.Expr("charges_made + 1"),
		}
		if winner.MercadopagoSubscriptionID != nil {
			updates["mercadopago_subscription_id"] = winner.MercadopagoSubscriptionID
		}
		if err := tx.Model(&models.Subscription{}).Where("id = ?", winner.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("activate subscription %d: %w", winner.ID, err)
		}
		winner.ChargesMade++

		if err := e.setUserActiveFlag(ctx, tx, winner.UserID, true); err != nil {
			return err
		}

		activated = winner
		return nil
	})

	if errors.Is(err, ErrAlreadyActive) {
		logctx.FromCtx(ctx, e.log).Infow("activation_noop_already_active", "subscription_id", subscriptionID)
		return activated, nil
	}
	if err != nil {
		return nil, err
	}

	// Ensure a recurring authorization exists. Failure here must not
	// undo the local activation; availability wins over full sync.
	if activated.MercadopagoSubscriptionID == nil || *activated.MercadopagoSubscriptionID == "" {
		e.ensurePreapproval(ctx, activated, in.PayerEmail)
	}

	e.logSubscriptionChange(ctx, before, activated, "activation", in.Strategy)
	activationsTotal.WithLabelValues(in.SyncedVia).Inc()
	logctx.FromCtx(ctx, e.log).Infow("subscription_activated",
		"subscription_id", activated.ID,
		"user_id", activated.UserID,
		"strategy", in.Strategy,
		"via", in.SyncedVia,
	)
	return activated, nil
}

// collapseDuplicates keeps the highest-completeness pending row sharing
// the external reference and deletes the rest. The starting row loses to
// a better-scored duplicate.
func (e *Engine) collapseDuplicates(ctx context.Context, tx *gorm.DB, sub *models.Subscription) (*models.Subscription, error) {
	if sub.ExternalReference == "" {
		return sub, nil
	}
	var dupes []*models.Subscription
	err := tx.Where("external_reference = ? AND status = ?", sub.ExternalReference, types.SubscriptionStatusPending).
		Find(&dupes).Error
	if err != nil {
		return nil, fmt.Errorf("load duplicates: %w", err)
	}
	if len(dupes) <= 1 {
		return sub, nil
	}

	winner := PickByCompleteness(dupes)
	losers := lo.Filter(dupes, func(d *models.Subscription, _ int) bool { return d.ID != winner.ID })
	loserIDs := lo.Map(losers, func(d *models.Subscription, _ int) uint { return d.ID })
	if err := tx.Where("id IN ?", loserIDs).Delete(&models.Subscription{}).Error; err != nil {
		return nil, fmt.Errorf("delete duplicate pendings: %w", err)
	}
	logctx.FromCtx(ctx, e.log).Infow("duplicate_pendings_collapsed",
		"external_reference", sub.ExternalReference,
		"kept", winner.ID,
		"removed", loserIDs,
	)
	duplicatesCollapsed.Add(float64(len(loserIDs)))
	return winner, nil
}

// PickByCompleteness returns the best-scored row; score ties break on
// most recent creation.
func PickByCompleteness(rows []*models.Subscription) *models.Subscription {
	return lo.MaxBy(rows, func(a, b *models.Subscription) bool {
		sa, sb := CompletenessScore(a), CompletenessScore(b)
		if sa != sb {
			return sa > sb
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
}

// NextBillingDate computes the next charge date for a cadence. Unknown
// cadences bill monthly.
func NextBillingDate(t types.SubscriptionType, from time.Time) time.Time {
	switch t {
	case types.SubscriptionTypeWeekly:
		return from.AddDate(0, 0, 7)
	case types.SubscriptionTypeBiweekly:
		return from.AddDate(0, 0, 14)
	case types.SubscriptionTypeMonthly:
		return from.AddDate(0, 1, 0)
	case types.SubscriptionTypeQuarterly:
		return from.AddDate(0, 3, 0)
	case types.SubscriptionTypeAnnual:
		return from.AddDate(1, 0, 0)
	default:
		return from.AddDate(0, 1, 0)
	}
}

// mergePricing fills missing pricing from the settled amount without ever
// zeroing an already-populated field.
func mergePricing(s *models.Subscription, amount float64) {
	if amount <= 0 {
		return
	}
	if s.TransactionAmount == 0 {
		s.TransactionAmount = amount
	}
	if s.DiscountedPrice == 0 {
		s.DiscountedPrice = amount
	}
	if s.BasePrice == 0 {
		s.BasePrice = amount
	}
}

func (e *Engine) setUserActiveFlag(ctx context.Context, tx *gorm.DB, userID string, active bool) error {
	res := tx.Model(&models.UserProfile{}).
		Where("user_id = ?", userID).
		Update("has_active_subscription", active)
	if res.Error != nil {
		return fmt.Errorf("update user active flag: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		profile := &models.UserProfile{UserID: userID, HasActiveSubscription: active}
		if err := tx.Create(profile).Error; err != nil {
			return fmt.Errorf("create user profile: %w", err)
		}
	}
	return nil
}

// ensurePreapproval creates the gateway recurring authorization when the
// activated subscription has none. Best-effort: errors are logged only.
func (e *Engine) ensurePreapproval(ctx context.Context, sub *models.Subscription, payerEmail string) {
	if payerEmail == "" {
		payerEmail = sub.CustomerEmail()
	}
	if payerEmail == "" {
		logctx.FromCtx(ctx, e.log).Warnw("preapproval_skipped_no_payer_email", "subscription_id", sub.ID)
		return
	}

	freq, freqType := sub.SubscriptionType.Frequency()
	req := &mercadopago.CreatePreapprovalRequest{
		Reason:            fmt.Sprintf("Suscripción %s", sub.ProductName),
		ExternalReference: sub.ExternalReference,
		PayerEmail:        payerEmail,
		AutoRecurring: mercadopago.AutoRecurring{
			Frequency:         freq,
			FrequencyType:     freqType,
			TransactionAmount: sub.TransactionAmount,
			CurrencyID:        sub.Currency,
		},
	}
	pre, err := e.gateway.CreatePreapproval(ctx, req)
	if err != nil {
		logctx.FromCtx(ctx, e.log).Errorw("preapproval_create_failed",
			"subscription_id", sub.ID,
			"external_reference", sub.ExternalReference,
			"error", err,
		)
		return
	}

	sub.MercadopagoSubscriptionID = lo.ToPtr(pre.ID)
	err = e.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ?", sub.ID).
		Update("mercadopago_subscription_id", pre.ID).Error
	if err != nil {
		logctx.FromCtx(ctx, e.log).Errorw("preapproval_id_persist_failed", "subscription_id", sub.ID, "error", err)
	}
}

// logSubscriptionChange writes the before/after audit row asynchronously.
func (e *Engine) logSubscriptionChange(ctx context.Context, before, after *models.Subscription, reason, strategy string) {
	go func() {
		entry := &models.SubscriptionChangeLog{
			ID:             tool.GenerateUUIDV7(),
			SubscriptionID: after.ID,
			UserID:         after.UserID,
			Reason:         reason,
			Strategy:       strategy,
			Before:         datatypes.NewJSONType(before),
			After:          datatypes.NewJSONType(after),
			Extra:          datatypes.JSONMap{},
		}
		if err := e.db.Save(entry).Error; err != nil {
			logctx.FromCtx(ctx, e.log).Errorf("failed to save subscription change log: %v", err)
		}
	}()
}
