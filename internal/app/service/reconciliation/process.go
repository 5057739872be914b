package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/petgourmet/billing-backend/internal/app/service/idempotency"
	"github.com/petgourmet/billing-backend/internal/app/service/lock"
	"github.com/petgourmet/billing-backend/internal/app/service/matcher"
	"github.com/petgourmet/billing-backend/internal/models"
	"github.com/petgourmet/billing-backend/internal/platform/mercadopago"
	"github.com/petgourmet/billing-backend/pkg/logctx"
	"github.com/petgourmet/billing-backend/pkg/types"
)

// ProcessOptions tunes one reconciliation run.
type ProcessOptions struct {
	// SyncedVia labels which path triggered the run (webhook,
	// auto_verify, admin_sync).
	SyncedVia string
	// AllowRecentPendingFallback enables the last-resort matcher
	// strategy; only manual admin repair sets it.
	AllowRecentPendingFallback bool
	// Force allows terminal payment statuses to be overwritten.
	Force bool
}

// ProcessResult reports what one event did.
type ProcessResult struct {
	EntityType     string `json:"entity_type"` // subscription | order
	EntityID       uint   `json:"entity_id"`
	Strategy       string `json:"strategy,omitempty"`
	Status         string `json:"status"`
	FromCache      bool   `json:"from_cache,omitempty"`
	Deferred       bool   `json:"deferred,omitempty"`
	AlreadyActive  bool   `json:"already_active,omitempty"`
	OrphanedMarked bool   `json:"orphan_marked,omitempty"`
}

// ProcessPaymentEvent is the single entry point for payment events from
// every path: webhook, auto-verify polling and admin repair. It fetches
// the payment, resolves the correlation key, and runs the full
// match→mutate→side-effect sequence as one lock-held critical section.
func (e *Engine) ProcessPaymentEvent(ctx context.Context, paymentID string, opts ProcessOptions) (*ProcessResult, error) {
	payment, err := e.gateway.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("fetch payment %s: %w", paymentID, err)
	}

	lockKey := correlationLockKey(payment)
	var result *ProcessResult
	err = e.locks.WithLock(ctx, lockKey, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = e.reconcilePayment(ctx, payment, opts)
		return innerErr
	})
	if errors.Is(err, lock.ErrLockUnavailable) {
		lockContentionTotal.Inc()
		logctx.FromCtx(ctx, e.log).Infow("payment_event_deferred_lock_held", "payment_id", paymentID, "lock_key", lockKey)
		return &ProcessResult{Status: "deferred", Deferred: true}, nil
	}
	return result, err
}

func (e *Engine) reconcilePayment(ctx context.Context, payment *mercadopago.Payment, opts ProcessOptions) (*ProcessResult, error) {
	paymentID := fmt.Sprintf("%d", payment.ID)

	if isSubscriptionEvent(payment) {
		return e.reconcileSubscriptionPayment(ctx, payment, opts)
	}

	order, err := e.findOrderForPayment(ctx, payment)
	if err != nil {
		if errors.Is(err, ErrNoMatch) {
			// The reference may still be a subscription one missing the
			// SUB- prefix (gateway-minted references).
			return e.reconcileSubscriptionPayment(ctx, payment, opts)
		}
		return nil, err
	}

	key := idempotency.Key(lockValue(payment), paymentID, "order_payment_update")
	outcome, err := e.idem.Execute(ctx, key, func(ctx context.Context) (any, error) {
		updated, err := e.UpdateOrderPayment(ctx, order.ID, payment, opts.Force)
		if err != nil {
			return nil, err
		}
		return &ProcessResult{
			EntityType: "order",
			EntityID:   updated.ID,
			Status:     string(updated.PaymentStatus),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &ProcessResult{
		EntityType: "order",
		EntityID:   order.ID,
		Status:     payment.Status,
		FromCache:  outcome.FromCache,
	}, nil
}

func (e *Engine) reconcileSubscriptionPayment(ctx context.Context, payment *mercadopago.Payment, opts ProcessOptions) (*ProcessResult, error) {
	paymentID := fmt.Sprintf("%d", payment.ID)

	event := matcher.Event{
		ExternalReference: payment.ExternalReference,
		PaymentID:         paymentID,
		PayerEmail:        payment.Payer.Email,
		Amount:            payment.TransactionAmount,
	}
	if payment.DateCreated != nil {
		event.Timestamp = *payment.DateCreated
	}
	mc := matcher.Context{AllowRecentPendingFallback: opts.AllowRecentPendingFallback}
	if userID, productID, ok := matcher.ParseReference(payment.ExternalReference); ok {
		mc.UserID = userID
		mc.ProductID = productID
	}

	candidates, err := e.collectCandidates(ctx, event, mc)
	if err != nil {
		return nil, err
	}
	match := e.matcher.Match(event, mc, candidates)
	if match == nil {
		return nil, ErrNoMatch
	}
	matchStrategyTotal.WithLabelValues(match.Strategy).Inc()

	sub := match.Subscription
	if !payment.Approved() {
		// Non-settled payment: record the ledger row and leave the
		// subscription state alone.
		if _, err := e.RecordBillingEvent(ctx, sub.ID, payment); err != nil {
			return nil, err
		}
		return &ProcessResult{
			EntityType: "subscription",
			EntityID:   sub.ID,
			Strategy:   match.Strategy,
			Status:     string(sub.Status),
		}, nil
	}

	correlation := sub.ExternalReference
	if correlation == "" {
		correlation = paymentID
	}
	key := idempotency.Key(correlation, paymentID, "activate_subscription")
	outcome, err := e.idem.Execute(ctx, key, func(ctx context.Context) (any, error) {
		activated, err := e.ActivateSubscription(ctx, sub.ID, ActivationInput{
			PaymentID:  paymentID,
			Amount:     payment.TransactionAmount,
			PayerEmail: payment.Payer.Email,
			SyncedVia:  opts.SyncedVia,
			Strategy:   match.Strategy,
		})
		if err != nil {
			return nil, err
		}
		if _, err := e.RecordBillingEvent(ctx, activated.ID, payment); err != nil {
			return nil, err
		}
		// Stash the gateway-minted payment reference so later events
		// carrying it match on the payment_reference strategy.
		e.stashPaymentReference(ctx, activated, payment)
		return &ProcessResult{
			EntityType: "subscription",
			EntityID:   activated.ID,
			Strategy:   match.Strategy,
			Status:     string(activated.Status),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &ProcessResult{
		EntityType: "subscription",
		EntityID:   sub.ID,
		Strategy:   match.Strategy,
		Status:     string(types.SubscriptionStatusActive),
		FromCache:  outcome.FromCache,
	}, nil
}

// ProcessPreapprovalEvent handles preapproval webhooks: an authorized
// preapproval activates its pending subscription; paused/cancelled are
// mirrored locally.
func (e *Engine) ProcessPreapprovalEvent(ctx context.Context, preapprovalID string, opts ProcessOptions) (*ProcessResult, error) {
	pre, err := e.gateway.GetPreapproval(ctx, preapprovalID)
	if err != nil {
		return nil, fmt.Errorf("fetch preapproval %s: %w", preapprovalID, err)
	}

	lockKey := "preapproval:" + preapprovalID
	if pre.ExternalReference != "" {
		lockKey = "reconcile:" + pre.ExternalReference
	}

	var result *ProcessResult
	err = e.locks.WithLock(ctx, lockKey, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = e.reconcilePreapproval(ctx, pre, opts)
		return innerErr
	})
	if errors.Is(err, lock.ErrLockUnavailable) {
		lockContentionTotal.Inc()
		return &ProcessResult{Status: "deferred", Deferred: true}, nil
	}
	return result, err
}

func (e *Engine) reconcilePreapproval(ctx context.Context, pre *mercadopago.Preapproval, opts ProcessOptions) (*ProcessResult, error) {
	event := matcher.Event{
		ExternalReference: pre.ExternalReference,
		PayerEmail:        pre.PayerEmail,
		Amount:            pre.AutoRecurring.TransactionAmount,
	}
	if pre.DateCreated != nil {
		event.Timestamp = *pre.DateCreated
	}
	mc := matcher.Context{AllowRecentPendingFallback: opts.AllowRecentPendingFallback}
	if userID, productID, ok := matcher.ParseReference(pre.ExternalReference); ok {
		mc.UserID = userID
		mc.ProductID = productID
	}

	// A subscription that already carries this preapproval id wins
	// before the generic cascade runs.
	if byID, err := e.findSubscriptionByPreapprovalID(ctx, pre.ID); err != nil {
		return nil, err
	} else if byID != nil {
		return e.applyPreapprovalState(ctx, byID, pre, "preapproval_id", opts)
	}

	candidates, err := e.collectCandidates(ctx, event, mc)
	if err != nil {
		return nil, err
	}
	match := e.matcher.Match(event, mc, candidates)
	if match == nil {
		return nil, ErrNoMatch
	}
	matchStrategyTotal.WithLabelValues(match.Strategy).Inc()
	return e.applyPreapprovalState(ctx, match.Subscription, pre, match.Strategy, opts)
}

func (e *Engine) applyPreapprovalState(ctx context.Context, sub *models.Subscription, pre *mercadopago.Preapproval, strategy string, opts ProcessOptions) (*ProcessResult, error) {
	switch pre.Status {
	case mercadopago.PreapprovalStatusAuthorized:
		key := idempotency.Key(sub.ExternalReference, pre.ID, "activate_subscription")
		outcome, err := e.idem.Execute(ctx, key, func(ctx context.Context) (any, error) {
			activated, err := e.ActivateSubscription(ctx, sub.ID, ActivationInput{
				PreapprovalID: pre.ID,
				Amount:        pre.AutoRecurring.TransactionAmount,
				PayerEmail:    pre.PayerEmail,
				SyncedVia:     opts.SyncedVia,
				Strategy:      strategy,
			})
			if err != nil {
				return nil, err
			}
			return &ProcessResult{EntityType: "subscription", EntityID: activated.ID, Status: string(activated.Status)}, nil
		})
		if err != nil {
			return nil, err
		}
		return &ProcessResult{
			EntityType: "subscription",
			EntityID:   sub.ID,
			Strategy:   strategy,
			Status:     string(types.SubscriptionStatusActive),
			FromCache:  outcome.FromCache,
		}, nil

	case mercadopago.PreapprovalStatusPaused:
		return e.transitionSubscription(ctx, sub, types.SubscriptionStatusPaused, strategy, "preapproval_paused")

	case mercadopago.PreapprovalStatusCancelled:
		return e.transitionSubscription(ctx, sub, types.SubscriptionStatusCancelled, strategy, "preapproval_cancelled")

	default:
		// pending: nothing to mirror yet.
		return &ProcessResult{
			EntityType: "subscription",
			EntityID:   sub.ID,
			Strategy:   strategy,
			Status:     string(sub.Status),
		}, nil
	}
}

func (e *Engine) transitionSubscription(ctx context.Context, sub *models.Subscription, to types.SubscriptionStatus, strategy, reason string) (*ProcessResult, error) {
	if sub.Status == to {
		return &ProcessResult{EntityType: "subscription", EntityID: sub.ID, Strategy: strategy, Status: string(to)}, nil
	}
	if sub.Status.Terminal() {
		// A late or out-of-order gateway event must not resurrect a
		// cancelled or errored subscription.
		logctx.FromCtx(ctx, e.log).Infow("transition_skipped_terminal_status",
			"subscription_id", sub.ID, "status", sub.Status, "requested", to, "reason", reason)
		return &ProcessResult{EntityType: "subscription", EntityID: sub.ID, Strategy: strategy, Status: string(sub.Status)}, nil
	}
	before := *sub
	err := e.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ?", sub.ID).
		Update("status", to).Error
	if err != nil {
		return nil, fmt.Errorf("transition subscription %d to %s: %w", sub.ID, to, err)
	}
	sub.Status = to

	if to == types.SubscriptionStatusPaused || to == types.SubscriptionStatusCancelled {
		if err := e.refreshUserActiveFlag(ctx, sub.UserID); err != nil {
			logctx.FromCtx(ctx, e.log).Errorw("user_active_flag_refresh_failed", "user_id", sub.UserID, "error", err)
		}
	}
	e.logSubscriptionChange(ctx, &before, sub, reason, strategy)
	return &ProcessResult{EntityType: "subscription", EntityID: sub.ID, Strategy: strategy, Status: string(to)}, nil
}

func isSubscriptionEvent(payment *mercadopago.Payment) bool {
	if strings.HasPrefix(payment.ExternalReference, "SUB-") {
		return true
	}
	if payment.Metadata != nil {
		if _, ok := payment.Metadata["subscription_id"]; ok {
			return true
		}
		if kind, ok := payment.Metadata["type"].(string); ok && kind == "subscription" {
			return true
		}
	}
	return false
}

func correlationLockKey(payment *mercadopago.Payment) string {
	if payment.ExternalReference != "" {
		return "reconcile:" + payment.ExternalReference
	}
	return fmt.Sprintf("reconcile:payment:%d", payment.ID)
}

func lockValue(payment *mercadopago.Payment) string {
	if payment.ExternalReference != "" {
		return payment.ExternalReference
	}
	return fmt.Sprintf("%d", payment.ID)
}

// WebhookOutcome labels for the events counter.
const (
	OutcomeHandled  = "handled"
	OutcomeDeferred = "deferred"
	OutcomeNoMatch  = "no_match"
	OutcomeFailed   = "failed"
)

// CountWebhookEvent records one webhook delivery outcome.
func CountWebhookEvent(eventType, outcome string) {
	webhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}
