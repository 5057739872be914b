package reconciliation

import (
	"testing"

	"github.com/petgourmet/billing-backend/internal/models"
	"github.com/petgourmet/billing-backend/internal/platform/mercadopago"
	"github.com/petgourmet/billing-backend/pkg/types"

	"github.com/stretchr/testify/require"
)

func TestSubscriptionDrift_StatusDisagreement(t *testing.T) {
	sub := &models.Subscription{ID: 1, Status: types.SubscriptionStatusPending, TransactionAmount: 450}
	pre := &mercadopago.Preapproval{ID: "pre_1", Status: mercadopago.PreapprovalStatusAuthorized,
		AutoRecurring: mercadopago.AutoRecurring{TransactionAmount: 450}}

	diffs := subscriptionDrift(sub, pre, nil)
	require.Len(t, diffs, 1)
	require.Equal(t, "status", diffs[0].Field)
	require.Equal(t, "pending", diffs[0].Local)
	require.Equal(t, "authorized", diffs[0].Gateway)
}

func TestSubscriptionDrift_InSync(t *testing.T) {
	sub := &models.Subscription{ID: 1, Status: types.SubscriptionStatusActive, TransactionAmount: 450}
	pre := &mercadopago.Preapproval{ID: "pre_1", Status: mercadopago.PreapprovalStatusAuthorized,
		AutoRecurring: mercadopago.AutoRecurring{TransactionAmount: 450}}

	require.Empty(t, subscriptionDrift(sub, pre, nil))
}

func TestSubscriptionDrift_AmountMismatchNeverAutoApplied(t *testing.T) {
	sub := &models.Subscription{ID: 1, Status: types.SubscriptionStatusActive, TransactionAmount: 450}
	pre := &mercadopago.Preapproval{ID: "pre_1", Status: mercadopago.PreapprovalStatusAuthorized,
		AutoRecurring: mercadopago.AutoRecurring{TransactionAmount: 500}}

	diffs := subscriptionDrift(sub, pre, nil)
	require.Len(t, diffs, 1)
	require.Equal(t, "transaction_amount", diffs[0].Field)
	require.Contains(t, diffs[0].SuggestedAction, "manually")
}

func TestSubscriptionDrift_SettledPaymentWithoutPreapproval(t *testing.T) {
	sub := &models.Subscription{ID: 1, Status: types.SubscriptionStatusPending}
	payment := &mercadopago.Payment{ID: 77, Status: mercadopago.PaymentStatusApproved}

	diffs := subscriptionDrift(sub, nil, payment)
	require.Len(t, diffs, 2)
	require.Equal(t, "status", diffs[0].Field)
	require.Equal(t, "activate from settled payment", diffs[0].SuggestedAction)
	require.Equal(t, "mercadopago_payment_id", diffs[1].Field)
	require.Equal(t, "77", diffs[1].Gateway)
}

func TestSubscriptionStatusForPreapproval(t *testing.T) {
	require.Equal(t, types.SubscriptionStatusActive, subscriptionStatusForPreapproval(mercadopago.PreapprovalStatusAuthorized))
	require.Equal(t, types.SubscriptionStatusPaused, subscriptionStatusForPreapproval(mercadopago.PreapprovalStatusPaused))
	require.Equal(t, types.SubscriptionStatusCancelled, subscriptionStatusForPreapproval(mercadopago.PreapprovalStatusCancelled))
	require.Equal(t, types.SubscriptionStatus(""), subscriptionStatusForPreapproval(mercadopago.PreapprovalStatusPending))
}
