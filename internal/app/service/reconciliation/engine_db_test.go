package reconciliation

import (
	"context"
	"testing"
	"time"

	"github.com/petgourmet/billing-backend/internal/models"
	"github.com/petgourmet/billing-backend/internal/platform/mercadopago"
	"github.com/petgourmet/billing-backend/pkg/types"

	"github.com/glebarez/sqlite"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Subscription{},
		&models.UserProfile{},
		&models.SubscriptionChangeLog{},
		&models.BillingHistory{},
	))
	return &Engine{
		db:          db,
		log:         zap.NewNop().Sugar(),
		orphanGrace: time.Hour,
		now:         time.Now,
	}
}

func TestApplyPreapprovalState_PausedNeverResurrectsCancelled(t *testing.T) {
	e := newTestEngine(t)
	sub := &models.Subscription{
		UserID:            "U1",
		ProductID:         7,
		Status:            types.SubscriptionStatusCancelled,
		ExternalReference: "SUB-U1-7-abcd",
	}
	require.NoError(t, e.db.Create(sub).Error)

	// A paused notification arriving after the cancellation must not
	// reopen the subscription.
	pre := &mercadopago.Preapproval{
		ID:                "pre_1",
		Status:            mercadopago.PreapprovalStatusPaused,
		ExternalReference: "SUB-U1-7-abcd",
	}
	res, err := e.applyPreapprovalState(context.Background(), sub, pre, "exact_reference", ProcessOptions{SyncedVia: "webhook"})
	require.NoError(t, err)
	require.Equal(t, string(types.SubscriptionStatusCancelled), res.Status)

	var stored models.Subscription
	require.NoError(t, e.db.First(&stored, sub.ID).Error)
	require.Equal(t, types.SubscriptionStatusCancelled, stored.Status)
}

func TestTransitionSubscription_MirrorsPauseOnActive(t *testing.T) {
	e := newTestEngine(t)
	sub := &models.Subscription{
		UserID:            "U1",
		ProductID:         7,
		Status:            types.SubscriptionStatusActive,
		ExternalReference: "SUB-U1-7-abcd",
	}
	require.NoError(t, e.db.Create(sub).Error)

	res, err := e.transitionSubscription(context.Background(), sub, types.SubscriptionStatusPaused, "exact_reference", "preapproval_paused")
	require.NoError(t, err)
	require.Equal(t, string(types.SubscriptionStatusPaused), res.Status)

	var stored models.Subscription
	require.NoError(t, e.db.First(&stored, sub.ID).Error)
	require.Equal(t, types.SubscriptionStatusPaused, stored.Status)
}

func TestActivateSubscription_ReactivatesPaused(t *testing.T) {
	e := newTestEngine(t)
	sub := &models.Subscription{
		UserID:             "U1",
		ProductID:          7,
		Status:             types.SubscriptionStatusPaused,
		ExternalReference:  "SUB-U1-7-abcd",
		SubscriptionType:   types.SubscriptionTypeMonthly,
		BasePrice:          600,
		DiscountPercentage: 5,
		DiscountedPrice:    570,
		TransactionAmount:  570,
		ChargesMade:        3,
	}
	require.NoError(t, e.db.Create(sub).Error)

	// The payer re-authorized recurring charges; the fresh preapproval
	// reactivates the paused row through the normal activation path.
	activated, err := e.ActivateSubscription(context.Background(), sub.ID, ActivationInput{
		PreapprovalID: "pre_new",
		Amount:        570,
		SyncedVia:     "webhook",
		Strategy:      "exact_reference",
	})
	require.NoError(t, err)
	require.Equal(t, types.SubscriptionStatusActive, activated.Status)

	var stored models.Subscription
	require.NoError(t, e.db.First(&stored, sub.ID).Error)
	require.Equal(t, types.SubscriptionStatusActive, stored.Status)
	require.Equal(t, "pre_new", lo.FromPtr(stored.MercadopagoSubscriptionID))
	require.Equal(t, 4, stored.ChargesMade)
	require.Equal(t, 570.0, stored.TransactionAmount)
	require.NotNil(t, stored.NextBillingDate)

	var profile models.UserProfile
	require.NoError(t, e.db.Where("user_id = ?", "U1").First(&profile).Error)
	require.True(t, profile.HasActiveSubscription)
}

func TestActivateSubscription_RejectsCancelled(t *testing.T) {
	e := newTestEngine(t)
	sub := &models.Subscription{
		UserID:            "U1",
		ProductID:         7,
		Status:            types.SubscriptionStatusCancelled,
		ExternalReference: "SUB-U1-7-abcd",
	}
	require.NoError(t, e.db.Create(sub).Error)

	_, err := e.ActivateSubscription(context.Background(), sub.ID, ActivationInput{
		PreapprovalID: "pre_new",
		SyncedVia:     "webhook",
	})
	require.ErrorIs(t, err, ErrNotActivatable)
}

func TestActivateSubscription_CollapsesDuplicatePendings(t *testing.T) {
	e := newTestEngine(t)
	ref := "SUB-U1-7-abcd"

	bare := &models.Subscription{
		UserID: "U1", ProductID: 7,
		Status:            types.SubscriptionStatusPending,
		ExternalReference: ref,
	}
	partial := &models.Subscription{
		UserID: "U1", ProductID: 7,
		Status:            types.SubscriptionStatusPending,
		ExternalReference: ref,
		BasePrice:         600,
	}
	full := &models.Subscription{
		UserID: "U1", ProductID: 7,
		Status:                    types.SubscriptionStatusPending,
		ExternalReference:         ref,
		ProductName:               "Plan Cachorro",
		BasePrice:                 600,
		DiscountedPrice:           570,
		TransactionAmount:         570,
		MercadopagoSubscriptionID: lo.ToPtr("pre_1"),
		CustomerData:              datatypes.JSON([]byte(`{"email":"a@b.com"}`)),
	}
	for _, s := range []*models.Subscription{bare, partial, full} {
		require.NoError(t, e.db.Create(s).Error)
	}

	// Activation starting from any duplicate lands on the most complete
	// row and removes the rest.
	activated, err := e.ActivateSubscription(context.Background(), bare.ID, ActivationInput{
		PaymentID: "123456",
		Amount:    570,
		SyncedVia: "webhook",
		Strategy:  "exact_reference",
	})
	require.NoError(t, err)
	require.Equal(t, full.ID, activated.ID)

	var remaining []models.Subscription
	require.NoError(t, e.db.Where("external_reference = ?", ref).Find(&remaining).Error)
	require.Len(t, remaining, 1)
	require.Equal(t, full.ID, remaining[0].ID)
	require.Equal(t, types.SubscriptionStatusActive, remaining[0].Status)
}
