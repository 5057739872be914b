package reconciliation

import (
	"testing"
	"time"

	"github.com/petgourmet/billing-backend/internal/models"
	"github.com/petgourmet/billing-backend/pkg/types"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestNextBillingDate(t *testing.T) {
	from := time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		subType types.SubscriptionType
		want    time.Time
	}{
		{types.SubscriptionTypeWeekly, from.AddDate(0, 0, 7)},
		{types.SubscriptionTypeBiweekly, from.AddDate(0, 0, 14)},
		{types.SubscriptionTypeMonthly, time.Date(2025, 4, 15, 10, 0, 0, 0, time.UTC)},
		{types.SubscriptionTypeQuarterly, time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)},
		{types.SubscriptionTypeAnnual, time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)},
		{types.SubscriptionType("something_new"), time.Date(2025, 4, 15, 10, 0, 0, 0, time.UTC)},
	}
	for _, c := range cases {
		require.Equal(t, c.want, NextBillingDate(c.subType, from), "type %s", c.subType)
	}
}

func TestNextBillingDate_MonthEndNormalization(t *testing.T) {
	// Jan 31 + 1 month lands in March via Go's date normalization; the
	// point is it never errors and always moves forward.
	from := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	next := NextBillingDate(types.SubscriptionTypeMonthly, from)
	require.True(t, next.After(from))
	require.Equal(t, time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC), next)
}

func TestMergePricing_FillsOnlyZeroFields(t *testing.T) {
	s := &models.Subscription{BasePrice: 500, DiscountedPrice: 0, TransactionAmount: 0}
	mergePricing(s, 450)
	require.Equal(t, 500.0, s.BasePrice)
	require.Equal(t, 450.0, s.DiscountedPrice)
	require.Equal(t, 450.0, s.TransactionAmount)
}

func TestMergePricing_NeverZeroes(t *testing.T) {
	s := &models.Subscription{BasePrice: 500, DiscountedPrice: 450, TransactionAmount: 450}
	mergePricing(s, 0)
	require.Equal(t, 500.0, s.BasePrice)
	require.Equal(t, 450.0, s.DiscountedPrice)
	require.Equal(t, 450.0, s.TransactionAmount)

	mergePricing(s, 999)
	require.Equal(t, 450.0, s.TransactionAmount, "populated amount must not be overwritten")
}

func TestCompletenessScore_OrdersRowsByQuality(t *testing.T) {
	empty := &models.Subscription{}
	partial := &models.Subscription{
		ProductID:         7,
		ProductName:       "Plan Mensual",
		ExternalReference: "SUB-U1-7-abcd",
	}
	full := &models.Subscription{
		ProductID:                 7,
		ProductName:               "Plan Mensual",
		BasePrice:                 500,
		DiscountedPrice:           450,
		TransactionAmount:         450,
		ExternalReference:         "SUB-U1-7-abcd",
		MercadopagoSubscriptionID: lo.ToPtr("pre_123"),
		CustomerData:              datatypes.JSON(`{"email":"ana@example.com"}`),
	}

	require.Equal(t, 0, CompletenessScore(empty))
	require.Greater(t, CompletenessScore(partial), CompletenessScore(empty))
	require.Greater(t, CompletenessScore(full), CompletenessScore(partial))
}

func TestCompletenessScore_EmptyJSONBlobsDoNotCount(t *testing.T) {
	withBlob := &models.Subscription{CustomerData: datatypes.JSON(`{}`)}
	require.Equal(t, 0, CompletenessScore(withBlob))
	withBlob.CustomerData = datatypes.JSON(`null`)
	require.Equal(t, 0, CompletenessScore(withBlob))
}

func TestPickByCompleteness_ScoreWinsThenRecency(t *testing.T) {
	old := time.Now().Add(-2 * time.Hour)
	recent := time.Now().Add(-time.Minute)

	rich := &models.Subscription{ID: 1, ProductID: 7, BasePrice: 500, TransactionAmount: 450, CreatedAt: old}
	poor := &models.Subscription{ID: 2, CreatedAt: recent}
	require.Equal(t, uint(1), PickByCompleteness([]*models.Subscription{poor, rich}).ID)

	// Equal scores: most recent row wins.
	twinA := &models.Subscription{ID: 3, ProductID: 7, CreatedAt: old}
	twinB := &models.Subscription{ID: 4, ProductID: 7, CreatedAt: recent}
	require.Equal(t, uint(4), PickByCompleteness([]*models.Subscription{twinA, twinB}).ID)
}
