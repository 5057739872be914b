package matcher

import (
	"testing"
	"time"

	"github.com/petgourmet/billing-backend/internal/models"
	"github.com/petgourmet/billing-backend/pkg/types"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

func newMatcher() *Matcher {
	return New(zap.NewNop().Sugar())
}

func sub(id uint, mutate func(*models.Subscription)) *models.Subscription {
	s := &models.Subscription{
		ID:        id,
		UserID:    "U1",
		ProductID: 7,
		Status:    types.SubscriptionStatusPending,
		CreatedAt: time.Now().Add(-time.Hour),
	}
	if mutate != nil {
		mutate(s)
	}
	return s
}

func withMetadata(s *models.Subscription, md *models.SubscriptionMetadata) {
	s.Metadata = datatypes.NewJSONType(md)
}

func TestMatch_ExactReferenceWinsOverWeakerStrategies(t *testing.T) {
	exact := sub(1, func(s *models.Subscription) {
		s.ExternalReference = "SUB-U1-7-abcd"
	})
	// Same user+product, newer: would win user_product but must not be
	// reached when an exact reference match exists.
	decoy := sub(2, func(s *models.Subscription) {
		s.ExternalReference = "SUB-U1-7-zzzz"
		s.CreatedAt = time.Now()
	})

	res := newMatcher().Match(
		Event{ExternalReference: "SUB-U1-7-abcd"},
		Context{UserID: "U1", ProductID: 7},
		[]*models.Subscription{decoy, exact},
	)
	require.NotNil(t, res)
	require.Equal(t, "exact_reference", res.Strategy)
	require.Equal(t, ConfidenceExact, res.Confidence)
	require.Equal(t, uint(1), res.Subscription.ID)
}

func TestMatch_PaymentReferenceFromMetadata(t *testing.T) {
	s := sub(3, func(s *models.Subscription) {
		s.ExternalReference = "SUB-U1-7-orig"
	})
	withMetadata(s, &models.SubscriptionMetadata{PaymentExternalReference: "MP-REF-999"})

	res := newMatcher().Match(
		Event{ExternalReference: "MP-REF-999"},
		Context{},
		[]*models.Subscription{s},
	)
	require.NotNil(t, res)
	require.Equal(t, "payment_reference", res.Strategy)
}

func TestMatch_UserProductResolvedFromReference(t *testing.T) {
	s := sub(4, nil)
	other := sub(5, func(s *models.Subscription) {
		s.UserID = "U2"
		s.ProductID = 9
	})

	// Reference does not match any stored reference but still carries
	// user and product ids.
	res := newMatcher().Match(
		Event{ExternalReference: "SUB-U1-7-wxyz"},
		Context{},
		[]*models.Subscription{s, other},
	)
	require.NotNil(t, res)
	require.Equal(t, "user_product", res.Strategy)
	require.Equal(t, uint(4), res.Subscription.ID)
}

func TestMatch_PayerEmailContainment(t *testing.T) {
	s := sub(6, func(s *models.Subscription) {
		s.CustomerData = datatypes.JSON([]byte(`"{\"email\":\"a@b.com\",\"name\":\"Ana\"}"`))
	})

	res := newMatcher().Match(
		Event{PayerEmail: "a@b.com"},
		Context{},
		[]*models.Subscription{s},
	)
	require.NotNil(t, res)
	require.Equal(t, "payer_email", res.Strategy)
}

func TestMatch_PaymentIDInMetadata(t *testing.T) {
	s := sub(7, func(s *models.Subscription) {
		s.Status = types.SubscriptionStatusActive
	})
	withMetadata(s, &models.SubscriptionMetadata{MercadopagoPaymentID: "123456"})

	res := newMatcher().Match(
		Event{PaymentID: "123456"},
		Context{},
		[]*models.Subscription{s},
	)
	require.NotNil(t, res)
	require.Equal(t, "payment_id_metadata", res.Strategy)
}

func TestMatch_PartialReferenceIsLastResortBeforeFallback(t *testing.T) {
	s := sub(8, func(s *models.Subscription) {
		s.UserID = "someone-else"
		s.ExternalReference = "SUB-OTHER-9-abcd1234"
	})

	res := newMatcher().Match(
		Event{ExternalReference: "PAY-abcd1234"},
		Context{},
		[]*models.Subscription{s},
	)
	require.NotNil(t, res)
	require.Equal(t, "partial_reference", res.Strategy)
	require.Equal(t, ConfidenceLow, res.Confidence)
}

func TestMatch_RecentPendingRequiresOptIn(t *testing.T) {
	s := sub(9, func(s *models.Subscription) {
		s.UserID = "unrelated"
		s.ExternalReference = "SUB-unrelated-3-qq"
	})
	candidates := []*models.Subscription{s}

	res := newMatcher().Match(Event{PaymentID: "777"}, Context{}, candidates)
	require.Nil(t, res)

	res = newMatcher().Match(Event{PaymentID: "777"}, Context{AllowRecentPendingFallback: true}, candidates)
	require.NotNil(t, res)
	require.Equal(t, "recent_pending", res.Strategy)
}

func TestPickBest_AmountThenProximityThenRecency(t *testing.T) {
	eventTime := time.Now()
	amountMatch := sub(10, func(s *models.Subscription) {
		s.TransactionAmount = 570
		s.CreatedAt = eventTime.Add(-48 * time.Hour)
	})
	closeButWrongAmount := sub(11, func(s *models.Subscription) {
		s.TransactionAmount = 100
		s.CreatedAt = eventTime.Add(-time.Minute)
	})

	best := pickBest(Event{Amount: 570, Timestamp: eventTime}, []*models.Subscription{closeButWrongAmount, amountMatch})
	require.Equal(t, uint(10), best.ID)

	// No amount signal: proximity window filters, then recency decides.
	recent := sub(12, func(s *models.Subscription) { s.CreatedAt = eventTime.Add(-2 * time.Hour) })
	older := sub(13, func(s *models.Subscription) { s.CreatedAt = eventTime.Add(-20 * time.Hour) })
	far := sub(14, func(s *models.Subscription) { s.CreatedAt = eventTime.Add(-80 * time.Hour) })
	best = pickBest(Event{Timestamp: eventTime}, []*models.Subscription{far, older, recent})
	require.Equal(t, uint(12), best.ID)
}

func TestParseReference(t *testing.T) {
	userID, productID, ok := ParseReference("SUB-U1-7-abcd")
	require.True(t, ok)
	require.Equal(t, "U1", userID)
	require.Equal(t, uint(7), productID)

	// UUID user ids contain dashes.
	userID, productID, ok = ParseReference("SUB-550e8400-e29b-41d4-a716-446655440000-42-x9k2")
	require.True(t, ok)
	require.Equal(t, "550e8400-e29b-41d4-a716-446655440000", userID)
	require.Equal(t, uint(42), productID)

	_, _, ok = ParseReference("ORDER-123")
	require.False(t, ok)
	_, _, ok = ParseReference("SUB-onlyuser")
	require.False(t, ok)
}

func TestTrailingToken(t *testing.T) {
	require.Equal(t, "a1b2c3", TrailingToken("SUB-U1-7-a1b2c3"))
	require.Equal(t, "", TrailingToken("SUB-U1-7-abc"), "short suffixes are too collision-prone")
	require.Equal(t, "noseparator", TrailingToken("noseparator"))
}

func TestMatch_EmptyCandidates(t *testing.T) {
	require.Nil(t, newMatcher().Match(Event{ExternalReference: "SUB-U1-7-abcd"}, Context{}, nil))
}
