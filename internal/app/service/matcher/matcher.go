package matcher

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/petgourmet/billing-backend/internal/models"
	"github.com/petgourmet/billing-backend/pkg/types"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Confidence grades how reliable the winning strategy is. Low-confidence
// matches are logged loudly and never used by the automated webhook path
// without the caller opting in.
type Confidence string

const (
	ConfidenceExact  Confidence = "exact"
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Event is the gateway payload view the matcher works from.
type Event struct {
	ExternalReference string
	PaymentID         string
	PayerEmail        string
	Amount            float64
	Timestamp         time.Time
}

// Context is caller-supplied resolution hints. AllowRecentPendingFallback
// enables the system-wide last-resort strategy and must only be set by
// manual admin repair.
type Context struct {
	UserID                     string
	ProductID                  uint
	AllowRecentPendingFallback bool
}

// Result carries the winning candidate plus which strategy found it.
type Result struct {
	Subscription *models.Subscription
	Strategy     string
	Confidence   Confidence
}

type strategy struct {
	name       string
	confidence Confidence
	apply      func(e Event, mc Context, candidates []*models.Subscription) []*models.Subscription
}

// Matcher runs the ordered strategy cascade over a candidate set. It is
// a pure function of its inputs and never touches the store.
type Matcher struct {
	log        *zap.SugaredLogger
	strategies []strategy
}

func New(log *zap.SugaredLogger) *Matcher {
	m := &Matcher{log: log}
	m.strategies = []strategy{
		{"exact_reference", ConfidenceExact, matchExactReference},
		{"payment_reference", ConfidenceExact, matchPaymentReference},
		{"user_product", ConfidenceHigh, matchUserProduct},
		{"user_only", ConfidenceMedium, matchUserOnly},
		{"payer_email", ConfidenceMedium, matchPayerEmail},
		{"payment_id_metadata", ConfidenceHigh, matchPaymentIDMetadata},
		{"partial_reference", ConfidenceLow, matchPartialReference},
		{"recent_pending", ConfidenceLow, matchRecentPending},
	}
	return m
}

// Match returns the single best candidate, or nil when nothing matched.
// The first strategy producing a non-empty set wins; ties inside a
// strategy break on amount, then creation-time proximity, then recency.
func (m *Matcher) Match(e Event, mc Context, candidates []*models.Subscription) *Result {
	if len(candidates) == 0 {
		return nil
	}
	for _, st := range m.strategies {
		hits := st.apply(e, mc, candidates)
		if len(hits) == 0 {
			continue
		}
		best := pickBest(e, hits)
		if st.confidence == ConfidenceLow {
			m.log.Warnw("matcher_low_confidence_match",
				"strategy", st.name,
				"subscription_id", best.ID,
				"external_reference", e.ExternalReference,
				"candidates", len(hits),
			)
		}
		return &Result{Subscription: best, Strategy: st.name, Confidence: st.confidence}
	}
	return nil
}

// pickBest applies the tie-break chain: exact amount match, then creation
// within ±24h of the event timestamp, then most recent created_at.
func pickBest(e Event, hits []*models.Subscription) *models.Subscription {
	if len(hits) == 1 {
		return hits[0]
	}
	if e.Amount > 0 {
		byAmount := lo.Filter(hits, func(s *models.Subscription, _ int) bool {
			return s.TransactionAmount == e.Amount || s.DiscountedPrice == e.Amount
		})
		if len(byAmount) > 0 {
			hits = byAmount
		}
	}
	if !e.Timestamp.IsZero() {
		byProximity := lo.Filter(hits, func(s *models.Subscription, _ int) bool {
			d := e.Timestamp.Sub(s.CreatedAt)
			if d < 0 {
				d = -d
			}
			return d <= 24*time.Hour
		})
		if len(byProximity) > 0 {
			hits = byProximity
		}
	}
	return lo.MaxBy(hits, func(a, b *models.Subscription) bool {
		return a.CreatedAt.After(b.CreatedAt)
	})
}

func matchExactReference(e Event, _ Context, candidates []*models.Subscription) []*models.Subscription {
	if e.ExternalReference == "" {
		return nil
	}
	return lo.Filter(candidates, func(s *models.Subscription, _ int) bool {
		return s.ExternalReference == e.ExternalReference
	})
}

// matchPaymentReference covers the case where the gateway minted a new
// reference for the payment that differs from the checkout reference;
// the payment-specific reference is stashed in metadata at sync time.
func matchPaymentReference(e Event, _ Context, candidates []*models.Subscription) []*models.Subscription {
	if e.ExternalReference == "" {
		return nil
	}
	return lo.Filter(candidates, func(s *models.Subscription, _ int) bool {
		md := s.GetMetadata()
		return md != nil && md.PaymentExternalReference == e.ExternalReference
	})
}

func matchUserProduct(e Event, mc Context, candidates []*models.Subscription) []*models.Subscription {
	userID, productID := mc.UserID, mc.ProductID
	if userID == "" || productID == 0 {
		if u, p, ok := ParseReference(e.ExternalReference); ok {
			if userID == "" {
				userID = u
			}
			if productID == 0 {
				productID = p
			}
		}
	}
	if userID == "" || productID == 0 {
		return nil
	}
	return lo.Filter(candidates, func(s *models.Subscription, _ int) bool {
		return s.UserID == userID && s.ProductID == productID && matchableStatus(s.Status)
	})
}

func matchUserOnly(e Event, mc Context, candidates []*models.Subscription) []*models.Subscription {
	userID := mc.UserID
	if userID == "" {
		if u, _, ok := ParseReference(e.ExternalReference); ok {
			userID = u
		}
	}
	if userID == "" {
		return nil
	}
	return lo.Filter(candidates, func(s *models.Subscription, _ int) bool {
		return s.UserID == userID && matchableStatus(s.Status)
	})
}

// matchPayerEmail does a raw containment search because the customer-data
// blob may be serialized JSON or an already-decoded object.
func matchPayerEmail(e Event, _ Context, candidates []*models.Subscription) []*models.Subscription {
	if e.PayerEmail == "" {
		return nil
	}
	return lo.Filter(candidates, func(s *models.Subscription, _ int) bool {
		return matchableStatus(s.Status) && s.CustomerDataContains(e.PayerEmail)
	})
}

// matchPaymentIDMetadata catches replays of an event that was already
// reconciled against a subscription.
func matchPaymentIDMetadata(e Event, _ Context, candidates []*models.Subscription) []*models.Subscription {
	if e.PaymentID == "" {
		return nil
	}
	return lo.Filter(candidates, func(s *models.Subscription, _ int) bool {
		md := s.GetMetadata()
		return md != nil && md.MercadopagoPaymentID == e.PaymentID
	})
}

// matchPartialReference fuzzy-matches on the trailing random token of the
// reference. Unreliable; only reached when every stronger strategy missed.
func matchPartialReference(e Event, _ Context, candidates []*models.Subscription) []*models.Subscription {
	token := TrailingToken(e.ExternalReference)
	if token == "" {
		return nil
	}
	return lo.Filter(candidates, func(s *models.Subscription, _ int) bool {
		return s.ExternalReference != "" && strings.Contains(s.ExternalReference, token)
	})
}

func matchRecentPending(_ Event, mc Context, candidates []*models.Subscription) []*models.Subscription {
	if !mc.AllowRecentPendingFallback {
		return nil
	}
	pending := lo.Filter(candidates, func(s *models.Subscription, _ int) bool {
		return s.Status == types.SubscriptionStatusPending
	})
	if len(pending) == 0 {
		return nil
	}
	newest := lo.MaxBy(pending, func(a, b *models.Subscription) bool {
		return a.CreatedAt.After(b.CreatedAt)
	})
	return []*models.Subscription{newest}
}

func matchableStatus(s types.SubscriptionStatus) bool {
	return s == types.SubscriptionStatusPending || s == types.SubscriptionStatusActive
}

// ParseReference decomposes a SUB-{userId}-{productId}-{suffix} checkout
// reference. The user id itself may contain dashes (UUIDs), so the
// product id is taken from the second-to-last segment.
func ParseReference(ref string) (userID string, productID uint, ok bool) {
	if !strings.HasPrefix(ref, "SUB-") {
		return "", 0, false
	}
	parts := strings.Split(ref, "-")
	if len(parts) < 4 {
		return "", 0, false
	}
	pid, err := strconv.ParseUint(parts[len(parts)-2], 10, 32)
	if err != nil {
		return "", 0, false
	}
	userID = strings.Join(parts[1:len(parts)-2], "-")
	if userID == "" {
		return "", 0, false
	}
	return userID, uint(pid), true
}

// NewReference builds the checkout correlation reference.
func NewReference(userID string, productID uint, suffix string) string {
	return fmt.Sprintf("SUB-%s-%d-%s", userID, productID, suffix)
}

// TrailingToken extracts the random suffix of a reference for fuzzy
// matching. Suffixes under 4 characters are too collision-prone to use.
func TrailingToken(ref string) string {
	parts := strings.Split(ref, "-")
	token := parts[len(parts)-1]
	if len(token) < 4 {
		return ""
	}
	return token
}
