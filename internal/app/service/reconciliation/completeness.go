package reconciliation

import "github.com/petgourmet/billing-backend/internal/models"

// CompletenessScore weighs how many critical fields a subscription row
// actually carries. Checkout retries leave duplicate pending rows of
// varying quality; activation keeps the highest-scoring one.
func CompletenessScore(s *models.Subscription) int {
	if s == nil {
		return 0
	}
	score := 0
	if s.ProductID > 0 {
		score += 2
	}
	if s.ProductName != "" {
		score++
	}
	if s.BasePrice > 0 {
		score += 2
	}
	if s.DiscountedPrice > 0 {
		score++
	}
	if s.TransactionAmount > 0 {
		score += 2
	}
	// '{}' and 'null' blobs count as empty.
	if len(s.CustomerData) > 4 {
		score += 2
	}
	if s.ExternalReference != "" {
		score++
	}
	if s.MercadopagoSubscriptionID != nil && *s.MercadopagoSubscriptionID != "" {
		score++
	}
	if s.CustomerEmail() != "" {
		score++
	}
	return score
}
