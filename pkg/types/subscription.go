package types

type SubscriptionStatus string

const (
	SubscriptionStatusPending    SubscriptionStatus = "pending"
	SubscriptionStatusAuthorized SubscriptionStatus = "authorized"
	SubscriptionStatusActive     SubscriptionStatus = "active"
	SubscriptionStatusPaused     SubscriptionStatus = "paused"
	SubscriptionStatusCancelled  SubscriptionStatus = "cancelled"
	SubscriptionStatusError      SubscriptionStatus = "error"
)

// Terminal reports whether no further automatic transition is allowed
// from this status. Reactivation out of paused requires a new gateway
// authorization and goes through the activation path again.
func (s SubscriptionStatus) Terminal() bool {
	return s == SubscriptionStatusCancelled || s == SubscriptionStatusError
}

// SubscriptionType is the billing cadence selected at checkout.
type SubscriptionType string

const (
	SubscriptionTypeWeekly    SubscriptionType = "weekly"
	SubscriptionTypeBiweekly  SubscriptionType = "biweekly"
	SubscriptionTypeMonthly   SubscriptionType = "monthly"
	SubscriptionTypeQuarterly SubscriptionType = "quarterly"
	SubscriptionTypeAnnual    SubscriptionType = "annual"
)

// Frequency returns the gateway auto_recurring (frequency, frequency_type)
// pair for this cadence. Unknown cadences fall back to monthly.
func (t SubscriptionType) Frequency() (int, string) {
	switch t {
	case SubscriptionTypeWeekly:
		return 7, "days"
	case SubscriptionTypeBiweekly:
		return 14, "days"
	case SubscriptionTypeMonthly:
		return 1, "months"
	case SubscriptionTypeQuarterly:
		return 3, "months"
	case SubscriptionTypeAnnual:
		return 12, "months"
	default:
		return 1, "months"
	}
}
