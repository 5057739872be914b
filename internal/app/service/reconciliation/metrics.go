package reconciliation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	webhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "reconciliation",
		Name:      "webhook_events_total",
		Help:      "Webhook events by type and outcome.",
	}, []string{"type", "outcome"})

	matchStrategyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "reconciliation",
		Name:      "match_strategy_total",
		Help:      "Matcher hits by winning strategy.",
	}, []string{"strategy"})

	activationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "reconciliation",
		Name:      "activations_total",
		Help:      "Subscription activations by trigger path.",
	}, []string{"via"})

	lockContentionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "reconciliation",
		Name:      "lock_contention_total",
		Help:      "Events deferred because the correlation lock was held.",
	})

	duplicatesCollapsed = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "reconciliation",
		Name:      "duplicate_pendings_collapsed_total",
		Help:      "Duplicate pending subscription rows removed at activation.",
	})

	orphansMarked = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "reconciliation",
		Name:      "orphans_marked_total",
		Help:      "Pending subscriptions marked error after the grace window.",
	})
)
