package reconciliation

import (
	"testing"

	"github.com/petgourmet/billing-backend/internal/platform/mercadopago"

	"github.com/stretchr/testify/require"
)

func TestIsSubscriptionEvent(t *testing.T) {
	require.True(t, isSubscriptionEvent(&mercadopago.Payment{
		ExternalReference: "SUB-U1-7-abcd",
	}))
	require.True(t, isSubscriptionEvent(&mercadopago.Payment{
		Metadata: map[string]any{"subscription_id": float64(42)},
	}))
	require.True(t, isSubscriptionEvent(&mercadopago.Payment{
		Metadata: map[string]any{"type": "subscription"},
	}))

	require.False(t, isSubscriptionEvent(&mercadopago.Payment{
		ExternalReference: "ORD-1234",
	}))
	require.False(t, isSubscriptionEvent(&mercadopago.Payment{
		Metadata: map[string]any{"type": "order"},
	}))
	require.False(t, isSubscriptionEvent(&mercadopago.Payment{}))
}

func TestCorrelationLockKey(t *testing.T) {
	withRef := &mercadopago.Payment{ID: 99, ExternalReference: "SUB-U1-7-abcd"}
	require.Equal(t, "reconcile:SUB-U1-7-abcd", correlationLockKey(withRef))

	// Events sharing a correlation id must contend on the same key
	// regardless of payment id.
	other := &mercadopago.Payment{ID: 100, ExternalReference: "SUB-U1-7-abcd"}
	require.Equal(t, correlationLockKey(withRef), correlationLockKey(other))

	noRef := &mercadopago.Payment{ID: 99}
	require.Equal(t, "reconcile:payment:99", correlationLockKey(noRef))
}
