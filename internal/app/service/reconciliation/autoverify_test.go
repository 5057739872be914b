package reconciliation

import (
	"testing"
	"time"

	"github.com/petgourmet/billing-backend/internal/platform/mercadopago"

	"github.com/stretchr/testify/require"
)

func TestOrphanDecision(t *testing.T) {
	now := time.Now()
	grace := time.Hour

	require.False(t, OrphanDecision(now.Add(-30*time.Minute), now, grace),
		"inside the grace window the row stays pending")
	require.False(t, OrphanDecision(now.Add(-grace), now, grace),
		"exactly at the boundary is still inside")
	require.True(t, OrphanDecision(now.Add(-90*time.Minute), now, grace))
}

func TestPreferApproved(t *testing.T) {
	pending := &mercadopago.Payment{ID: 1, Status: mercadopago.PaymentStatusPending}
	approved := &mercadopago.Payment{ID: 2, Status: mercadopago.PaymentStatusApproved}

	got := preferApproved([]*mercadopago.Payment{pending, approved})
	require.Equal(t, int64(2), got.ID)

	// No approved hit: first result is still returned so callers can
	// inspect the non-settled state.
	got = preferApproved([]*mercadopago.Payment{pending})
	require.Equal(t, int64(1), got.ID)

	require.Nil(t, preferApproved(nil))
}
