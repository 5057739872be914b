package reconciliation

import (
	"testing"

	"github.com/petgourmet/billing-backend/pkg/types"

	"github.com/stretchr/testify/require"
)

func TestMapPaymentStatus(t *testing.T) {
	cases := []struct {
		gateway     string
		wantOrder   types.OrderStatus
		wantPayment types.PaymentStatus
	}{
		{"approved", types.OrderStatusProcessing, types.PaymentStatusPaid},
		{"paid", types.OrderStatusProcessing, types.PaymentStatusPaid},
		{"rejected", types.OrderStatusCancelled, types.PaymentStatusFailed},
		{"cancelled", types.OrderStatusCancelled, types.PaymentStatusFailed},
		{"refunded", types.OrderStatusRefunded, types.PaymentStatusRefunded},
		{"charged_back", types.OrderStatusRefunded, types.PaymentStatusRefunded},
		{"pending", types.OrderStatusPending, types.PaymentStatusPending},
		{"in_process", types.OrderStatusPending, types.PaymentStatusPending},
		{"authorized", types.OrderStatusPending, types.PaymentStatusPending},
	}
	for _, c := range cases {
		gotOrder, gotPayment := MapPaymentStatus(c.gateway)
		require.Equal(t, c.wantOrder, gotOrder, "gateway status %s", c.gateway)
		require.Equal(t, c.wantPayment, gotPayment, "gateway status %s", c.gateway)
	}
}

func TestTerminalPaymentStatusNeverRegressesSilently(t *testing.T) {
	require.True(t, types.PaymentStatusPaid.TerminalPayment())
	require.True(t, types.PaymentStatusFailed.TerminalPayment())
	require.True(t, types.PaymentStatusRefunded.TerminalPayment())
	require.False(t, types.PaymentStatusPending.TerminalPayment())
}
