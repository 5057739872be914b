package types

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
)

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// TerminalPayment reports whether the payment status must not silently
// regress. A re-sync with force enabled is the only path out.
func (p PaymentStatus) TerminalPayment() bool {
	return p == PaymentStatusPaid || p == PaymentStatusFailed || p == PaymentStatusRefunded
}
