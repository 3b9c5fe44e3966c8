package contracts

import "time"

const EventPaymentReconciled = "payments.reconciled"

// PaymentReconciledEvent is emitted when reconciliation advanced an order.
type PaymentReconciledEvent struct {
	EventID        string    `json:"event_id"`
	OrderID        string    `json:"order_id"`
	PaymentID      string    `json:"payment_id"`
	ProviderRef    string    `json:"provider_ref"`
	ProviderStatus string    `json:"provider_status"`
	PaymentStatus  string    `json:"payment_status"`
	OrderStatus    string    `json:"order_status"`
	Amount         int64     `json:"amount"`
	ReconciledAt   time.Time `json:"reconciled_at"`
}
