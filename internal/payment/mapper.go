package payment

import "gozon/checkout-service/internal/order"

// Mapping is the store-side meaning of a provider payment status.
type Mapping struct {
	Payment Status
	Order   order.Status
}

// MapProviderStatus translates the provider's status vocabulary. Unknown
// statuses map to pending/pending.
func MapProviderStatus(providerStatus string) Mapping {
	switch providerStatus {
	case "approved":
		return Mapping{Payment: StatusCompleted, Order: order.StatusProcessing}
	case "pending", "in_process":
		return Mapping{Payment: StatusPending, Order: order.StatusPending}
	case "rejected", "cancelled":
		return Mapping{Payment: StatusFailed, Order: order.StatusCancelled}
	case "refunded":
		return Mapping{Payment: StatusRefunded, Order: order.StatusRefunded}
	default:
		return Mapping{Payment: StatusPending, Order: order.StatusPending}
	}
}
