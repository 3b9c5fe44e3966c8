package order

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// predecessors lists, for each status, the statuses an order may move from.
// pending has none: nothing ever moves an order back to pending.
var predecessors = map[Status][]Status{
	StatusProcessing: {StatusPending},
	StatusCancelled:  {StatusPending},
	StatusRefunded:   {StatusPending, StatusProcessing},
}

// Predecessors returns the statuses from which an order may advance to s.
func Predecessors(s Status) []Status {
	return slices.Clone(predecessors[s])
}

// CanAdvance reports whether moving from "from" to "to" is forward progress.
func CanAdvance(from, to Status) bool {
	return slices.Contains(predecessors[to], from)
}

type Order struct {
	ID            uuid.UUID  `json:"id"`
	CustomerID    *uuid.UUID `json:"customer_id,omitempty"`
	SessionID     string     `json:"session_id,omitempty"`
	Subtotal      int64      `json:"subtotal"`
	Shipping      int64      `json:"shipping"`
	Discount      int64      `json:"discount"`
	Total         int64      `json:"total"`
	Currency      string     `json:"currency"`
	Status        Status     `json:"status"`
	PaymentStatus string     `json:"payment_status"`
	PaymentMethod string     `json:"payment_method"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// OwnedBy reports whether the order belongs to the given customer.
func (o *Order) OwnedBy(customerID uuid.UUID) bool {
	return o.CustomerID != nil && *o.CustomerID == customerID
}
