package payment

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// ProviderMercadoPago identifies the only payment integration.
const ProviderMercadoPago = "mercadopago"

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

var predecessors = map[Status][]Status{
	StatusCompleted: {StatusPending},
	StatusFailed:    {StatusPending},
	StatusRefunded:  {StatusPending, StatusCompleted},
}

// Predecessors returns the statuses a payment may move from to reach s.
func Predecessors(s Status) []Status {
	return slices.Clone(predecessors[s])
}

func CanAdvance(from, to Status) bool {
	return slices.Contains(predecessors[to], from)
}

type Payment struct {
	ID          uuid.UUID
	OrderID     uuid.UUID
	Provider    string
	ProviderRef string
	Status      Status
	Amount      int64
	Payload     []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
