package reconciletest

import (
	"context"
	"sync"

	"gozon/checkout-service/internal/order"
	"gozon/checkout-service/internal/payment"

	"github.com/google/uuid"
)

// Orders exposes the ledger's orders through the order repository's read
// methods.
func (l *Ledger) Orders() Orders { return Orders{l: l} }

// Payments exposes the ledger's payments through the payment repository's
// insert method.
func (l *Ledger) Payments() Payments { return Payments{l: l} }

type Orders struct{ l *Ledger }

func (v Orders) ByID(_ context.Context, id uuid.UUID) (*order.Order, error) {
	o, ok := v.l.Order(id)
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return &o, nil
}

func (v Orders) Get(ctx context.Context, customerID, orderID uuid.UUID) (*order.Order, error) {
	o, err := v.ByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.OwnedBy(customerID) {
		return nil, order.ErrOrderNotFound
	}
	return o, nil
}

type Payments struct{ l *Ledger }

func (v Payments) Create(_ context.Context, p *payment.Payment) (bool, error) {
	v.l.mu.Lock()
	defer v.l.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = payment.StatusPending
	}
	k := key(p.Provider, p.ProviderRef)
	if _, exists := v.l.payments[k]; exists {
		return false, nil
	}
	v.l.payments[k] = *p
	v.l.writes++
	return true, nil
}

type Entry struct {
	Action string
	Entity string
	Diff   any
}

// Auditor records audit entries in memory.
type Auditor struct {
	mu      sync.Mutex
	entries []Entry
}

func (a *Auditor) Log(_ context.Context, action, entity string, diff any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, Entry{Action: action, Entity: entity, Diff: diff})
}

func (a *Auditor) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Entry, len(a.entries))
	copy(out, a.entries)
	return out
}

// Actions returns the recorded actions in order.
func (a *Auditor) Actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}
