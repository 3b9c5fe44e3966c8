// Package reconciletest provides an in-memory ledger with the same
// conditional-write semantics as the Postgres one, for engine and handler
// tests.
package reconciletest

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"

	"gozon/checkout-service/internal/order"
	"gozon/checkout-service/internal/payment"
	"gozon/checkout-service/internal/reconcile"
	"gozon/checkout-service/pkg/messaging"

	"github.com/google/uuid"
)

var errInvalidPayload = errors.New("outbox payload is not JSON")

// Ledger serializes transactions with one mutex, which stands in for the
// payment row lock. Writes are staged and applied only on commit.
type Ledger struct {
	mu       sync.Mutex
	orders   map[uuid.UUID]order.Order
	payments map[string]payment.Payment
	outbox   []messaging.Message
	writes   int
	// FailWith, when set, is returned by the next transaction after fn ran,
	// discarding its staged writes.
	FailWith error
}

func NewLedger() *Ledger {
	return &Ledger{
		orders:   make(map[uuid.UUID]order.Order),
		payments: make(map[string]payment.Payment),
	}
}

func key(provider, ref string) string { return provider + "\x00" + ref }

// AddOrder seeds a pending order and returns it.
func (l *Ledger) AddOrder(customerID uuid.UUID, total int64) order.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	o := order.Order{
		ID:            uuid.New(),
		CustomerID:    &customerID,
		Total:         total,
		Currency:      "BRL",
		Status:        order.StatusPending,
		PaymentStatus: string(payment.StatusPending),
	}
	l.orders[o.ID] = o
	return o
}

// PutOrder stores o as is.
func (l *Ledger) PutOrder(o order.Order) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orders[o.ID] = o
}

// AddPayment seeds a payment for orderID with the given provider reference.
func (l *Ledger) AddPayment(orderID uuid.UUID, ref string, status payment.Status, amount int64) payment.Payment {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := payment.Payment{
		ID:          uuid.New(),
		OrderID:     orderID,
		Provider:    payment.ProviderMercadoPago,
		ProviderRef: ref,
		Status:      status,
		Amount:      amount,
	}
	l.payments[key(p.Provider, ref)] = p
	return p
}

func (l *Ledger) Order(id uuid.UUID) (order.Order, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	return o, ok
}

func (l *Ledger) Payment(ref string) (payment.Payment, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.payments[key(payment.ProviderMercadoPago, ref)]
	return p, ok
}

// Writes counts committed row writes, outbox inserts included.
func (l *Ledger) Writes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writes
}

func (l *Ledger) Outbox() []messaging.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.outbox)
}

func (l *Ledger) WithinTx(ctx context.Context, fn func(reconcile.Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx := &memTx{l: l, orders: map[uuid.UUID]order.Order{}, payments: map[string]payment.Payment{}}
	if err := fn(tx); err != nil {
		return err
	}
	if l.FailWith != nil {
		err := l.FailWith
		l.FailWith = nil
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for id, o := range tx.orders {
		l.orders[id] = o
	}
	for k, p := range tx.payments {
		l.payments[k] = p
	}
	l.outbox = append(l.outbox, tx.outbox...)
	l.writes += tx.writes
	return nil
}

type memTx struct {
	l        *Ledger
	orders   map[uuid.UUID]order.Order
	payments map[string]payment.Payment
	outbox   []messaging.Message
	writes   int
}

func (t *memTx) payment(k string) (payment.Payment, bool) {
	if p, ok := t.payments[k]; ok {
		return p, true
	}
	p, ok := t.l.payments[k]
	return p, ok
}

func (t *memTx) order(id uuid.UUID) (order.Order, bool) {
	if o, ok := t.orders[id]; ok {
		return o, true
	}
	o, ok := t.l.orders[id]
	return o, ok
}

func (t *memTx) PaymentByRef(_ context.Context, provider, ref string) (*payment.Payment, error) {
	p, ok := t.payment(key(provider, ref))
	if !ok {
		return nil, payment.ErrPaymentNotFound
	}
	return &p, nil
}

func (t *memTx) AdvancePayment(_ context.Context, id uuid.UUID, to payment.Status, payload []byte) (bool, error) {
	for k := range t.l.payments {
		p, _ := t.payment(k)
		if p.ID != id {
			continue
		}
		if !payment.CanAdvance(p.Status, to) {
			return false, nil
		}
		p.Status = to
		p.Payload = slices.Clone(payload)
		t.payments[k] = p
		t.writes++
		return true, nil
	}
	return false, nil
}

func (t *memTx) OrderByID(_ context.Context, id uuid.UUID) (*order.Order, error) {
	o, ok := t.order(id)
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return &o, nil
}

func (t *memTx) AdvanceOrder(_ context.Context, id uuid.UUID, to order.Status, paymentStatus string) (bool, error) {
	o, ok := t.order(id)
	if !ok {
		return false, nil
	}
	if o.Status != to && !order.CanAdvance(o.Status, to) {
		return false, nil
	}
	if o.Status == to && o.PaymentStatus == paymentStatus {
		return false, nil
	}
	o.Status = to
	o.PaymentStatus = paymentStatus
	t.orders[id] = o
	t.writes++
	return true, nil
}

func (t *memTx) Enqueue(_ context.Context, msg messaging.Message) error {
	if !json.Valid(msg.Payload) {
		return errInvalidPayload
	}
	t.outbox = append(t.outbox, msg)
	t.writes++
	return nil
}
