package reconcile

import (
	"context"

	"gozon/checkout-service/internal/order"
	"gozon/checkout-service/internal/payment"
	"gozon/checkout-service/internal/storage"
	"gozon/checkout-service/pkg/messaging"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const OutboxTable = "payment_outbox"

// PgLedger runs reconciliation against Postgres.
type PgLedger struct {
	db storage.TxBeginner
}

func NewPgLedger(db storage.TxBeginner) *PgLedger {
	return &PgLedger{db: db}
}

func (l *PgLedger) WithinTx(ctx context.Context, fn func(Tx) error) error {
	return storage.InTx(ctx, l.db, func(tx pgx.Tx) error {
		return fn(&pgTx{
			tx:       tx,
			payments: payment.NewRepository(tx),
			orders:   order.NewRepository(tx),
		})
	})
}

type pgTx struct {
	tx       pgx.Tx
	payments *payment.Repository
	orders   *order.Repository
}

func (t *pgTx) PaymentByRef(ctx context.Context, provider, ref string) (*payment.Payment, error) {
	return t.payments.ByRefForUpdate(ctx, provider, ref)
}

func (t *pgTx) AdvancePayment(ctx context.Context, id uuid.UUID, to payment.Status, payload []byte) (bool, error) {
	return t.payments.Advance(ctx, id, to, payload)
}

func (t *pgTx) OrderByID(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	return t.orders.ByID(ctx, id)
}

func (t *pgTx) AdvanceOrder(ctx context.Context, id uuid.UUID, to order.Status, paymentStatus string) (bool, error) {
	return t.orders.Advance(ctx, id, to, paymentStatus)
}

func (t *pgTx) Enqueue(ctx context.Context, msg messaging.Message) error {
	return messaging.Enqueue(ctx, t.tx, OutboxTable, msg)
}
