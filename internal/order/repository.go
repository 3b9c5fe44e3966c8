package order

import (
	"context"
	"errors"
	"fmt"

	"gozon/checkout-service/internal/storage"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	ErrOrderNotFound = errors.New("order not found")
)

const selectColumns = `
	SELECT id, customer_id, session_id, subtotal, shipping, discount, total, currency,
	       status, payment_status, payment_method, created_at, updated_at
	FROM orders`

type Repository struct {
	db storage.Querier
}

func NewRepository(db storage.Querier) *Repository {
	return &Repository{db: db}
}

func (r *Repository) ByID(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	row := r.db.QueryRow(ctx, selectColumns+`
	WHERE id = $1`, orderID)
	return scanOrder(row)
}

// Get returns the order only when it belongs to customerID.
func (r *Repository) Get(ctx context.Context, customerID, orderID uuid.UUID) (*Order, error) {
	row := r.db.QueryRow(ctx, selectColumns+`
	WHERE id = $1 AND customer_id = $2`, orderID, customerID)
	return scanOrder(row)
}

// Advance moves the order to (to, paymentStatus) only if its current status
// is one of to's predecessors, or already equals to with a stale
// payment_status. It reports whether a row was written.
func (r *Repository) Advance(ctx context.Context, orderID uuid.UUID, to Status, paymentStatus string) (bool, error) {
	preds := Predecessors(to)
	from := make([]string, 0, len(preds))
	for _, s := range preds {
		from = append(from, string(s))
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE orders
		SET status = $2, payment_status = $3, updated_at = NOW()
		WHERE id = $1
		  AND (status = ANY($4) OR status = $2)
		  AND (status, payment_status) IS DISTINCT FROM ($2, $3)`,
		orderID, string(to), paymentStatus, from,
	)
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(
		&o.ID, &o.CustomerID, &o.SessionID, &o.Subtotal, &o.Shipping, &o.Discount, &o.Total, &o.Currency,
		&o.Status, &o.PaymentStatus, &o.PaymentMethod, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &o, nil
}
