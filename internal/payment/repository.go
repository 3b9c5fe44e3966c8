package payment

import (
	"context"
	"errors"
	"fmt"

	"gozon/checkout-service/internal/storage"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	ErrPaymentNotFound = errors.New("payment not found")
)

type Repository struct {
	db storage.Querier
}

func NewRepository(db storage.Querier) *Repository {
	return &Repository{db: db}
}

// ByRefForUpdate loads the payment for (provider, ref) and locks the row
// until the surrounding transaction ends.
func (r *Repository) ByRefForUpdate(ctx context.Context, provider, ref string) (*Payment, error) {
	var p Payment
	err := r.db.QueryRow(ctx, `
		SELECT id, order_id, provider, provider_ref, status, amount, payload, created_at, updated_at
		FROM payments
		WHERE provider = $1 AND provider_ref = $2
		FOR UPDATE`,
		provider, ref,
	).Scan(&p.ID, &p.OrderID, &p.Provider, &p.ProviderRef, &p.Status, &p.Amount, &p.Payload, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("select payment: %w", err)
	}
	return &p, nil
}

// Advance sets status and payload when the stored status is one of to's
// predecessors. It reports whether the row changed.
func (r *Repository) Advance(ctx context.Context, id uuid.UUID, to Status, payload []byte) (bool, error) {
	preds := Predecessors(to)
	from := make([]string, 0, len(preds))
	for _, s := range preds {
		from = append(from, string(s))
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE payments
		SET status = $2, payload = $3, updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)`,
		id, string(to), payload, from,
	)
	if err != nil {
		return false, fmt.Errorf("update payment status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Create inserts a pending payment. A second insert for the same
// (provider, provider_ref) is ignored and reported as false.
func (r *Repository) Create(ctx context.Context, p *Payment) (bool, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
	tag, err := r.db.Exec(ctx, `
		INSERT INTO payments (id, order_id, provider, provider_ref, status, amount, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (provider, provider_ref) DO NOTHING`,
		p.ID, p.OrderID, p.Provider, p.ProviderRef, string(p.Status), p.Amount, p.Payload,
	)
	if err != nil {
		return false, fmt.Errorf("insert payment: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
