package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gozon/checkout-service/internal/audit"
	"gozon/checkout-service/internal/order"
	"gozon/checkout-service/internal/payment"
	"gozon/checkout-service/internal/provider"
	"gozon/checkout-service/pkg/contracts"
	"gozon/checkout-service/pkg/messaging"

	"github.com/google/uuid"
)

type Outcome string

const (
	OutcomeOrphan    Outcome = "orphan"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeUpdated   Outcome = "updated"
	OutcomeStale     Outcome = "stale"
)

// Tx is the set of reads and conditional writes reconciliation performs
// inside one database transaction.
type Tx interface {
	PaymentByRef(ctx context.Context, provider, ref string) (*payment.Payment, error)
	AdvancePayment(ctx context.Context, id uuid.UUID, to payment.Status, payload []byte) (bool, error)
	OrderByID(ctx context.Context, id uuid.UUID) (*order.Order, error)
	AdvanceOrder(ctx context.Context, id uuid.UUID, to order.Status, paymentStatus string) (bool, error)
	Enqueue(ctx context.Context, msg messaging.Message) error
}

// Ledger runs fn in a transaction. fn's error rolls everything back.
type Ledger interface {
	WithinTx(ctx context.Context, fn func(Tx) error) error
}

type Auditor interface {
	Log(ctx context.Context, action, entity string, diff any)
}

type Result struct {
	Outcome        Outcome   `json:"outcome"`
	ProviderRef    string    `json:"provider_ref"`
	ProviderStatus string    `json:"provider_status"`
	PaymentID      uuid.UUID `json:"payment_id"`
	OrderID        uuid.UUID `json:"order_id"`
	PaymentUpdated bool      `json:"payment_updated"`
	OrderUpdated   bool      `json:"order_updated"`
	Notified       bool      `json:"notified"`
}

type Engine struct {
	ledger Ledger
	audit  Auditor
	logger *slog.Logger
	now    func() time.Time
}

func NewEngine(ledger Ledger, auditor Auditor, logger *slog.Logger) *Engine {
	return &Engine{ledger: ledger, audit: auditor, logger: logger, now: time.Now}
}

type snapshot struct {
	PaymentStatus      payment.Status `json:"payment_status,omitempty"`
	OrderStatus        order.Status   `json:"order_status,omitempty"`
	OrderPaymentStatus string         `json:"order_payment_status,omitempty"`
}

type amountMismatch struct {
	Stored   int64 `json:"stored"`
	Reported int64 `json:"reported"`
}

// Reconcile applies the provider's canonical view of a payment to the local
// payment and order rows. Only forward transitions are written, so any
// number of deliveries of the same or older notifications converge on the
// same state.
func (e *Engine) Reconcile(ctx context.Context, p *provider.Payment) (Result, error) {
	mapped := payment.MapProviderStatus(p.Status)
	res := Result{ProviderRef: p.Ref(), ProviderStatus: p.Status}
	var before snapshot
	var mismatch *amountMismatch
	stale := false

	err := e.ledger.WithinTx(ctx, func(tx Tx) error {
		res.PaymentUpdated, res.OrderUpdated, res.Notified = false, false, false
		stale = false
		mismatch = nil

		pay, err := tx.PaymentByRef(ctx, payment.ProviderMercadoPago, res.ProviderRef)
		if errors.Is(err, payment.ErrPaymentNotFound) {
			res.Outcome = OutcomeOrphan
			return nil
		}
		if err != nil {
			return err
		}
		res.PaymentID, res.OrderID = pay.ID, pay.OrderID
		before.PaymentStatus = pay.Status
		// state still follows the provider; a differing amount is only flagged
		if p.TransactionAmount != 0 && p.AmountMinor() != pay.Amount {
			mismatch = &amountMismatch{Stored: pay.Amount, Reported: p.AmountMinor()}
		}

		if pay.Status != mapped.Payment {
			if !payment.CanAdvance(pay.Status, mapped.Payment) {
				stale = true
			} else {
				ok, err := tx.AdvancePayment(ctx, pay.ID, mapped.Payment, p.Raw)
				if err != nil {
					return err
				}
				res.PaymentUpdated = ok
				stale = !ok
			}
		}
		if stale {
			// the order follows the payment; a refused payment transition
			// leaves the order as it is
			res.Outcome = OutcomeStale
			return nil
		}

		o, err := tx.OrderByID(ctx, pay.OrderID)
		if err != nil {
			return fmt.Errorf("order for payment %s: %w", pay.ID, err)
		}
		before.OrderStatus, before.OrderPaymentStatus = o.Status, o.PaymentStatus

		if o.Status != mapped.Order || o.PaymentStatus != string(mapped.Payment) {
			if o.Status == mapped.Order || order.CanAdvance(o.Status, mapped.Order) {
				ok, err := tx.AdvanceOrder(ctx, o.ID, mapped.Order, string(mapped.Payment))
				if err != nil {
					return err
				}
				res.OrderUpdated = ok
				stale = !ok
			} else {
				stale = true
			}
		}

		if res.OrderUpdated && o.Status != mapped.Order {
			if err := tx.Enqueue(ctx, e.event(p, pay, mapped)); err != nil {
				return err
			}
			res.Notified = true
		}

		switch {
		case res.PaymentUpdated || res.OrderUpdated:
			res.Outcome = OutcomeUpdated
		case stale:
			res.Outcome = OutcomeStale
		default:
			res.Outcome = OutcomeUnchanged
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("reconcile payment %s: %w", res.ProviderRef, err)
	}

	if mismatch != nil {
		e.logger.Warn("provider amount differs from stored payment",
			"payment_ref", res.ProviderRef, "stored", mismatch.Stored, "reported", mismatch.Reported)
	}
	e.record(ctx, res, mapped, before, mismatch)
	return res, nil
}

func (e *Engine) event(p *provider.Payment, pay *payment.Payment, m payment.Mapping) messaging.Message {
	evt := contracts.PaymentReconciledEvent{
		EventID:        uuid.New().String(),
		OrderID:        pay.OrderID.String(),
		PaymentID:      pay.ID.String(),
		ProviderRef:    pay.ProviderRef,
		ProviderStatus: p.Status,
		PaymentStatus:  string(m.Payment),
		OrderStatus:    string(m.Order),
		Amount:         pay.Amount,
		ReconciledAt:   e.now().UTC(),
	}
	// the struct has only plain fields, Marshal cannot fail
	payload, _ := json.Marshal(evt)
	return messaging.Message{ID: evt.EventID, Type: contracts.EventPaymentReconciled, Payload: payload}
}

func (e *Engine) record(ctx context.Context, res Result, m payment.Mapping, before snapshot, mismatch *amountMismatch) {
	action := audit.ActionWebhookReconciled
	switch res.Outcome {
	case OutcomeOrphan:
		action = audit.ActionWebhookOrphan
	case OutcomeStale:
		action = audit.ActionWebhookStale
	}

	diff := map[string]any{
		"received": map[string]string{
			"provider_ref":    res.ProviderRef,
			"provider_status": res.ProviderStatus,
		},
		"mapped": snapshot{
			PaymentStatus:      m.Payment,
			OrderStatus:        m.Order,
			OrderPaymentStatus: string(m.Payment),
		},
		"outcome": res.Outcome,
	}
	if res.Outcome != OutcomeOrphan {
		diff["matched"] = map[string]any{
			"payment_id": res.PaymentID,
			"order_id":   res.OrderID,
			"before":     before,
		}
		diff["updated"] = map[string]bool{
			"payment":  res.PaymentUpdated,
			"order":    res.OrderUpdated,
			"notified": res.Notified,
		}
	}
	if mismatch != nil {
		diff["amount_mismatch"] = *mismatch
	}

	e.logger.Info("payment reconciled",
		"payment_ref", res.ProviderRef,
		"provider_status", res.ProviderStatus,
		"outcome", res.Outcome,
		"payment_updated", res.PaymentUpdated,
		"order_updated", res.OrderUpdated,
	)
	e.audit.Log(ctx, action, "payment:"+res.ProviderRef, diff)
}
