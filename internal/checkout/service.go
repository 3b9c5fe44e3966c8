package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gozon/checkout-service/internal/audit"
	"gozon/checkout-service/internal/order"
	"gozon/checkout-service/internal/payment"
	"gozon/checkout-service/internal/provider"

	"github.com/google/uuid"
)

var (
	ErrOrderNotPending = errors.New("order is not pending")
)

type OrderReader interface {
	ByID(ctx context.Context, id uuid.UUID) (*order.Order, error)
}

type PaymentCreator interface {
	Create(ctx context.Context, p *payment.Payment) (bool, error)
}

type PreferenceClient interface {
	CreatePreference(ctx context.Context, req provider.PreferenceRequest) (*provider.Preference, error)
}

type Auditor interface {
	Log(ctx context.Context, action, entity string, diff any)
}

type Service struct {
	orders   OrderReader
	payments PaymentCreator
	provider PreferenceClient
	audit    Auditor
	baseURL  string
	logger   *slog.Logger
}

func NewService(orders OrderReader, payments PaymentCreator, client PreferenceClient, auditor Auditor, baseURL string, logger *slog.Logger) *Service {
	return &Service{
		orders:   orders,
		payments: payments,
		provider: client,
		audit:    auditor,
		baseURL:  strings.TrimRight(baseURL, "/"),
		logger:   logger,
	}
}

// CreatePreference opens a provider checkout for a pending order and records
// the pending payment the webhook will later reconcile. The preference id is
// the payment's provider reference.
func (s *Service) CreatePreference(ctx context.Context, orderID uuid.UUID, payerEmail string) (*provider.Preference, error) {
	o, err := s.orders.ByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != order.StatusPending {
		return nil, ErrOrderNotPending
	}

	req := provider.PreferenceRequest{
		Items: []provider.PreferenceItem{{
			ID:         o.ID.String(),
			Title:      "Order " + o.ID.String(),
			Quantity:   1,
			UnitPrice:  float64(o.Total) / 100,
			CurrencyID: o.Currency,
		}},
		BackURLs: provider.BackURLs{
			Success: s.baseURL + "/checkout/success",
			Failure: s.baseURL + "/checkout/failure",
			Pending: s.baseURL + "/checkout/pending",
		},
		AutoReturn:        "approved",
		NotificationURL:   s.baseURL + "/webhooks/payments",
		ExternalReference: o.ID.String(),
	}
	if payerEmail != "" {
		req.Payer = &provider.Payer{Email: payerEmail}
	}

	pref, err := s.provider.CreatePreference(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create preference for order %s: %w", o.ID, err)
	}

	p := &payment.Payment{
		OrderID:     o.ID,
		Provider:    payment.ProviderMercadoPago,
		ProviderRef: pref.ID,
		Status:      payment.StatusPending,
		Amount:      o.Total,
	}
	created, err := s.payments.Create(ctx, p)
	if err != nil {
		return nil, err
	}
	if !created {
		s.logger.Warn("payment already recorded for preference", "order_id", o.ID, "payment_ref", pref.ID)
	}

	s.audit.Log(ctx, audit.ActionPreferenceCreated, "order:"+o.ID.String(), map[string]any{
		"preference_id": pref.ID,
		"payment_id":    p.ID,
		"amount":        o.Total,
		"created":       created,
	})
	return pref, nil
}
