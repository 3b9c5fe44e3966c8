package checkout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"gozon/checkout-service/internal/audit"
	"gozon/checkout-service/internal/order"
	"gozon/checkout-service/internal/payment"
	"gozon/checkout-service/internal/provider"
	"gozon/checkout-service/internal/reconcile/reconciletest"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	requests []provider.PreferenceRequest
	prefID   string
	err      error
}

func (f *fakeProvider) CreatePreference(_ context.Context, req provider.PreferenceRequest) (*provider.Preference, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &provider.Preference{ID: f.prefID, InitPoint: "https://mp.example/init/" + f.prefID}, nil
}

func newService(ledger *reconciletest.Ledger, client *fakeProvider, auditor *reconciletest.Auditor) *Service {
	return NewService(ledger.Orders(), ledger.Payments(), client, auditor, "https://shop.example/", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCreatePreference(t *testing.T) {
	ledger := reconciletest.NewLedger()
	o := ledger.AddOrder(uuid.New(), 15990)
	client := &fakeProvider{prefID: "pref-abc"}
	auditor := &reconciletest.Auditor{}

	pref, err := newService(ledger, client, auditor).CreatePreference(context.Background(), o.ID, "buyer@example.com")
	require.NoError(t, err)
	assert.Equal(t, "pref-abc", pref.ID)

	require.Len(t, client.requests, 1)
	req := client.requests[0]
	assert.Equal(t, o.ID.String(), req.ExternalReference)
	assert.Equal(t, "https://shop.example/webhooks/payments", req.NotificationURL)
	assert.Equal(t, "https://shop.example/checkout/success", req.BackURLs.Success)
	assert.Equal(t, "https://shop.example/checkout/failure", req.BackURLs.Failure)
	assert.Equal(t, "https://shop.example/checkout/pending", req.BackURLs.Pending)
	assert.InDelta(t, 159.90, req.Items[0].UnitPrice, 0.001)
	require.NotNil(t, req.Payer)
	assert.Equal(t, "buyer@example.com", req.Payer.Email)

	p, ok := ledger.Payment("pref-abc")
	require.True(t, ok)
	assert.Equal(t, payment.StatusPending, p.Status)
	assert.Equal(t, o.ID, p.OrderID)
	assert.Equal(t, int64(15990), p.Amount)
	assert.Equal(t, 1, ledger.Writes())

	assert.Equal(t, []string{audit.ActionPreferenceCreated}, auditor.Actions())
}

func TestCreatePreference_DuplicateKeepsOnePayment(t *testing.T) {
	ledger := reconciletest.NewLedger()
	o := ledger.AddOrder(uuid.New(), 1000)
	client := &fakeProvider{prefID: "pref-same"}
	svc := newService(ledger, client, &reconciletest.Auditor{})

	_, err := svc.CreatePreference(context.Background(), o.ID, "")
	require.NoError(t, err)
	_, err = svc.CreatePreference(context.Background(), o.ID, "")
	require.NoError(t, err)

	assert.Equal(t, 1, ledger.Writes())
	assert.Nil(t, client.requests[0].Payer)
}

func TestCreatePreference_OrderNotFound(t *testing.T) {
	ledger := reconciletest.NewLedger()
	client := &fakeProvider{prefID: "x"}

	_, err := newService(ledger, client, &reconciletest.Auditor{}).CreatePreference(context.Background(), uuid.New(), "")
	require.ErrorIs(t, err, order.ErrOrderNotFound)
	assert.Empty(t, client.requests)
}

func TestCreatePreference_OrderNotPending(t *testing.T) {
	ledger := reconciletest.NewLedger()
	o := ledger.AddOrder(uuid.New(), 1000)
	o.Status = order.StatusProcessing
	ledger.PutOrder(o)
	client := &fakeProvider{prefID: "x"}

	_, err := newService(ledger, client, &reconciletest.Auditor{}).CreatePreference(context.Background(), o.ID, "")
	require.ErrorIs(t, err, ErrOrderNotPending)
	assert.Empty(t, client.requests)
}

func TestCreatePreference_ProviderFailureWritesNothing(t *testing.T) {
	ledger := reconciletest.NewLedger()
	o := ledger.AddOrder(uuid.New(), 1000)
	client := &fakeProvider{err: errors.New("boom")}
	auditor := &reconciletest.Auditor{}

	_, err := newService(ledger, client, auditor).CreatePreference(context.Background(), o.ID, "")
	require.Error(t, err)
	assert.Zero(t, ledger.Writes())
	assert.Empty(t, auditor.Entries())
}
