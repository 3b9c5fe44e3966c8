package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gozon/checkout-service/internal/audit"
	"gozon/checkout-service/internal/checkout"
	"gozon/checkout-service/internal/order"
	"gozon/checkout-service/internal/payment"
	"gozon/checkout-service/internal/provider"
	"gozon/checkout-service/internal/ratelimit"
	"gozon/checkout-service/internal/reconcile"
	"gozon/checkout-service/internal/reconcile/reconciletest"
	"gozon/checkout-service/internal/signature"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "webhook-secret"

type harness struct {
	server   *Server
	ledger   *reconciletest.Ledger
	auditor  *reconciletest.Auditor
	verifier *signature.Verifier
	fetches  *atomic.Int64
	// statuses maps provider payment id to the status the fake provider reports.
	statuses map[string]string
	prefs    map[string]string
	rdb      *redis.Client
	logger   *slog.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &harness{
		ledger:   reconciletest.NewLedger(),
		auditor:  &reconciletest.Auditor{},
		verifier: signature.NewVerifier(testSecret),
		fetches:  &atomic.Int64{},
		statuses: map[string]string{},
		prefs:    map[string]string{},
	}

	mp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/payments/"):
			h.fetches.Add(1)
			id := strings.TrimPrefix(r.URL.Path, "/v1/payments/")
			status, ok := h.statuses[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":                 json.Number(id),
				"status":             status,
				"preference_id":      h.prefs[id],
				"transaction_amount": 159.9,
			})
		case r.Method == http.MethodPost && r.URL.Path == "/checkout/preferences":
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"pref-new","init_point":"https://mp.example/init/pref-new"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(mp.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	h.rdb = rdb
	h.logger = logger

	limiter := ratelimit.New(ratelimit.NewRedisStore(rdb), map[string]ratelimit.Rule{
		ratelimit.EndpointWebhook:    {Max: 100, Window: time.Minute},
		ratelimit.EndpointPreference: {Max: 1000, Window: time.Hour},
	}, logger)

	client := provider.NewClient(mp.URL, "test-token", time.Second)
	engine := reconcile.NewEngine(h.ledger, h.auditor, logger)
	svc := checkout.NewService(h.ledger.Orders(), h.ledger.Payments(), client, h.auditor, "https://shop.example", logger)

	h.server = NewServer(Deps{
		Limiter:  limiter,
		Verifier: h.verifier,
		Provider: client,
		Engine:   engine,
		Checkout: svc,
		Audit:    h.auditor,
	}, logger)
	return h
}

// limitPreferences swaps in a limiter with the given preference budget on the same redis.
func (h *harness) limitPreferences(max int) {
	h.server.deps.Limiter = ratelimit.New(ratelimit.NewRedisStore(h.rdb), map[string]ratelimit.Rule{
		ratelimit.EndpointWebhook:    {Max: 100, Window: time.Minute},
		ratelimit.EndpointPreference: {Max: max, Window: time.Hour},
	}, h.logger)
}

func (h *harness) trustProxies(t *testing.T, cidrs ...string) {
	t.Helper()
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		prefixes = append(prefixes, netip.MustParsePrefix(c))
	}
	h.server.ips = ipResolver{trusted: prefixes}
}

func (h *harness) webhook(t *testing.T, body string, signed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signed {
		resourceID, err := signature.ResourceID([]byte(body))
		require.NoError(t, err)
		req.Header.Set("x-request-id", "req-"+resourceID)
		req.Header.Set("x-signature", h.verifier.Sign(resourceID, "req-"+resourceID, "1700000000"))
	}
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	return rec
}

func TestWebhook_ApprovedPaymentCompletesOrder(t *testing.T) {
	h := newHarness(t)
	o := h.ledger.AddOrder(uuid.New(), 15990)
	h.ledger.AddPayment(o.ID, "pref-1", payment.StatusPending, 15990)
	h.statuses["1234567"] = "approved"
	h.prefs["1234567"] = "pref-1"

	rec := h.webhook(t, `{"type":"payment","data":{"id":"1234567"}}`, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res reconcile.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, reconcile.OutcomeUpdated, res.Outcome)

	p, _ := h.ledger.Payment("pref-1")
	assert.Equal(t, payment.StatusCompleted, p.Status)
	got, _ := h.ledger.Order(o.ID)
	assert.Equal(t, order.StatusProcessing, got.Status)
	assert.Equal(t, "completed", got.PaymentStatus)
	assert.Equal(t, []string{audit.ActionWebhookReconciled}, h.auditor.Actions())
}

func TestWebhook_UnsignedIsRejectedBeforeAnyWork(t *testing.T) {
	h := newHarness(t)
	o := h.ledger.AddOrder(uuid.New(), 100)
	h.ledger.AddPayment(o.ID, "pref-1", payment.StatusPending, 100)
	h.statuses["1"] = "approved"

	rec := h.webhook(t, `{"type":"payment","data":{"id":"1"}}`, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, h.ledger.Writes())
	assert.Zero(t, h.fetches.Load())
	assert.Equal(t, []string{audit.ActionWebhookRejected}, h.auditor.Actions())
}

func TestWebhook_TamperedSignatureIsRejected(t *testing.T) {
	h := newHarness(t)
	body := `{"type":"payment","data":{"id":"55"}}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(body))
	req.Header.Set("x-request-id", "req-55")
	req.Header.Set("x-signature", h.verifier.Sign("56", "req-55", "1700000000"))
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, h.fetches.Load())
}

func TestWebhook_OrphanIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	h.statuses["999"] = "approved"

	rec := h.webhook(t, `{"type":"payment","data":{"id":"999"}}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var res reconcile.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, reconcile.OutcomeOrphan, res.Outcome)
	assert.Zero(t, h.ledger.Writes())
	assert.Equal(t, []string{audit.ActionWebhookOrphan}, h.auditor.Actions())
}

func TestWebhook_RateLimitedAfterMax(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 100; i++ {
		rec := h.webhook(t, `{"type":"payment","data":{"id":"1"}}`, false)
		require.Equal(t, http.StatusUnauthorized, rec.Code, "request %d", i+1)
	}
	rec := h.webhook(t, `{"type":"payment","data":{"id":"1"}}`, false)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	// only the 100 signature rejections are audited; the 429 writes nothing
	assert.Len(t, h.auditor.Entries(), 100)
}

func TestWebhook_ForwardedForFromUntrustedPeerIsIgnored(t *testing.T) {
	h := newHarness(t)

	send := func(i int) int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(`{"type":"payment","data":{"id":"1"}}`))
		req.RemoteAddr = "203.0.113.9:40000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i%250))
		req.Header.Set("X-Real-IP", fmt.Sprintf("198.18.0.%d", i%250))
		rec := httptest.NewRecorder()
		h.server.ServeHTTP(rec, req)
		return rec.Code
	}
	for i := 0; i < 100; i++ {
		require.Equal(t, http.StatusUnauthorized, send(i), "request %d", i+1)
	}
	assert.Equal(t, http.StatusTooManyRequests, send(100))
}

func TestWebhook_TrustedProxyForwardsClientAddress(t *testing.T) {
	h := newHarness(t)
	h.trustProxies(t, "10.0.0.0/8")

	send := func(xff string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(`{"type":"payment","data":{"id":"1"}}`))
		req.RemoteAddr = "10.0.0.5:51000"
		req.Header.Set("X-Forwarded-For", xff)
		rec := httptest.NewRecorder()
		h.server.ServeHTTP(rec, req)
		return rec.Code
	}
	for i := 0; i < 100; i++ {
		require.Equal(t, http.StatusUnauthorized, send("198.51.100.1, 10.0.0.7"))
	}
	assert.Equal(t, http.StatusTooManyRequests, send("198.51.100.1, 10.0.0.7"))
	// a prepended spoofed hop does not change the address the proxy saw
	assert.Equal(t, http.StatusTooManyRequests, send("1.2.3.4, 198.51.100.1, 10.0.0.7"))
	assert.Equal(t, http.StatusUnauthorized, send("198.51.100.2"))
}

func TestPreferenceRateLimitIgnoresUserHeader(t *testing.T) {
	h := newHarness(t)
	h.limitPreferences(3)

	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodPost, "/payments/preferences", strings.NewReader(`{}`))
		req.Header.Set("X-User-ID", uuid.NewString())
		rec := httptest.NewRecorder()
		h.server.ServeHTTP(rec, req)
		if i < 3 {
			require.Equal(t, http.StatusBadRequest, rec.Code, "request %d", i+1)
			continue
		}
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	trusted := ipResolver{trusted: []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.0.2.7/32"),
	}}

	cases := []struct {
		name     string
		resolver ipResolver
		remote   string
		xff      []string
		realIP   string
		want     string
	}{
		{"no proxies configured", ipResolver{}, "203.0.113.1:1", []string{"198.51.100.1"}, "198.51.100.2", "203.0.113.1"},
		{"untrusted peer", trusted, "203.0.113.1:1", []string{"198.51.100.1"}, "", "203.0.113.1"},
		{"single trusted hop", trusted, "10.1.2.3:1", []string{"198.51.100.1"}, "", "198.51.100.1"},
		{"chain of trusted hops", trusted, "192.0.2.7:1", []string{"198.51.100.1, 10.0.0.2", "10.0.0.3"}, "", "198.51.100.1"},
		{"all hops trusted", trusted, "10.1.2.3:1", []string{"10.0.0.2"}, "", "10.1.2.3"},
		{"garbage hop stops the walk", trusted, "10.1.2.3:1", []string{"198.51.100.1, junk"}, "", "10.1.2.3"},
		{"real ip fallback", trusted, "10.1.2.3:1", nil, "198.51.100.9", "198.51.100.9"},
		{"mapped v4 peer", trusted, "[::ffff:10.1.2.3]:1", []string{"198.51.100.1"}, "", "198.51.100.1"},
		{"remote without port", ipResolver{}, "203.0.113.1", nil, "", "203.0.113.1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			for _, v := range tc.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			assert.Equal(t, tc.want, tc.resolver.clientIP(req))
		})
	}
}

func TestWebhook_NonPaymentTypeIsIgnored(t *testing.T) {
	h := newHarness(t)

	rec := h.webhook(t, `{"type":"merchant_order","data":{"id":"77"}}`, true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, h.fetches.Load())
	assert.Equal(t, []string{audit.ActionWebhookIgnored}, h.auditor.Actions())
}

func TestWebhook_MalformedBody(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(`{not json`))
	req.Header.Set("x-request-id", "r")
	req.Header.Set("x-signature", "ts=1,v1=00")
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, h.auditor.Entries())
}

func TestWebhook_UndecodableSignedNotificationIsAudited(t *testing.T) {
	h := newHarness(t)

	rec := h.webhook(t, `{"type":123,"data":{"id":"5"}}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, h.fetches.Load())
	assert.Equal(t, []string{audit.ActionWebhookRejected}, h.auditor.Actions())
	diff, ok := h.auditor.Entries()[0].Diff.(map[string]string)
	require.True(t, ok)
	assert.Contains(t, diff["reason"], "undecodable notification")
	assert.Equal(t, "req-5", diff["request_id"])
}

func TestWebhook_ProviderFailureIsRetried(t *testing.T) {
	h := newHarness(t)

	rec := h.webhook(t, `{"type":"payment","data":{"id":"404404"}}`, true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, int64(1), h.fetches.Load())
	assert.Zero(t, h.ledger.Writes())
}

func TestWebhook_RedeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t)
	o := h.ledger.AddOrder(uuid.New(), 100)
	h.ledger.AddPayment(o.ID, "pref-7", payment.StatusPending, 100)
	h.statuses["7"] = "approved"
	h.prefs["7"] = "pref-7"

	for i := 0; i < 3; i++ {
		rec := h.webhook(t, `{"type":"payment","data":{"id":7}}`, true)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, 3, h.ledger.Writes())
	assert.Len(t, h.ledger.Outbox(), 1)
}

func TestCreatePreferenceEndpoint(t *testing.T) {
	h := newHarness(t)
	customer := uuid.New()
	o := h.ledger.AddOrder(customer, 15990)

	body := `{"order_id":"` + o.ID.String() + `","payer_email":"buyer@example.com"}`
	req := httptest.NewRequest(http.MethodPost, "/payments/preferences", strings.NewReader(body))
	req.Header.Set("X-User-ID", customer.String())
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pref-new", resp["id"])
	assert.Equal(t, "https://mp.example/init/pref-new", resp["init_point"])

	p, ok := h.ledger.Payment("pref-new")
	require.True(t, ok)
	assert.Equal(t, payment.StatusPending, p.Status)
}

func TestCreatePreferenceEndpoint_Errors(t *testing.T) {
	h := newHarness(t)
	o := h.ledger.AddOrder(uuid.New(), 100)
	o.Status = order.StatusCancelled
	h.ledger.PutOrder(o)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"missing order id", `{}`, http.StatusBadRequest},
		{"bad email", `{"order_id":"` + uuid.NewString() + `","payer_email":"nope"}`, http.StatusBadRequest},
		{"unknown order", `{"order_id":"` + uuid.NewString() + `"}`, http.StatusNotFound},
		{"not pending", `{"order_id":"` + o.ID.String() + `"}`, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/payments/preferences", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			h.server.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string, string) (bool, error) {
	return false, assert.AnError
}

func TestWebhook_LimiterFailureIsInternalError(t *testing.T) {
	h := newHarness(t)
	h.server.deps.Limiter = brokenLimiter{}

	rec := h.webhook(t, `{"type":"payment","data":{"id":"1"}}`, true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Zero(t, h.fetches.Load())
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHealthz_ReportsAuditFailures(t *testing.T) {
	h := newHarness(t)
	var failures atomic.Int64
	h.server.deps.AuditFailures = failures.Load

	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.JSONEq(t, `{"status":"ok","audit_failures":0}`, rec.Body.String())

	failures.Add(2)
	rec = httptest.NewRecorder()
	h.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"degraded","audit_failures":2}`, rec.Body.String())
}
