package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/netip"

	"gozon/checkout-service/internal/provider"
	"gozon/checkout-service/internal/reconcile"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const maxBodyBytes = 1 << 20

type Limiter interface {
	Allow(ctx context.Context, identifier, endpoint string) (bool, error)
}

type Verifier interface {
	Verify(signatureHeader, requestID string, body []byte) error
}

type PaymentFetcher interface {
	FetchPayment(ctx context.Context, paymentID string) (*provider.Payment, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, p *provider.Payment) (reconcile.Result, error)
}

type PreferenceCreator interface {
	CreatePreference(ctx context.Context, orderID uuid.UUID, payerEmail string) (*provider.Preference, error)
}

type Auditor interface {
	Log(ctx context.Context, action, entity string, diff any)
}

// Deps are the collaborators behind the HTTP surface. OrderStream is
// optional; without it the websocket route is not mounted. AuditFailures,
// when set, is reported by /healthz.
type Deps struct {
	Limiter        Limiter
	Verifier       Verifier
	Provider       PaymentFetcher
	Engine         Reconciler
	Checkout       PreferenceCreator
	Audit          Auditor
	OrderStream    http.HandlerFunc
	AuditFailures  func() int64
	TrustedProxies []netip.Prefix
}

type Server struct {
	deps     Deps
	logger   *slog.Logger
	validate *validator.Validate
	ips      ipResolver
	router   chi.Router
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		deps:     deps,
		logger:   logger,
		validate: validator.New(),
		ips:      ipResolver{trusted: deps.TrustedProxies},
		router:   chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.healthz)
	s.router.Post("/webhooks/payments", s.paymentWebhook)
	s.router.Post("/payments/preferences", s.createPreference)
	if s.deps.OrderStream != nil {
		s.router.Get("/orders/{orderID}/ws", s.deps.OrderStream)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// healthz stays 200 while audit writes fail so the instance keeps serving;
// the failure count is what error tracking alerts on.
func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.deps.AuditFailures != nil {
		n := s.deps.AuditFailures()
		resp["audit_failures"] = n
		if n > 0 {
			resp["status"] = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
