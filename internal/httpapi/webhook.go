package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"gozon/checkout-service/internal/audit"
	"gozon/checkout-service/internal/ratelimit"
	"gozon/checkout-service/internal/signature"

	"github.com/go-chi/chi/v5/middleware"
)

type notification struct {
	Type   string `json:"type"`
	Action string `json:"action"`
}

// paymentWebhook authenticates a provider notification, fetches the
// payment it points at and reconciles it. Only 5xx answers make the
// provider redeliver.
func (s *Server) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := s.ips.clientIP(r)
	reqLog := s.logger.With("request_id", middleware.GetReqID(ctx), "remote", ip)

	allowed, err := s.deps.Limiter.Allow(ctx, ip, ratelimit.EndpointWebhook)
	if err != nil {
		reqLog.Error("rate limiter unavailable", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !allowed {
		reqLog.Warn("webhook rate limited")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	requestID := r.Header.Get("x-request-id")
	if err := s.deps.Verifier.Verify(r.Header.Get("x-signature"), requestID, body); err != nil {
		if errors.Is(err, signature.ErrMalformedBody) {
			writeError(w, http.StatusBadRequest, "malformed notification body")
			return
		}
		reqLog.Warn("webhook signature rejected", "err", err)
		s.deps.Audit.Log(ctx, audit.ActionWebhookRejected, "webhook", map[string]string{
			"reason":     err.Error(),
			"request_id": requestID,
			"remote":     ip,
		})
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var n notification
	resourceID, err := signature.ResourceID(body)
	if err == nil {
		err = json.Unmarshal(body, &n)
	}
	if err != nil {
		s.deps.Audit.Log(ctx, audit.ActionWebhookRejected, "webhook", map[string]string{
			"reason":     "undecodable notification: " + err.Error(),
			"request_id": requestID,
			"remote":     ip,
		})
		writeError(w, http.StatusBadRequest, "malformed notification body")
		return
	}
	if n.Type != "payment" {
		s.deps.Audit.Log(ctx, audit.ActionWebhookIgnored, "webhook", map[string]string{
			"type":        n.Type,
			"resource_id": resourceID,
			"request_id":  requestID,
		})
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	p, err := s.deps.Provider.FetchPayment(ctx, resourceID)
	if err != nil {
		reqLog.Error("fetch provider payment", "payment_id", resourceID, "err", err)
		writeError(w, http.StatusInternalServerError, "provider unavailable")
		return
	}

	res, err := s.deps.Engine.Reconcile(ctx, p)
	if err != nil {
		reqLog.Error("reconcile payment", "payment_ref", p.Ref(), "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, res)
}
