package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"gozon/checkout-service/internal/checkout"
	"gozon/checkout-service/internal/order"
	"gozon/checkout-service/internal/provider"
	"gozon/checkout-service/internal/ratelimit"

	"github.com/google/uuid"
)

type createPreferenceRequest struct {
	OrderID    string `json:"order_id" validate:"required,uuid"`
	PayerEmail string `json:"payer_email" validate:"omitempty,email"`
}

func (s *Server) createPreference(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	allowed, err := s.deps.Limiter.Allow(ctx, s.ips.clientIP(r), ratelimit.EndpointPreference)
	if err != nil {
		s.logger.Error("rate limiter unavailable", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !allowed {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req createPreferenceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	orderID, err := uuid.Parse(req.OrderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order_id")
		return
	}

	pref, err := s.deps.Checkout.CreatePreference(ctx, orderID, req.PayerEmail)
	if err != nil {
		switch {
		case errors.Is(err, order.ErrOrderNotFound):
			writeError(w, http.StatusNotFound, "order not found")
		case errors.Is(err, checkout.ErrOrderNotPending):
			writeError(w, http.StatusConflict, "order is not pending")
		case errors.Is(err, provider.ErrUnexpectedStatus), errors.Is(err, provider.ErrInvalidResponse):
			s.logger.Error("provider rejected preference", "order_id", orderID, "err", err)
			writeError(w, http.StatusBadGateway, "payment provider error")
		default:
			s.logger.Error("create preference", "order_id", orderID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"id":         pref.ID,
		"init_point": pref.InitPoint,
	})
}
