package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"gozon/checkout-service/internal/order"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	gw "github.com/gorilla/websocket"
)

type Conn = gw.Conn

var upgrader = gw.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type OrderGetter interface {
	Get(ctx context.Context, customerID, orderID uuid.UUID) (*order.Order, error)
}

type Handler struct {
	hub    *Hub
	orders OrderGetter
	logger *slog.Logger
}

func NewHandler(hub *Hub, orders OrderGetter, logger *slog.Logger) *Handler {
	return &Handler{hub: hub, orders: orders, logger: logger}
}

// ServeWS streams status updates for one order. The caller must own the
// order; the current status is sent first.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	orderID, err := uuid.Parse(chi.URLParam(r, "orderID"))
	if err != nil {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}
	userID, err := uuid.Parse(r.Header.Get("X-User-ID"))
	if err != nil {
		http.Error(w, "missing or invalid X-User-ID header", http.StatusUnauthorized)
		return
	}

	o, err := h.orders.Get(r.Context(), userID, orderID)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			http.Error(w, "order not found", http.StatusNotFound)
			return
		}
		h.logger.Error("load order for websocket", "order_id", orderID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		hub:     h.hub,
		conn:    conn,
		send:    make(chan []byte, 256),
		orderID: orderID.String(),
	}

	initial, _ := json.Marshal(OrderUpdate{
		OrderID:       client.orderID,
		Status:        string(o.Status),
		PaymentStatus: o.PaymentStatus,
	})
	client.send <- initial

	if !client.hub.join(client) {
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		_ = c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(gw.TextMessage, msg); err != nil {
			return
		}
	}
}
