package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
	"github.com/ariefcatur/go-order-saga/internal/inventory"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/payment"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

type OrderService interface {
	Create(ctx context.Context, in orders.CreateInput) (orders.Order, bool, error)
	Get(ctx context.Context, id string, userID int64) (orders.Order, error)
	Status(ctx context.Context, id string, userID int64) (orders.StatusView, error)
	Cancel(ctx context.Context, id string, userID int64, reason string) (orders.Order, error)
}

type PaymentReader interface {
	Get(ctx context.Context, id string) (payment.Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]payment.Payment, error)
}

type StockReader interface {
	Stock(ctx context.Context, productID int64) (inventory.Product, error)
}

// Handler serves the API. Payments and Stock are optional; their routes are
// only mounted when set.
type Handler struct {
	Orders   OrderService
	Payments PaymentReader
	Stock    StockReader
	Log      zerolog.Logger
}

type cancelReq struct {
	Reason string `json:"reason"`
}

type createResp struct {
	orders.Order
	Idempotent bool `json:"idempotent"`
}

type stockResp struct {
	ProductID int64  `json:"productId"`
	Name      string `json:"name"`
	Stock     int32  `json:"stock"`
	Reserved  int32  `json:"reservedStock"`
	Available int32  `json:"availableStock"`
	Active    bool   `json:"active"`
}

func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(RequireUser)
		r.Post("/orders", h.createOrder)
		r.Get("/orders/{id}", h.getOrder)
		r.Get("/orders/{id}/status", h.getStatus)
		r.Post("/orders/{id}/cancel", h.cancelOrder)
		if h.Payments != nil {
			r.Get("/orders/{id}/payments", h.orderPayments)
			r.Get("/payments/{id}", h.getPayment)
		}
	})
	if h.Stock != nil {
		r.Get("/products/{id}/stock", h.getStock)
	}
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var in orders.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.fail(w, apperr.Invalid("body", "invalid json"))
		return
	}
	in.UserID = userID(r)
	in.IdempotencyKey = r.Header.Get("Idempotency-Key")

	o, created, err := h.Orders.Create(r.Context(), in)
	if err != nil {
		h.fail(w, err)
		return
	}
	code := http.StatusAccepted
	if !created {
		code = http.StatusOK
	}
	writeJSON(w, code, createResp{Order: o, Idempotent: !created})
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.Get(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	v, err := h.Orders.Status(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelReq
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.fail(w, apperr.Invalid("body", "invalid json"))
			return
		}
	}
	o, err := h.Orders.Cancel(r.Context(), chi.URLParam(r, "id"), userID(r), req.Reason)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) orderPayments(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Orders.Get(r.Context(), id, userID(r)); err != nil {
		h.fail(w, err)
		return
	}
	ps, err := h.Payments.ListByOrder(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	if ps == nil {
		ps = []payment.Payment{}
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Payments.Get(r.Context(), chi.URLParam(r, "id"))
	if err == nil && p.UserID != userID(r) {
		err = fmt.Errorf("payment %s: %w", p.ID, apperr.ErrNotFound)
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) getStock(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.fail(w, apperr.Invalid("id", "must be a positive integer"))
		return
	}
	p, err := h.Stock.Stock(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stockResp{
		ProductID: p.ID,
		Name:      p.Name,
		Stock:     p.Stock,
		Reserved:  p.ReservedStock,
		Available: p.Available(),
		Active:    p.Active,
	})
}

func (h *Handler) fail(w http.ResponseWriter, err error) { writeError(w, h.Log, err) }
