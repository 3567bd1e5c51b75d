package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rl1809/ministore/internal/auth"
	"github.com/rl1809/ministore/internal/core/domain"
	"github.com/rl1809/ministore/internal/core/service"
	"github.com/rl1809/ministore/internal/observability"
	"github.com/rl1809/ministore/internal/port"
)

const (
	maxBodySize        = 64 * 1024
	healthCheckTimeout = 2 * time.Second
	idempotencyHeader  = "Idempotency-Key"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type HTTPHandler struct {
	carts     *service.CartService
	discounts *service.DiscountService
	orders    *service.OrderService
	checks    map[string]HealthCheck
	logger    *zap.Logger
}

func NewHTTPHandler(carts *service.CartService, discounts *service.DiscountService, orders *service.OrderService, checks map[string]HealthCheck, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{carts: carts, discounts: discounts, orders: orders, checks: checks, logger: logger}
}

type addCartItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type updateCartItemRequest struct {
	Quantity int `json:"quantity"`
}

type validateDiscountRequest struct {
	Code        string `json:"code"`
	OrderAmount int64  `json:"orderAmount"`
}

type createOrderRequest struct {
	ShippingAddress domain.ShippingAddress `json:"shippingAddress"`
	PaymentMethod   string                 `json:"paymentMethod"`
	Note            string                 `json:"note"`
	DiscountCode    string                 `json:"discountCode"`
	DiscountAmount  *int64                 `json:"discountAmount"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func (h *HTTPHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	failures := map[string]string{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		h.logger.Warn("health check failed", zap.Any("failures", failures))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	identity := mustIdentity(r)
	cart, err := h.carts.GetCart(r.Context(), identity.UserID)
	h.respond(w, r, http.StatusOK, cart, err)
}

func (h *HTTPHandler) AddCartItem(w http.ResponseWriter, r *http.Request) {
	var req addCartItemRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ProductID) == "" {
		writeError(r.Context(), w, classifyError(fmt.Errorf("%w: productId is required", domain.ErrInvalidInput)))
		return
	}
	cart, err := h.carts.AddItem(r.Context(), mustIdentity(r).UserID, strings.TrimSpace(req.ProductID), req.Quantity)
	h.respond(w, r, http.StatusOK, cart, err)
}

func (h *HTTPHandler) UpdateCartItem(w http.ResponseWriter, r *http.Request) {
	var req updateCartItemRequest
	if !h.decode(w, r, &req) {
		return
	}
	cart, err := h.carts.UpdateItem(r.Context(), mustIdentity(r).UserID, chi.URLParam(r, "id"), req.Quantity)
	h.respond(w, r, http.StatusOK, cart, err)
}

func (h *HTTPHandler) RemoveCartItem(w http.ResponseWriter, r *http.Request) {
	cart, err := h.carts.RemoveItem(r.Context(), mustIdentity(r).UserID, chi.URLParam(r, "id"))
	h.respond(w, r, http.StatusOK, cart, err)
}

func (h *HTTPHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	if err := h.carts.Clear(r.Context(), mustIdentity(r).UserID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) ValidateDiscount(w http.ResponseWriter, r *http.Request) {
	var req validateDiscountRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.discounts.Validate(r.Context(), req.Code, req.OrderAmount)
	h.respond(w, r, http.StatusOK, result, err)
}

func (h *HTTPHandler) ListActiveDiscounts(w http.ResponseWriter, r *http.Request) {
	codes, err := h.discounts.ListActive(r.Context())
	h.respond(w, r, http.StatusOK, codes, err)
}

func (h *HTTPHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	order, err := h.orders.CreateOrder(r.Context(), service.CreateOrderCommand{
		UserID:               mustIdentity(r).UserID,
		ShippingAddress:      req.ShippingAddress,
		PaymentMethod:        req.PaymentMethod,
		Note:                 req.Note,
		DiscountCode:         req.DiscountCode,
		ClientDiscountAmount: req.DiscountAmount,
		IdempotencyKey:       strings.TrimSpace(r.Header.Get(idempotencyHeader)),
	})
	h.respond(w, r, http.StatusCreated, order, err)
}

func (h *HTTPHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.ListOrders(r.Context(), mustIdentity(r).UserID)
	h.respond(w, r, http.StatusOK, orders, err)
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.GetOrder(r.Context(), mustIdentity(r).Actor(), chi.URLParam(r, "id"))
	h.respond(w, r, http.StatusOK, order, err)
}

func (h *HTTPHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.Cancel(r.Context(), mustIdentity(r).Actor(), chi.URLParam(r, "id"))
	h.respond(w, r, http.StatusOK, order, err)
}

func (h *HTTPHandler) AdminListOrders(w http.ResponseWriter, r *http.Request) {
	filter, err := parseOrderFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	orders, err := h.orders.AdminListOrders(r.Context(), filter)
	h.respond(w, r, http.StatusOK, orders, err)
}

func (h *HTTPHandler) AdminOrderStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.orders.Stats(r.Context())
	h.respond(w, r, http.StatusOK, stats, err)
}

func (h *HTTPHandler) AdminGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.GetOrder(r.Context(), mustIdentity(r).Actor(), chi.URLParam(r, "id"))
	h.respond(w, r, http.StatusOK, order, err)
}

func (h *HTTPHandler) AdminUpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	order, err := h.orders.UpdateStatus(r.Context(), mustIdentity(r).Actor(), chi.URLParam(r, "id"), req.Status)
	h.respond(w, r, http.StatusOK, order, err)
}

func parseOrderFilter(r *http.Request) (port.OrderFilter, error) {
	q := r.URL.Query()
	var filter port.OrderFilter
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, err := domain.ParseOrderStatus(raw)
		if err != nil {
			return port.OrderFilter{}, err
		}
		filter.Status = status
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return port.OrderFilter{}, fmt.Errorf("%w: %s must be a non-negative integer", domain.ErrInvalidInput, name)
		}
		*dst = v
	}
	return filter, nil
}

// mustIdentity is only called behind the authenticate middleware.
func mustIdentity(r *http.Request) auth.Identity {
	identity, _ := auth.FromContext(r.Context())
	return identity
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	defer body.Close()

	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(r.Context(), w, newAPIError("payload_too_large", "Dữ liệu gửi lên quá lớn", http.StatusRequestEntityTooLarge))
		case errors.Is(err, io.EOF):
			writeError(r.Context(), w, classifyError(fmt.Errorf("%w: request body is required", domain.ErrInvalidInput)))
		default:
			writeError(r.Context(), w, classifyError(fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)))
		}
		return false
	}
	return true
}

func (h *HTTPHandler) respond(w http.ResponseWriter, r *http.Request, status int, payload any, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, status, payload)
}

func (h *HTTPHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := classifyError(err)
	if apiErr.Status >= http.StatusInternalServerError {
		observability.FromContext(r.Context(), h.logger).Error("request failed", zap.Error(err))
	}
	writeError(r.Context(), w, apiErr)
}
