package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/rl1809/ministore/internal/auth"
	"github.com/rl1809/ministore/internal/observability"
)

const (
	apiPrefix      = "/api"
	requestTimeout = 30 * time.Second
)

type RouterDeps struct {
	Handler         *HTTPHandler
	Verifier        *auth.Verifier
	Logger          *zap.Logger
	Metrics         *observability.Metrics
	CheckoutLimiter *RateLimiter
}

// NewRouter mounts every endpoint under /api behind bearer authentication.
// /healthz and /metrics stay public.
func NewRouter(deps RouterDeps) chi.Router {
	h := deps.Handler
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		requestLogger(deps.Logger, deps.Metrics),
		recoverer(deps.Logger),
		middleware.Timeout(requestTimeout),
	)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeError(req.Context(), w, newAPIError("not_found", fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeError(req.Context(), w, newAPIError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", h.Healthz)
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	r.Route(apiPrefix, func(api chi.Router) {
		api.Use(authenticate(deps.Verifier))

		api.Route("/cart", func(c chi.Router) {
			c.Get("/", h.GetCart)
			c.Delete("/", h.ClearCart)
			c.Post("/items", h.AddCartItem)
			c.Put("/items/{id}", h.UpdateCartItem)
			c.Delete("/items/{id}", h.RemoveCartItem)
		})

		api.Route("/discount-codes", func(d chi.Router) {
			d.Post("/validate", h.ValidateDiscount)
			d.Get("/active", h.ListActiveDiscounts)
		})

		api.Route("/orders", func(o chi.Router) {
			o.With(deps.CheckoutLimiter.Limit).Post("/", h.CreateOrder)
			o.Get("/", h.ListOrders)
			o.Get("/{id}", h.GetOrder)
			o.Post("/{id}/cancel", h.CancelOrder)
		})

		api.Route("/admin", func(a chi.Router) {
			a.Use(requireStaff)
			a.Get("/orders", h.AdminListOrders)
			a.Get("/orders/stats", h.AdminOrderStats)
			a.Get("/orders/{id}", h.AdminGetOrder)
			a.Put("/orders/{id}/status", h.AdminUpdateOrderStatus)
		})
	})

	return r
}
