package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/ministore/internal/core/domain"
	"github.com/rl1809/ministore/internal/observability"
	"github.com/rl1809/ministore/internal/port"
)

const (
	defaultMaxConflictRetries = 3
	defaultEventQueueSize     = 1000
	defaultPageSize           = 20
	maxPageSize               = 100
)

var ErrRequestInFlight = fmt.Errorf("%w: a request with this idempotency key is still being processed", domain.ErrConflict)

type OrderServiceDeps struct {
	Orders      port.OrderRepository
	Carts       port.CartRepository
	Idempotency port.IdempotencyRepository // optional
	Logger      *zap.Logger
	Metrics     *observability.Metrics
	Clock       func() time.Time

	MaxConflictRetries int
	EventQueueSize     int
}

// OrderService assembles orders from carts and drives their status lifecycle.
// Committed changes are announced on a bounded event queue.
type OrderService struct {
	orders      port.OrderRepository
	carts       port.CartRepository
	idempotency port.IdempotencyRepository
	logger      *zap.Logger
	metrics     *observability.Metrics
	clock       func() time.Time
	maxAttempts int

	mu     sync.RWMutex
	closed bool
	events chan domain.OrderEvent
}

func NewOrderService(deps OrderServiceDeps) *OrderService {
	s := &OrderService{
		orders:      deps.Orders,
		carts:       deps.Carts,
		idempotency: deps.Idempotency,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		clock:       deps.Clock,
		maxAttempts: deps.MaxConflictRetries,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.maxAttempts < 1 {
		s.maxAttempts = defaultMaxConflictRetries
	}
	queueSize := deps.EventQueueSize
	if queueSize < 1 {
		queueSize = defaultEventQueueSize
	}
	s.events = make(chan domain.OrderEvent, queueSize)
	return s
}

// CreateOrderCommand is a checkout request for the caller's current cart.
type CreateOrderCommand struct {
	UserID          string
	ShippingAddress domain.ShippingAddress
	PaymentMethod   string
	Note            string
	DiscountCode    string
	// ClientDiscountAmount is what the storefront displayed. The discount is
	// always recomputed; this is only logged when it disagrees.
	ClientDiscountAmount *int64
	IdempotencyKey       string
}

// CreateOrder turns the user's cart into a PENDING order. Stock, discount
// usage and the order row change together or not at all.
func (s *OrderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error) {
	draft := domain.OrderDraft{
		UserID:          cmd.UserID,
		ShippingAddress: cmd.ShippingAddress,
		PaymentMethod:   cmd.PaymentMethod,
		Note:            cmd.Note,
		DiscountCode:    cmd.DiscountCode,
	}.Normalize()
	if err := draft.Validate(); err != nil {
		s.metrics.CheckoutOutcome(checkoutOutcome(err))
		return domain.Order{}, err
	}

	var idemKey string
	if cmd.IdempotencyKey != "" && s.idempotency != nil {
		idemKey = fmt.Sprintf("order:%s:%s", cmd.UserID, cmd.IdempotencyKey)
		if order, replayed, err := s.reserve(ctx, idemKey); err != nil || replayed {
			return order, err
		}
	}

	order, err := s.placeOrder(ctx, draft)
	if err != nil {
		s.metrics.CheckoutOutcome(checkoutOutcome(err))
		if idemKey != "" {
			if releaseErr := s.idempotency.Release(context.WithoutCancel(ctx), idemKey); releaseErr != nil {
				s.logger.Warn("failed to release idempotency key", zap.String("key", idemKey), zap.Error(releaseErr))
			}
		}
		return domain.Order{}, err
	}
	s.metrics.CheckoutOutcome("placed")

	// The order is committed; nothing below may fail the request.
	afterCtx := context.WithoutCancel(ctx)
	if idemKey != "" {
		if err := s.idempotency.Complete(afterCtx, idemKey, order.ID); err != nil {
			s.logger.Warn("failed to complete idempotency key", zap.String("key", idemKey), zap.Error(err))
		}
	}
	if err := s.carts.ClearCart(afterCtx, order.UserID); err != nil {
		s.logger.Warn("failed to clear cart after checkout",
			zap.String("user_id", order.UserID),
			zap.String("order_id", order.ID),
			zap.Error(err),
		)
	}
	if cmd.ClientDiscountAmount != nil && *cmd.ClientDiscountAmount != order.DiscountAmount {
		s.logger.Info("client discount amount ignored",
			zap.String("order_id", order.ID),
			zap.Int64("client_amount", *cmd.ClientDiscountAmount),
			zap.Int64("applied_amount", order.DiscountAmount),
		)
	}
	s.emit(s.newEvent(domain.OrderEventCreated, order, "", ""))
	s.logger.Info("order placed",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("user_id", order.UserID),
		zap.Int64("total_amount", order.TotalAmount),
		zap.String("discount_code", order.DiscountCode),
	)
	return order, nil
}

// reserve claims the idempotency key. A completed key replays its order.
func (s *OrderService) reserve(ctx context.Context, key string) (domain.Order, bool, error) {
	ok, err := s.idempotency.Reserve(ctx, key)
	if err != nil {
		return domain.Order{}, false, fmt.Errorf("idempotency check failed: %w", err)
	}
	if ok {
		return domain.Order{}, false, nil
	}

	orderID, err := s.idempotency.Lookup(ctx, key)
	if err != nil {
		return domain.Order{}, false, fmt.Errorf("idempotency lookup failed: %w", err)
	}
	if orderID == "" {
		return domain.Order{}, false, ErrRequestInFlight
	}
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, false, err
	}
	s.metrics.CheckoutOutcome("replayed")
	return order, true, nil
}

func (s *OrderService) placeOrder(ctx context.Context, draft domain.OrderDraft) (domain.Order, error) {
	cart, err := s.carts.GetCart(ctx, draft.UserID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("load cart: %w", err)
	}
	if len(cart.Lines) == 0 {
		return domain.Order{}, domain.ErrEmptyCart
	}
	draft.Lines = cart.Lines

	req := port.PlaceOrderRequest{ProductIDs: cart.ProductIDs(), DiscountCode: draft.DiscountCode}
	assemble := func(snapshot port.CheckoutSnapshot) (domain.Order, error) {
		return domain.AssembleOrder(draft, snapshot.Products, snapshot.Discount, s.clock())
	}

	var order domain.Order
	err = s.retryOnConflict(ctx, "place order", func() error {
		var placeErr error
		order, placeErr = s.orders.PlaceOrder(ctx, req, assemble)
		return placeErr
	})
	return order, err
}

// retryOnConflict reruns fn while the store reports lock contention.
func (s *OrderService) retryOnConflict(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err = fn()
		if !errors.Is(err, domain.ErrConflict) || attempt == s.maxAttempts {
			return err
		}
		s.metrics.CheckoutRetried()
		s.logger.Debug("retrying after conflict", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}
	return err
}

// GetOrder returns the order if actor may see it, NotFound otherwise.
func (s *OrderService) GetOrder(ctx context.Context, actor domain.Actor, orderID string) (domain.Order, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !actor.CanView(order) {
		return domain.Order{}, fmt.Errorf("%w: order %s", domain.ErrNotFound, orderID)
	}
	return order, nil
}

// ListOrders returns the user's own orders, newest first.
func (s *OrderService) ListOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	return s.orders.ListOrders(ctx, port.OrderFilter{UserID: userID})
}

// AdminListOrders pages through every order, optionally filtered by status.
func (s *OrderService) AdminListOrders(ctx context.Context, filter port.OrderFilter) ([]domain.Order, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultPageSize
	}
	filter.Limit = min(filter.Limit, maxPageSize)
	filter.Offset = max(filter.Offset, 0)
	return s.orders.ListOrders(ctx, filter)
}

type OrderStats struct {
	Total    int                        `json:"total"`
	ByStatus map[domain.OrderStatus]int `json:"byStatus"`
}

func (s *OrderService) Stats(ctx context.Context) (OrderStats, error) {
	counts, err := s.orders.CountOrdersByStatus(ctx)
	if err != nil {
		return OrderStats{}, fmt.Errorf("count orders: %w", err)
	}
	stats := OrderStats{ByStatus: make(map[domain.OrderStatus]int, len(domain.OrderStatuses))}
	for _, status := range domain.OrderStatuses {
		stats.ByStatus[status] = counts[status]
		stats.Total += counts[status]
	}
	return stats, nil
}

// UpdateStatus moves the order to rawStatus if the lifecycle and actor allow it.
// Entering CANCELLED returns the order's quantities to stock atomically.
func (s *OrderService) UpdateStatus(ctx context.Context, actor domain.Actor, orderID, rawStatus string) (domain.Order, error) {
	next, err := domain.ParseOrderStatus(rawStatus)
	if err != nil {
		return domain.Order{}, err
	}

	var (
		order domain.Order
		prev  domain.OrderStatus
	)
	err = s.retryOnConflict(ctx, "update order status", func() error {
		var updateErr error
		order, prev, updateErr = s.orders.UpdateOrderStatus(ctx, orderID, func(current domain.Order) (domain.OrderStatus, error) {
			return next, domain.AuthorizeTransition(actor, current, next)
		})
		return updateErr
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.metrics.StatusTransition(string(prev), string(next))
	s.emit(s.newEvent(domain.OrderEventStatusChanged, order, prev, actor.UserID))
	s.logger.Info("order status changed",
		zap.String("order_id", order.ID),
		zap.String("actor_id", actor.UserID),
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
	)
	return order, nil
}

// Cancel is the customer-facing cancellation.
func (s *OrderService) Cancel(ctx context.Context, actor domain.Actor, orderID string) (domain.Order, error) {
	return s.UpdateStatus(ctx, actor, orderID, string(domain.OrderStatusCancelled))
}

func (s *OrderService) newEvent(eventType string, order domain.Order, prev domain.OrderStatus, actorID string) domain.OrderEvent {
	return domain.OrderEvent{
		ID:             uuid.NewString(),
		Type:           eventType,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		UserID:         order.UserID,
		ActorID:        actorID,
		PreviousStatus: prev,
		Status:         order.Status,
		TotalAmount:    order.TotalAmount,
		OccurredAt:     s.clock(),
	}
}

// emit never blocks a request: a full queue drops the event.
func (s *OrderService) emit(event domain.OrderEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- event:
	default:
		s.metrics.EventDropped()
		s.logger.Warn("event queue full, dropping event",
			zap.String("type", event.Type),
			zap.String("order_id", event.OrderID),
		)
	}
}

func (s *OrderService) Events() <-chan domain.OrderEvent {
	return s.events
}

// Close stops accepting events and closes the queue so workers can drain it.
func (s *OrderService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

func checkoutOutcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrEmptyCart):
		return "empty_cart"
	case errors.Is(err, domain.ErrStockChanged):
		return "stock_changed"
	case errors.Is(err, domain.ErrDiscountInvalid):
		return "discount_invalid"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidQuantity):
		return "invalid_input"
	default:
		return "error"
	}
}
