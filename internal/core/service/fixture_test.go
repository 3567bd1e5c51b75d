package service

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/ministore/internal/adapter/storage"
	"github.com/rl1809/ministore/internal/core/domain"
	"github.com/rl1809/ministore/internal/observability"
	"github.com/rl1809/ministore/internal/port"
)

type fixture struct {
	store     *storage.MemoryAdapter
	metrics   *observability.Metrics
	carts     *CartService
	discounts *DiscountService
	orders    *OrderService
}

func newFixture(t *testing.T, opts ...func(*OrderServiceDeps)) *fixture {
	t.Helper()
	store := storage.NewMemoryAdapter()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	deps := OrderServiceDeps{
		Orders:      store,
		Carts:       store,
		Idempotency: store,
		Metrics:     metrics,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	f := &fixture{
		store:     store,
		metrics:   metrics,
		carts:     NewCartService(store, store, nil),
		discounts: NewDiscountService(store, nil, metrics),
		orders:    NewOrderService(deps),
	}
	t.Cleanup(f.orders.Close)
	return f
}

func (f *fixture) product(t *testing.T, id string, price int64, stock int) {
	t.Helper()
	require.NoError(t, f.store.UpsertProduct(context.Background(), domain.Product{ID: id, Name: "Product " + id, Price: price, StockQuantity: stock}))
}

func (f *fixture) stock(t *testing.T, id string) int {
	t.Helper()
	p, err := f.store.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p.StockQuantity
}

func (f *fixture) sale10(t *testing.T, usageLimit int) {
	t.Helper()
	require.NoError(t, f.store.UpsertDiscountCode(context.Background(), domain.DiscountCode{
		Code:              "SALE10",
		Type:              domain.DiscountPercentage,
		Value:             decimal.NewFromInt(10),
		MinOrderAmount:    50_000,
		MaxDiscountAmount: 5_000,
		UsageLimit:        usageLimit,
		IsActive:          true,
	}))
}

func (f *fixture) usedCount(t *testing.T, code string) int {
	t.Helper()
	d, err := f.store.FindByCode(context.Background(), code)
	require.NoError(t, err)
	return d.UsedCount
}

func checkout(userID, code string) CreateOrderCommand {
	return CreateOrderCommand{
		UserID: userID,
		ShippingAddress: domain.ShippingAddress{
			FullName: "Nguyễn Văn A",
			Phone:    "0901234567",
			Address:  "12 Lê Lợi",
			City:     "Hồ Chí Minh",
		},
		PaymentMethod: "COD",
		DiscountCode:  code,
	}
}

func customer(id string) domain.Actor {
	return domain.Actor{UserID: id, Role: domain.RoleCustomer}
}

var staff = domain.Actor{UserID: "staff-1", Role: domain.RoleStaff}

// conflictingOrders fails the first n checkouts with a lock conflict.
type conflictingOrders struct {
	*storage.MemoryAdapter
	remaining int
	calls     int
}

func (c *conflictingOrders) PlaceOrder(ctx context.Context, req port.PlaceOrderRequest, assemble port.AssembleFunc) (domain.Order, error) {
	c.calls++
	if c.remaining > 0 {
		c.remaining--
		return domain.Order{}, storage.ErrOptimisticLock
	}
	return c.MemoryAdapter.PlaceOrder(ctx, req, assemble)
}

type recordingPublisher struct {
	events chan domain.OrderEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, event domain.OrderEvent) error {
	p.events <- event
	return nil
}

func (p *recordingPublisher) Close() error { return nil }
