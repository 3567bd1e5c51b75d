package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/ministore/internal/adapter/storage"
	"github.com/rl1809/ministore/internal/core/domain"
	"github.com/rl1809/ministore/internal/port"
)

func TestCreateOrder_AppliesCappedDiscount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.product(t, "p1", 100_000, 2)
	f.sale10(t, 0)

	_, err := f.carts.AddItem(ctx, "u1", "p1", 1)
	require.NoError(t, err)

	preview, err := f.discounts.Validate(ctx, "SALE10", 100_000)
	require.NoError(t, err)
	assert.True(t, preview.IsValid)
	assert.Equal(t, int64(5_000), preview.DiscountAmount)

	order, err := f.orders.CreateOrder(ctx, checkout("u1", "sale10"))
	require.NoError(t, err)

	assert.Equal(t, int64(100_000), order.OriginalAmount)
	assert.Equal(t, int64(5_000), order.DiscountAmount)
	assert.Equal(t, int64(95_000), order.TotalAmount)
	assert.Equal(t, "SALE10", order.DiscountCode)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, "cod", order.PaymentMethod)
	assert.Regexp(t, `^ORD-[0-9A-F]{8}$`, order.OrderNumber)
	require.Len(t, order.Items, 1)
	assert.Equal(t, "Product p1", order.Items[0].ProductName)

	assert.Equal(t, 1, f.stock(t, "p1"))
	assert.Equal(t, 1, f.usedCount(t, "SALE10"))

	cart, err := f.carts.GetCart(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, cart.Items, "cart is cleared after checkout")

	select {
	case event := <-f.orders.Events():
		assert.Equal(t, domain.OrderEventCreated, event.Type)
		assert.Equal(t, order.ID, event.OrderID)
		assert.Equal(t, int64(95_000), event.TotalAmount)
	default:
		t.Fatal("expected an order.created event")
	}
}

func TestCreateOrder_WithoutDiscount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.product(t, "p1", 40_000, 10)
	f.product(t, "p2", 15_000, 10)

	_, err := f.carts.AddItem(ctx, "u1", "p1", 2)
	require.NoError(t, err)
	_, err = f.carts.AddItem(ctx, "u1", "p2", 3)
	require.NoError(t, err)

	clientAmount := int64(99_999)
	cmd := checkout("u1", "")
	cmd.ClientDiscountAmount = &clientAmount
	order, err := f.orders.CreateOrder(ctx, cmd)
	require.NoError(t, err)

	assert.Equal(t, int64(125_000), order.OriginalAmount)
	assert.Zero(t, order.DiscountAmount, "client supplied discount is ignored")
	assert.Equal(t, order.OriginalAmount, order.TotalAmount)
	assert.Empty(t, order.DiscountCode)
}

func TestCreateOrder_LinePricesAreFrozen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.product(t, "p1", 100_000, 5)
	f.sale10(t, 0)

	_, err := f.carts.AddItem(ctx, "u1", "p1", 2)
	require.NoError(t, err)
	placed, err := f.orders.CreateOrder(ctx, checkout("u1", "SALE10"))
	require.NoError(t, err)

	f.product(t, "p1", 250_000, 5)

	stored, err := f.orders.GetOrder(ctx, customer("u1"), placed.ID)
	require.NoError(t, err)
	require.Len(t, stored.Items, 1)
	assert.Equal(t, int64(100_000), stored.Items[0].UnitPrice)
	assert.Equal(t, int64(200_000), stored.Items[0].Subtotal)
	assert.Equal(t, int64(200_000), stored.OriginalAmount)
	assert.Equal(t, int64(5_000), stored.DiscountAmount)
	assert.Equal(t, int64(195_000), stored.TotalAmount)
}

func TestCreateOrder_StockChangedLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.product(t, "p1", 100_000, 2)
	f.sale10(t, 0)

	_, err := f.carts.AddItem(ctx, "u1", "p1", 1)
	require.NoError(t, err)
	f.product(t, "p1", 100_000, 0)

	_, err = f.orders.CreateOrder(ctx, checkout("u1", "SALE10"))
	require.ErrorIs(t, err, domain.ErrStockChanged)

	var stockErr *domain.StockChangedError
	require.True(t, errors.As(err, &stockErr))
	require.Len(t, stockErr.Shortages, 1)
	assert.Equal(t, domain.StockShortage{ProductID: "p1", Name: "Product p1", Requested: 1, Available: 0}, stockErr.Shortages[0])

	assert.Equal(t, 0, f.stock(t, "p1"))
	assert.Equal(t, 0, f.usedCount(t, "SALE10"))
	cart, err := f.carts.GetCart(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, cart.Items, 1, "cart survives a failed checkout")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Checkouts.WithLabelValues("stock_changed")))
}

func TestCreateOrder_InvalidDiscountRejectsOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.product(t, "p1", 10_000, 5)
	f.sale10(t, 0)

	_, err := f.carts.AddItem(ctx, "u1", "p1", 1)
	require.NoError(t, err)

	_, err = f.orders.CreateOrder(ctx, checkout("u1", "SALE10"))
	require.ErrorIs(t, err, domain.ErrDiscountInvalid)
	var discountErr *domain.DiscountError
	require.True(t, errors.As(err, &discountErr))
	assert.Equal(t, domain.DiscountBelowMinimum, discountErr.Reason)

	_, err = f.orders.CreateOrder(ctx, checkout("u1", "GHOST"))
	require.ErrorIs(t, err, domain.ErrDiscountInvalid)

	assert.Equal(t, 5, f.stock(t, "p1"))
}

func TestCreateOrder_Preconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orders.CreateOrder(ctx, checkout("u1", ""))
	assert.ErrorIs(t, err, domain.ErrEmptyCart)

	cmd := checkout("u1", "")
	cmd.ShippingAddress.City = "  "
	_, err = f.orders.CreateOrder(ctx, cmd)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	cmd = checkout("u1", "")
	cmd.PaymentMethod = ""
	_, err = f.orders.CreateOrder(ctx, cmd)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCreateOrder_LastUnitSoldOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.product(t, "last", 100_000, 1)

	const buyers = 8
	for i := 0; i < buyers; i++ {
		_, err := f.carts.AddItem(ctx, buyerID(i), "last", 1)
		require.NoError(t, err)
	}

	var placed, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.orders.CreateOrder(ctx, checkout(buyerID(i), ""))
			switch {
			case err == nil:
				placed.Add(1)
			case errors.Is(err, domain.ErrStockChanged):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), placed.Load())
	assert.Equal(t, int32(buyers-1), rejected.Load())
	assert.Equal(t, 0, f.stock(t, "last"))
}

func TestCreateOrder_SingleUseCodeRedeemedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.product(t, "p1", 100_000, 10)
	f.sale10(t, 1)

	for i := 0; i < 2; i++ {
		_, err := f.carts.AddItem(ctx, buyerID(i), "p1", 1)
		require.NoError(t, err)
	}

	var placed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.orders.CreateOrder(ctx, checkout(buyerID(i), "SALE10"))
			if err == nil {
				placed.Add(1)
				return
			}
			if !errors.Is(err, domain.ErrDiscountInvalid) && !errors.Is(err, domain.ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), placed.Load())
	assert.Equal(t, 1, f.usedCount(t, "SALE10"))
	assert.Equal(t, 9, f.stock(t, "p1"))
}

func TestCreateOrder_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.product(t, "p1", 100_000, 5)

	_, err := f.carts.AddItem(ctx, "u1", "p1", 1)
	require.NoError(t, err)

	cmd := checkout("u1", "")
	cmd.IdempotencyKey = "retry-123"
	first, err := f.orders.CreateOrder(ctx, cmd)
	require.NoError(t, err)
	second, err := f.orders.CreateOrder(ctx, cmd)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 4, f.stock(t, "p1"))
}

func TestCreateOrder_IdempotencyKeyInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.product(t, "p1", 100_000, 5)

	_, err := f.carts.AddItem(ctx, "u1", "p1", 1)
	require.NoError(t, err)
	ok, err := f.store.Reserve(ctx, "order:u1:busy")
	require.NoError(t, err)
	require.True(t, ok)

	cmd := checkout("u1", "")
	cmd.IdempotencyKey = "busy"
	_, err = f.orders.CreateOrder(ctx, cmd)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, 5, f.stock(t, "p1"))
}

func TestCreateOrder_FailedAttemptReleasesKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.product(t, "p1", 100_000, 5)

	cmd := checkout("u1", "")
	cmd.IdempotencyKey = "k1"
	_, err := f.orders.CreateOrder(ctx, cmd)
	require.ErrorIs(t, err, domain.ErrEmptyCart)

	_, err = f.carts.AddItem(ctx, "u1", "p1", 1)
	require.NoError(t, err)
	_, err = f.orders.CreateOrder(ctx, cmd)
	require.NoError(t, err)
}

func TestCreateOrder_RetriesConflicts(t *testing.T) {
	var repo *conflictingOrders
	f := newFixture(t, func(deps *OrderServiceDeps) {
		repo = &conflictingOrders{MemoryAdapter: deps.Orders.(*storage.MemoryAdapter), remaining: 2}
		deps.Orders = repo
	})
	ctx := context.Background()
	f.product(t, "p1", 100_000, 5)

	_, err := f.carts.AddItem(ctx, "u1", "p1", 1)
	require.NoError(t, err)
	_, err = f.orders.CreateOrder(ctx, checkout("u1", ""))
	require.NoError(t, err)

	assert.Equal(t, 3, repo.calls)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.CheckoutRetries))
	assert.Equal(t, 4, f.stock(t, "p1"))
}

func TestCreateOrder_ConflictAfterRetriesExhausted(t *testing.T) {
	var repo *conflictingOrders
	f := newFixture(t, func(deps *OrderServiceDeps) {
		repo = &conflictingOrders{MemoryAdapter: deps.Orders.(*storage.MemoryAdapter), remaining: 10}
		deps.Orders = repo
		deps.MaxConflictRetries = 2
	})
	ctx := context.Background()
	f.product(t, "p1", 100_000, 5)

	_, err := f.carts.AddItem(ctx, "u1", "p1", 1)
	require.NoError(t, err)
	_, err = f.orders.CreateOrder(ctx, checkout("u1", ""))
	require.ErrorIs(t, err, domain.ErrConflict)

	assert.Equal(t, 2, repo.calls)
	assert.Equal(t, 5, f.stock(t, "p1"))
	cart, err := f.carts.GetCart(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, cart.Items, 1)
}

func buyerID(i int) string {
	return "buyer-" + string(rune('a'+i))
}

func TestUpdateStatus_Lifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.product(t, "p1", 100_000, 5)

	_, err := f.carts.AddItem(ctx, "u1", "p1", 2)
	require.NoError(t, err)
	order, err := f.orders.CreateOrder(ctx, checkout("u1", ""))
	require.NoError(t, err)

	for _, next := range []string{"CONFIRMED", "processing", "SHIPPING"} {
		order, err = f.orders.UpdateStatus(ctx, staff, order.ID, next)
		require.NoError(t, err)
	}
	assert.Equal(t, domain.OrderStatusShipping, order.Status)

	_, err = f.orders.UpdateStatus(ctx, staff, order.ID, "PENDING")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = f.orders.UpdateStatus(ctx, staff, order.ID, "CANCELLED")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = f.orders.UpdateStatus(ctx, staff, order.ID, "LOST")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	order, err = f.orders.UpdateStatus(ctx, staff, order.ID, "DELIVERED")
	require.NoError(t, err)
	assert.True(t, order.Status.IsTerminal())
	assert.Equal(t, 3, f.stock(t, "p1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StatusTransitions.WithLabelValues("SHIPPING", "DELIVERED")))
}

func TestCancel_RestoresStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.product(t, "p1", 100_000, 5)

	_, err := f.carts.AddItem(ctx, "u1", "p1", 2)
	require.NoError(t, err)
	order, err := f.orders.CreateOrder(ctx, checkout("u1", ""))
	require.NoError(t, err)
	require.Equal(t, 3, f.stock(t, "p1"))

	cancelled, err := f.orders.Cancel(ctx, customer("u1"), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, 5, f.stock(t, "p1"))

	_, err = f.orders.Cancel(ctx, customer("u1"), order.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, 5, f.stock(t, "p1"), "stock is restored once")
}

func TestCancel_CustomerRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.product(t, "p1", 100_000, 5)

	_, err := f.carts.AddItem(ctx, "u1", "p1", 1)
	require.NoError(t, err)
	order, err := f.orders.CreateOrder(ctx, checkout("u1", ""))
	require.NoError(t, err)

	_, err = f.orders.Cancel(ctx, customer("u2"), order.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound, "other customers cannot see the order")

	_, err = f.orders.UpdateStatus(ctx, customer("u1"), order.ID, "CONFIRMED")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.orders.UpdateStatus(ctx, staff, order.ID, "CONFIRMED")
	require.NoError(t, err)
	_, err = f.orders.UpdateStatus(ctx, staff, order.ID, "PROCESSING")
	require.NoError(t, err)

	_, err = f.orders.Cancel(ctx, customer("u1"), order.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	cancelled, err := f.orders.Cancel(ctx, staff, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, 5, f.stock(t, "p1"))
}

func TestOrderQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.product(t, "p1", 100_000, 10)

	var ids []string
	for i := 0; i < 3; i++ {
		_, err := f.carts.AddItem(ctx, "u1", "p1", 1)
		require.NoError(t, err)
		order, err := f.orders.CreateOrder(ctx, checkout("u1", ""))
		require.NoError(t, err)
		ids = append(ids, order.ID)
		time.Sleep(2 * time.Millisecond)
	}
	_, err := f.carts.AddItem(ctx, "u2", "p1", 1)
	require.NoError(t, err)
	other, err := f.orders.CreateOrder(ctx, checkout("u2", ""))
	require.NoError(t, err)
	_, err = f.orders.Cancel(ctx, customer("u2"), other.ID)
	require.NoError(t, err)

	mine, err := f.orders.ListOrders(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, mine, 3)
	assert.Equal(t, ids[2], mine[0].ID, "newest first")

	_, err = f.orders.GetOrder(ctx, customer("u1"), other.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	got, err := f.orders.GetOrder(ctx, staff, other.ID)
	require.NoError(t, err)
	assert.Equal(t, other.ID, got.ID)

	page, err := f.orders.AdminListOrders(ctx, port.OrderFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	cancelled, err := f.orders.AdminListOrders(ctx, port.OrderFilter{Status: domain.OrderStatusCancelled})
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, other.ID, cancelled[0].ID)

	stats, err := f.orders.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 3, stats.ByStatus[domain.OrderStatusPending])
	assert.Equal(t, 1, stats.ByStatus[domain.OrderStatusCancelled])
	assert.Contains(t, stats.ByStatus, domain.OrderStatusDelivered)
}

func TestEvents_DroppedWhenQueueFull(t *testing.T) {
	f := newFixture(t, func(deps *OrderServiceDeps) { deps.EventQueueSize = 1 })
	ctx := context.Background()
	f.product(t, "p1", 100_000, 10)

	for i := 0; i < 2; i++ {
		_, err := f.carts.AddItem(ctx, "u1", "p1", 1)
		require.NoError(t, err)
		_, err = f.orders.CreateOrder(ctx, checkout("u1", ""))
		require.NoError(t, err)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DroppedEvents))
	assert.Len(t, f.orders.Events(), 1)
}

func TestEventDispatcher_DrainsQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.product(t, "p1", 100_000, 10)
	publisher := &recordingPublisher{events: make(chan domain.OrderEvent, 10)}
	dispatcher := NewEventDispatcher(publisher, nil)
	dispatcher.Start(f.orders.Events(), 2)

	_, err := f.carts.AddItem(ctx, "u1", "p1", 1)
	require.NoError(t, err)
	order, err := f.orders.CreateOrder(ctx, checkout("u1", ""))
	require.NoError(t, err)
	_, err = f.orders.Cancel(ctx, customer("u1"), order.ID)
	require.NoError(t, err)

	f.orders.Close()
	dispatcher.Wait()

	require.Len(t, publisher.events, 2)
	types := map[string]domain.OrderEvent{}
	for i := 0; i < 2; i++ {
		e := <-publisher.events
		types[e.Type] = e
	}
	assert.Contains(t, types, domain.OrderEventCreated)
	changed := types[domain.OrderEventStatusChanged]
	assert.Equal(t, domain.OrderStatusPending, changed.PreviousStatus)
	assert.Equal(t, domain.OrderStatusCancelled, changed.Status)
	assert.Equal(t, "u1", changed.ActorID)
}
