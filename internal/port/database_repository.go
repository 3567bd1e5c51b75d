package port

import (
	"context"

	"github.com/rl1809/ministore/internal/core/domain"
)

// CatalogRepository reads product price and stock at the instant of a cart or order operation.
type CatalogRepository interface {
	// GetProduct returns domain.ErrNotFound for unknown ids
	GetProduct(ctx context.Context, id string) (domain.Product, error)

	// GetProducts omits unknown ids from the result
	GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)

	UpsertProduct(ctx context.Context, product domain.Product) error
}

type DiscountRepository interface {
	// FindByCode matches case-insensitively, returns domain.ErrNotFound when absent
	FindByCode(ctx context.Context, code string) (domain.DiscountCode, error)

	ListDiscountCodes(ctx context.Context) ([]domain.DiscountCode, error)

	UpsertDiscountCode(ctx context.Context, code domain.DiscountCode) error
}

// CheckoutSnapshot is the catalog and discount state read under lock inside
// the checkout transaction.
type CheckoutSnapshot struct {
	Products map[string]domain.Product
	Discount *domain.DiscountCode // nil when no code was requested or it does not exist
}

// AssembleFunc turns a locked snapshot into the order to persist. Returning an
// error aborts the transaction without side effects.
type AssembleFunc func(snapshot CheckoutSnapshot) (domain.Order, error)

type PlaceOrderRequest struct {
	ProductIDs   []string
	DiscountCode string
}

// DecideFunc returns the status a locked order should move to.
type DecideFunc func(order domain.Order) (domain.OrderStatus, error)

type OrderFilter struct {
	UserID string
	Status domain.OrderStatus
	Limit  int
	Offset int
}

type OrderRepository interface {
	// PlaceOrder atomically locks the snapshot, assembles the order, decrements
	// stock, increments discount usage and persists the order. Lock contention
	// is reported as domain.ErrConflict.
	PlaceOrder(ctx context.Context, req PlaceOrderRequest, assemble AssembleFunc) (domain.Order, error)

	GetOrder(ctx context.Context, id string) (domain.Order, error)

	// ListOrders returns newest orders first
	ListOrders(ctx context.Context, filter OrderFilter) ([]domain.Order, error)

	// UpdateOrderStatus locks the order, applies decide and restores stock when
	// the transition cancels the order. Returns the updated order and the previous status.
	UpdateOrderStatus(ctx context.Context, id string, decide DecideFunc) (domain.Order, domain.OrderStatus, error)

	CountOrdersByStatus(ctx context.Context) (map[domain.OrderStatus]int, error)
}
