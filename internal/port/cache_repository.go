package port

import (
	"context"

	"github.com/rl1809/ministore/internal/core/domain"
)

type CartRepository interface {
	// GetCart returns an empty cart for users without one
	GetCart(ctx context.Context, userID string) (domain.CartLines, error)

	// UpdateCart serializes read-modify-write per cart. An error from mutate
	// aborts without writing; persistent contention yields domain.ErrConflict.
	// mutate may run under a store lock and must not call other repositories.
	UpdateCart(ctx context.Context, userID string, mutate func(cart *domain.CartLines) error) (domain.CartLines, error)

	ClearCart(ctx context.Context, userID string) error
}

type IdempotencyRepository interface {
	// Reserve claims the key, returns false if it already exists
	Reserve(ctx context.Context, key string) (bool, error)

	// Complete binds the key to the order it produced
	Complete(ctx context.Context, key, orderID string) error

	// Lookup returns the bound order id, or "" while the key is still in flight or absent
	Lookup(ctx context.Context, key string) (string, error)

	// Release frees a key whose request failed so the caller may retry
	Release(ctx context.Context, key string) error
}
