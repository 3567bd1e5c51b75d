package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrOutOfStock        = errors.New("out of stock")
	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrEmptyCart         = errors.New("cart is empty")
	ErrStockChanged      = errors.New("stock changed")
	ErrDiscountInvalid   = errors.New("discount code invalid")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConflict          = errors.New("concurrent update conflict")
	ErrInvalidInput      = errors.New("invalid input")
	ErrForbidden         = errors.New("forbidden")
)

// StockShortage describes one cart line that can no longer be fulfilled.
type StockShortage struct {
	ProductID string `json:"productId"`
	Name      string `json:"name,omitempty"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// StockChangedError lists every product whose stock dropped below the requested
// quantity between cart mutation and checkout.
type StockChangedError struct {
	Shortages []StockShortage
}

func (e *StockChangedError) Error() string {
	ids := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		ids = append(ids, fmt.Sprintf("%s (requested %d, available %d)", s.ProductID, s.Requested, s.Available))
	}
	return fmt.Sprintf("%s: %s", ErrStockChanged, strings.Join(ids, ", "))
}

func (e *StockChangedError) Is(target error) bool {
	return target == ErrStockChanged
}

func outOfStock(p Product, requested int) error {
	return fmt.Errorf("%w: product %s has %d left, requested %d", ErrOutOfStock, p.ID, p.StockQuantity, requested)
}
