package domain

import "time"

// Product is the catalog record carts and orders price and reserve against.
type Product struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Price         int64     `json:"price"`
	StockQuantity int       `json:"stockQuantity"`
	CategoryID    string    `json:"categoryId,omitempty"`
	Version       int       `json:"-"` // optimistic locking
	CreatedAt     time.Time `json:"-"`
	UpdatedAt     time.Time `json:"-"`
}

// InStock reports whether quantity units can be taken from the current stock.
func (p Product) InStock(quantity int) bool {
	return quantity <= p.StockQuantity
}
