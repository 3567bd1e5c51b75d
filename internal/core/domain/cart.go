package domain

import (
	"fmt"
	"time"
)

// CartLine is the persisted form of a cart item. Prices are deliberately not
// stored here; they are read from the catalog whenever the cart is priced.
type CartLine struct {
	ID        string    `json:"id"`
	ProductID string    `json:"productId"`
	Quantity  int       `json:"quantity"`
	AddedAt   time.Time `json:"addedAt"`
}

// CartLines is the single-writer record owned by one user.
type CartLines struct {
	UserID    string     `json:"userId"`
	Lines     []CartLine `json:"lines"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// CartItem is a priced cart line.
type CartItem struct {
	ID       string  `json:"id"`
	Product  Product `json:"product"`
	Quantity int     `json:"quantity"`
	Subtotal int64   `json:"subtotal"`
}

// Cart is the priced view returned to clients.
type Cart struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Items      []CartItem `json:"items"`
	TotalItems int        `json:"totalItems"`
	TotalPrice int64      `json:"totalPrice"`
}

func (c *CartLines) indexOfProduct(productID string) int {
	for i, line := range c.Lines {
		if line.ProductID == productID {
			return i
		}
	}
	return -1
}

func (c *CartLines) indexOfLine(lineID string) int {
	for i, line := range c.Lines {
		if line.ID == lineID {
			return i
		}
	}
	return -1
}

// Line returns the line with the given id.
func (c *CartLines) Line(lineID string) (CartLine, bool) {
	if i := c.indexOfLine(lineID); i >= 0 {
		return c.Lines[i], true
	}
	return CartLine{}, false
}

// Add merges quantity into the product's line, creating it with lineID when absent.
// The merged quantity is what gets checked against stock.
func (c *CartLines) Add(product Product, quantity int, lineID string, now time.Time) error {
	if quantity < 1 {
		return fmt.Errorf("%w: quantity must be at least 1", ErrInvalidQuantity)
	}
	idx := c.indexOfProduct(product.ID)
	combined := quantity
	if idx >= 0 {
		combined += c.Lines[idx].Quantity
	}
	if !product.InStock(combined) {
		return outOfStock(product, combined)
	}
	if idx >= 0 {
		c.Lines[idx].Quantity = combined
	} else {
		c.Lines = append(c.Lines, CartLine{ID: lineID, ProductID: product.ID, Quantity: quantity, AddedAt: now})
	}
	c.UpdatedAt = now
	return nil
}

// SetQuantity replaces the quantity of an existing line.
func (c *CartLines) SetQuantity(lineID string, product Product, quantity int, now time.Time) error {
	if quantity < 1 {
		return fmt.Errorf("%w: quantity must be at least 1", ErrInvalidQuantity)
	}
	idx := c.indexOfLine(lineID)
	if idx < 0 {
		return fmt.Errorf("%w: cart item %s", ErrNotFound, lineID)
	}
	if !product.InStock(quantity) {
		return outOfStock(product, quantity)
	}
	c.Lines[idx].Quantity = quantity
	c.UpdatedAt = now
	return nil
}

// Remove drops the line if present. Removing an absent line is not an error.
func (c *CartLines) Remove(lineID string, now time.Time) {
	idx := c.indexOfLine(lineID)
	if idx < 0 {
		return
	}
	c.Lines = append(c.Lines[:idx], c.Lines[idx+1:]...)
	c.UpdatedAt = now
}

// ProductIDs returns the distinct product ids referenced by the cart.
func (c CartLines) ProductIDs() []string {
	ids := make([]string, 0, len(c.Lines))
	seen := make(map[string]bool, len(c.Lines))
	for _, line := range c.Lines {
		if !seen[line.ProductID] {
			seen[line.ProductID] = true
			ids = append(ids, line.ProductID)
		}
	}
	return ids
}

// PriceCart builds the client view from persisted lines and a catalog snapshot.
// Totals are always derived from the items; lines whose product is gone are skipped.
func PriceCart(c CartLines, products map[string]Product) Cart {
	cart := Cart{ID: c.UserID, UserID: c.UserID, Items: make([]CartItem, 0, len(c.Lines))}
	for _, line := range c.Lines {
		product, ok := products[line.ProductID]
		if !ok {
			continue
		}
		subtotal := product.Price * int64(line.Quantity)
		cart.Items = append(cart.Items, CartItem{
			ID:       line.ID,
			Product:  product,
			Quantity: line.Quantity,
			Subtotal: subtotal,
		})
		cart.TotalItems += line.Quantity
		cart.TotalPrice += subtotal
	}
	return cart
}
