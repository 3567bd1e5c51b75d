package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/ministore/internal/core/domain"
	"github.com/rl1809/ministore/internal/port"
)

// MemoryAdapter keeps catalog, discounts, orders, carts and idempotency keys in
// process. A single mutex serializes every checkout, which gives the same
// all-or-nothing guarantee as the MySQL transaction.
type MemoryAdapter struct {
	mu          sync.Mutex
	products    map[string]domain.Product
	discounts   map[string]domain.DiscountCode
	orders      map[string]domain.Order
	numbers     map[string]bool
	carts       map[string]domain.CartLines
	idempotency map[string]string
	clock       func() time.Time
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		products:    make(map[string]domain.Product),
		discounts:   make(map[string]domain.DiscountCode),
		orders:      make(map[string]domain.Order),
		numbers:     make(map[string]bool),
		carts:       make(map[string]domain.CartLines),
		idempotency: make(map[string]string),
		clock:       time.Now,
	}
}

func (m *MemoryAdapter) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[id]
	if !ok {
		return domain.Product{}, fmt.Errorf("%w: product %s", domain.ErrNotFound, id)
	}
	return p, nil
}

func (m *MemoryAdapter) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.productsLocked(ids), nil
}

func (m *MemoryAdapter) productsLocked(ids []string) map[string]domain.Product {
	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out[id] = p
		}
	}
	return out
}

func (m *MemoryAdapter) UpsertProduct(ctx context.Context, product domain.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if existing, ok := m.products[product.ID]; ok {
		product.CreatedAt = existing.CreatedAt
		product.Version = existing.Version + 1
	} else {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	m.products[product.ID] = product
	return nil
}

func (m *MemoryAdapter) FindByCode(ctx context.Context, code string) (domain.DiscountCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.discounts[domain.NormalizeDiscountCode(code)]
	if !ok {
		return domain.DiscountCode{}, fmt.Errorf("%w: discount code %s", domain.ErrNotFound, code)
	}
	return d, nil
}

func (m *MemoryAdapter) ListDiscountCodes(ctx context.Context) ([]domain.DiscountCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.DiscountCode, 0, len(m.discounts))
	for _, d := range m.discounts {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *MemoryAdapter) UpsertDiscountCode(ctx context.Context, code domain.DiscountCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	code.Code = domain.NormalizeDiscountCode(code.Code)
	if code.ID == "" {
		code.ID = code.Code
	}
	now := m.clock()
	if code.CreatedAt.IsZero() {
		code.CreatedAt = now
	}
	code.UpdatedAt = now
	m.discounts[code.Code] = code
	return nil
}

func (m *MemoryAdapter) PlaceOrder(ctx context.Context, req port.PlaceOrderRequest, assemble port.AssembleFunc) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := port.CheckoutSnapshot{Products: m.productsLocked(req.ProductIDs)}
	if req.DiscountCode != "" {
		if d, ok := m.discounts[domain.NormalizeDiscountCode(req.DiscountCode)]; ok {
			snapshot.Discount = &d
		}
	}

	order, err := assemble(snapshot)
	if err != nil {
		return domain.Order{}, err
	}
	if m.numbers[order.OrderNumber] {
		return domain.Order{}, fmt.Errorf("%w: order number %s already used", domain.ErrConflict, order.OrderNumber)
	}

	// Validate every effect before applying any of them.
	quantities := order.Quantities()
	for id, qty := range quantities {
		if p, ok := m.products[id]; !ok || p.StockQuantity < qty {
			return domain.Order{}, fmt.Errorf("%w: stock for %s moved during checkout", domain.ErrConflict, id)
		}
	}
	var discount domain.DiscountCode
	if order.DiscountCode != "" {
		d, ok := m.discounts[order.DiscountCode]
		if !ok || d.UsageExhausted() {
			return domain.Order{}, &domain.DiscountError{Code: order.DiscountCode, Reason: domain.DiscountUsageExhausted}
		}
		discount = d
	}

	now := m.clock()
	for id, qty := range quantities {
		p := m.products[id]
		p.StockQuantity -= qty
		p.Version++
		p.UpdatedAt = now
		m.products[id] = p
	}
	if order.DiscountCode != "" {
		discount.UsedCount++
		discount.UpdatedAt = now
		m.discounts[discount.Code] = discount
	}
	m.orders[order.ID] = cloneOrder(order)
	m.numbers[order.OrderNumber] = true
	return cloneOrder(order), nil
}

func (m *MemoryAdapter) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
	}
	return cloneOrder(o), nil
}

func (m *MemoryAdapter) ListOrders(ctx context.Context, filter port.OrderFilter) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Order, 0)
	for _, o := range m.orders {
		if filter.UserID != "" && o.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		out = append(out, cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderNumber > out[j].OrderNumber
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []domain.Order{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryAdapter) UpdateOrderStatus(ctx context.Context, id string, decide port.DecideFunc) (domain.Order, domain.OrderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return domain.Order{}, "", fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
	}
	next, err := decide(cloneOrder(o))
	if err != nil {
		return domain.Order{}, "", err
	}

	prev := o.Status
	now := m.clock()
	if prev.RestocksOnTransition(next) {
		for pid, qty := range o.Quantities() {
			p, ok := m.products[pid]
			if !ok {
				continue
			}
			p.StockQuantity += qty
			p.Version++
			p.UpdatedAt = now
			m.products[pid] = p
		}
	}
	o.Status = next
	o.UpdatedAt = now
	m.orders[id] = o
	return cloneOrder(o), prev, nil
}

func (m *MemoryAdapter) CountOrdersByStatus(ctx context.Context) (map[domain.OrderStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[domain.OrderStatus]int, len(domain.OrderStatuses))
	for _, o := range m.orders {
		counts[o.Status]++
	}
	return counts, nil
}

func (m *MemoryAdapter) GetCart(ctx context.Context, userID string) (domain.CartLines, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cart, ok := m.carts[userID]
	if !ok {
		return domain.CartLines{UserID: userID}, nil
	}
	return cloneCart(cart), nil
}

func (m *MemoryAdapter) UpdateCart(ctx context.Context, userID string, mutate func(cart *domain.CartLines) error) (domain.CartLines, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cart, ok := m.carts[userID]
	if !ok {
		cart = domain.CartLines{UserID: userID}
	}
	working := cloneCart(cart)
	if err := mutate(&working); err != nil {
		return domain.CartLines{}, err
	}
	m.carts[userID] = working
	return cloneCart(working), nil
}

func (m *MemoryAdapter) ClearCart(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.carts[userID] = domain.CartLines{UserID: userID, UpdatedAt: m.clock()}
	return nil
}

func (m *MemoryAdapter) Reserve(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.idempotency[key]; exists {
		return false, nil
	}
	m.idempotency[key] = ""
	return true, nil
}

func (m *MemoryAdapter) Complete(ctx context.Context, key, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idempotency[key] = orderID
	return nil
}

func (m *MemoryAdapter) Lookup(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idempotency[key], nil
}

func (m *MemoryAdapter) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.idempotency[key] == "" {
		delete(m.idempotency, key)
	}
	return nil
}

func cloneOrder(o domain.Order) domain.Order {
	o.Items = slices.Clone(o.Items)
	return o
}

func cloneCart(c domain.CartLines) domain.CartLines {
	c.Lines = slices.Clone(c.Lines)
	return c
}
