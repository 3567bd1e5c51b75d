package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/ministore/internal/core/domain"
	"github.com/rl1809/ministore/internal/port"
)

// CartService keeps one cart per user and prices it from the catalog on every read.
type CartService struct {
	catalog port.CatalogRepository
	carts   port.CartRepository
	logger  *zap.Logger
	clock   func() time.Time
}

func NewCartService(catalog port.CatalogRepository, carts port.CartRepository, logger *zap.Logger) *CartService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CartService{catalog: catalog, carts: carts, logger: logger, clock: time.Now}
}

func (s *CartService) GetCart(ctx context.Context, userID string) (domain.Cart, error) {
	lines, err := s.carts.GetCart(ctx, userID)
	if err != nil {
		return domain.Cart{}, fmt.Errorf("load cart: %w", err)
	}
	return s.price(ctx, lines)
}

func (s *CartService) AddItem(ctx context.Context, userID, productID string, quantity int) (domain.Cart, error) {
	if quantity < 1 {
		return domain.Cart{}, fmt.Errorf("%w: quantity must be at least 1", domain.ErrInvalidQuantity)
	}
	product, err := s.catalog.GetProduct(ctx, productID)
	if err != nil {
		return domain.Cart{}, err
	}

	lineID := uuid.NewString()
	lines, err := s.carts.UpdateCart(ctx, userID, func(cart *domain.CartLines) error {
		return cart.Add(product, quantity, lineID, s.clock())
	})
	if err != nil {
		return domain.Cart{}, err
	}
	s.logger.Debug("cart item added",
		zap.String("user_id", userID),
		zap.String("product_id", productID),
		zap.Int("quantity", quantity),
	)
	return s.price(ctx, lines)
}

func (s *CartService) UpdateItem(ctx context.Context, userID, itemID string, quantity int) (domain.Cart, error) {
	if quantity < 1 {
		return domain.Cart{}, fmt.Errorf("%w: quantity must be at least 1", domain.ErrInvalidQuantity)
	}
	current, err := s.carts.GetCart(ctx, userID)
	if err != nil {
		return domain.Cart{}, fmt.Errorf("load cart: %w", err)
	}
	line, ok := current.Line(itemID)
	if !ok {
		return domain.Cart{}, fmt.Errorf("%w: cart item %s", domain.ErrNotFound, itemID)
	}
	// The product is read before UpdateCart: mutate must not call back into a repository.
	product, err := s.catalog.GetProduct(ctx, line.ProductID)
	if err != nil {
		return domain.Cart{}, err
	}
	lines, err := s.carts.UpdateCart(ctx, userID, func(cart *domain.CartLines) error {
		if _, ok := cart.Line(itemID); !ok {
			return fmt.Errorf("%w: cart item %s", domain.ErrNotFound, itemID)
		}
		return cart.SetQuantity(itemID, product, quantity, s.clock())
	})
	if err != nil {
		return domain.Cart{}, err
	}
	return s.price(ctx, lines)
}

func (s *CartService) RemoveItem(ctx context.Context, userID, itemID string) (domain.Cart, error) {
	lines, err := s.carts.UpdateCart(ctx, userID, func(cart *domain.CartLines) error {
		cart.Remove(itemID, s.clock())
		return nil
	})
	if err != nil {
		return domain.Cart{}, err
	}
	return s.price(ctx, lines)
}

func (s *CartService) Clear(ctx context.Context, userID string) error {
	if err := s.carts.ClearCart(ctx, userID); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}

func (s *CartService) price(ctx context.Context, lines domain.CartLines) (domain.Cart, error) {
	products, err := s.catalog.GetProducts(ctx, lines.ProductIDs())
	if err != nil {
		return domain.Cart{}, fmt.Errorf("load catalog: %w", err)
	}
	return domain.PriceCart(lines, products), nil
}
