package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/ministore/internal/core/domain"
	"github.com/rl1809/ministore/internal/port"
)

// SampleProducts is the demo catalog loaded when SEED_DATA is enabled.
var SampleProducts = []domain.Product{
	{ID: "laptop-asus-rog", Name: "Laptop Gaming ASUS ROG", Price: 25_990_000, StockQuantity: 15, CategoryID: "electronics"},
	{ID: "iphone-15-pro-max", Name: "iPhone 15 Pro Max", Price: 32_990_000, StockQuantity: 8, CategoryID: "electronics"},
	{ID: "ao-so-mi-nam", Name: "Áo sơ mi nam cao cấp", Price: 450_000, StockQuantity: 25, CategoryID: "fashion"},
	{ID: "vay-da-hoi", Name: "Váy dạ hội sang trọng", Price: 1_200_000, StockQuantity: 12, CategoryID: "fashion"},
	{ID: "sofa-3-cho", Name: "Sofa 3 chỗ ngồi hiện đại", Price: 8_500_000, StockQuantity: 5, CategoryID: "home"},
	{ID: "den-ban-led", Name: "Đèn bàn LED thông minh", Price: 650_000, StockQuantity: 18, CategoryID: "home"},
	{ID: "sach-lap-trinh-java", Name: "Sách lập trình Java", Price: 280_000, StockQuantity: 30, CategoryID: "books"},
	{ID: "sach-kinh-doanh", Name: "Sách kinh doanh và khởi nghiệp", Price: 320_000, StockQuantity: 22, CategoryID: "books"},
}

// SampleDiscountCodes returns the promotional codes, with windows starting at now.
func SampleDiscountCodes(now time.Time) []domain.DiscountCode {
	return []domain.DiscountCode{
		{
			Code:              "WELCOME10",
			Type:              domain.DiscountPercentage,
			Value:             decimal.NewFromInt(10),
			MinOrderAmount:    100_000,
			MaxDiscountAmount: 50_000,
			StartDate:         now,
			EndDate:           now.AddDate(0, 1, 0),
			UsageLimit:        100,
			IsActive:          true,
		},
		{
			Code:              "SAVE50K",
			Type:              domain.DiscountFixedAmount,
			Value:             decimal.NewFromInt(50_000),
			MinOrderAmount:    500_000,
			MaxDiscountAmount: 50_000,
			StartDate:         now,
			EndDate:           now.AddDate(0, 2, 0),
			UsageLimit:        50,
			IsActive:          true,
		},
		{
			Code:           "SUMMER20",
			Type:           domain.DiscountPercentage,
			Value:          decimal.NewFromInt(20),
			MinOrderAmount: 200_000,
			StartDate:      now,
			EndDate:        now.AddDate(0, 0, 14),
			IsActive:       true,
		},
		{
			Code:              "SAVE30K",
			Type:              domain.DiscountFixedAmount,
			Value:             decimal.NewFromInt(30_000),
			MinOrderAmount:    300_000,
			MaxDiscountAmount: 30_000,
			StartDate:         now,
			EndDate:           now.AddDate(0, 1, 0),
			UsageLimit:        100,
			IsActive:          true,
		},
	}
}

// SeedSampleData inserts demo products that are not in the catalog yet, so
// stock consumed by real orders survives a restart. Discount codes are reset
// on every run.
func SeedSampleData(ctx context.Context, catalog port.CatalogRepository, discounts port.DiscountRepository, now time.Time) error {
	for _, p := range SampleProducts {
		_, err := catalog.GetProduct(ctx, p.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("seed product %s: %w", p.ID, err)
		}
		if err := catalog.UpsertProduct(ctx, p); err != nil {
			return fmt.Errorf("seed product %s: %w", p.ID, err)
		}
	}
	for _, d := range SampleDiscountCodes(now) {
		if err := discounts.UpsertDiscountCode(ctx, d); err != nil {
			return fmt.Errorf("seed discount code %s: %w", d.Code, err)
		}
	}
	return nil
}
