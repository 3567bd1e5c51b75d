package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/ministore/internal/core/domain"
	"github.com/rl1809/ministore/internal/observability"
	"github.com/rl1809/ministore/internal/port"
)

// DiscountValidation is the storefront preview of a code. Validation never
// consumes a redemption; usage is only counted when an order commits.
type DiscountValidation struct {
	IsValid        bool                     `json:"isValid"`
	DiscountAmount int64                    `json:"discountAmount"`
	Message        string                   `json:"message"`
	Reason         domain.DiscountRejection `json:"reason,omitempty"`
}

type DiscountService struct {
	discounts port.DiscountRepository
	logger    *zap.Logger
	metrics   *observability.Metrics
	clock     func() time.Time
}

func NewDiscountService(discounts port.DiscountRepository, logger *zap.Logger, metrics *observability.Metrics) *DiscountService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiscountService{discounts: discounts, logger: logger, metrics: metrics, clock: time.Now}
}

// Validate evaluates code against orderAmount. Rule failures are reported in
// the result; only storage failures are returned as errors.
func (s *DiscountService) Validate(ctx context.Context, code string, orderAmount int64) (DiscountValidation, error) {
	if orderAmount < 0 {
		return DiscountValidation{}, fmt.Errorf("%w: order amount must not be negative", domain.ErrInvalidInput)
	}

	result, err := s.evaluate(ctx, code, orderAmount)
	if err != nil {
		return DiscountValidation{}, err
	}
	if result.IsValid {
		s.metrics.DiscountChecked("valid")
	} else {
		s.metrics.DiscountChecked(string(result.Reason))
	}
	return result, nil
}

func (s *DiscountService) evaluate(ctx context.Context, code string, orderAmount int64) (DiscountValidation, error) {
	normalized := domain.NormalizeDiscountCode(code)
	if normalized == "" {
		return rejection(domain.UnknownDiscount(code)), nil
	}

	discount, err := s.discounts.FindByCode(ctx, normalized)
	if errors.Is(err, domain.ErrNotFound) {
		return rejection(domain.UnknownDiscount(normalized)), nil
	}
	if err != nil {
		return DiscountValidation{}, fmt.Errorf("find discount code: %w", err)
	}

	amount, err := discount.Evaluate(orderAmount, s.clock())
	if err != nil {
		var discountErr *domain.DiscountError
		if errors.As(err, &discountErr) {
			return rejection(discountErr), nil
		}
		return DiscountValidation{}, err
	}
	return DiscountValidation{
		IsValid:        true,
		DiscountAmount: amount,
		Message:        fmt.Sprintf("Áp dụng mã giảm giá %s. Giảm %s", discount.Code, domain.FormatVND(amount)),
	}, nil
}

func rejection(err error) DiscountValidation {
	var discountErr *domain.DiscountError
	if !errors.As(err, &discountErr) {
		return DiscountValidation{Message: err.Error()}
	}
	return DiscountValidation{Message: discountErr.Message(), Reason: discountErr.Reason}
}

// ListActive returns the codes redeemable right now, ignoring order minimums.
func (s *DiscountService) ListActive(ctx context.Context) ([]domain.DiscountCode, error) {
	codes, err := s.discounts.ListDiscountCodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list discount codes: %w", err)
	}
	now := s.clock()
	active := make([]domain.DiscountCode, 0, len(codes))
	for _, code := range codes {
		if code.Redeemable(now) == nil {
			active = append(active, code)
		}
	}
	return active, nil
}
