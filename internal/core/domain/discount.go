package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DiscountType enumerates the supported discount strategies.
type DiscountType string

const (
	DiscountPercentage  DiscountType = "PERCENTAGE"
	DiscountFixedAmount DiscountType = "FIXED_AMOUNT"
)

// DiscountCode is a promotional rule. The validity window is half-open:
// a code is usable from StartDate up to, but excluding, EndDate.
type DiscountCode struct {
	ID                string          `json:"id"`
	Code              string          `json:"code"`
	Type              DiscountType    `json:"discountType"`
	Value             decimal.Decimal `json:"discountValue"`
	MinOrderAmount    int64           `json:"minOrderAmount"`
	MaxDiscountAmount int64           `json:"maxDiscountAmount"`
	StartDate         time.Time       `json:"startDate"`
	EndDate           time.Time       `json:"endDate"`
	UsageLimit        int             `json:"usageLimit"` // 0 = unlimited
	UsedCount         int             `json:"usedCount"`
	IsActive          bool            `json:"isActive"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// DiscountRejection names the rule a code failed.
type DiscountRejection string

const (
	DiscountUnknown        DiscountRejection = "unknown"
	DiscountInactive       DiscountRejection = "inactive"
	DiscountNotStarted     DiscountRejection = "not_started"
	DiscountExpired        DiscountRejection = "expired"
	DiscountUsageExhausted DiscountRejection = "usage_exhausted"
	DiscountBelowMinimum   DiscountRejection = "below_minimum"
)

// DiscountError reports why a code cannot be applied.
type DiscountError struct {
	Code           string
	Reason         DiscountRejection
	MinOrderAmount int64
}

func (e *DiscountError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", ErrDiscountInvalid, e.Code, e.Reason)
}

func (e *DiscountError) Is(target error) bool {
	return target == ErrDiscountInvalid
}

// Message is the customer-facing explanation rendered by the storefront.
func (e *DiscountError) Message() string {
	switch e.Reason {
	case DiscountInactive:
		return "Mã giảm giá đã bị vô hiệu hóa"
	case DiscountNotStarted:
		return "Mã giảm giá chưa đến thời gian áp dụng"
	case DiscountExpired:
		return "Mã giảm giá đã hết hạn"
	case DiscountUsageExhausted:
		return "Mã giảm giá đã hết lượt sử dụng"
	case DiscountBelowMinimum:
		return fmt.Sprintf("Đơn hàng tối thiểu %s để sử dụng mã này", FormatVND(e.MinOrderAmount))
	default:
		return "Mã giảm giá không hợp lệ hoặc không tồn tại"
	}
}

// NormalizeDiscountCode is the canonical form used for storage and lookup.
func NormalizeDiscountCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

var hundred = decimal.NewFromInt(100)

// UsageExhausted reports whether a limited code has no redemptions left.
func (d DiscountCode) UsageExhausted() bool {
	return d.UsageLimit > 0 && d.UsedCount >= d.UsageLimit
}

// Redeemable checks activity, the validity window and usage, in that order.
func (d DiscountCode) Redeemable(now time.Time) error {
	switch {
	case !d.IsActive:
		return d.reject(DiscountInactive)
	case !d.StartDate.IsZero() && now.Before(d.StartDate):
		return d.reject(DiscountNotStarted)
	case !d.EndDate.IsZero() && !now.Before(d.EndDate):
		return d.reject(DiscountExpired)
	case d.UsageExhausted():
		return d.reject(DiscountUsageExhausted)
	}
	return nil
}

// Evaluate applies the full rule set to orderAmount and returns the discount,
// rounded down to the smallest currency unit and never above orderAmount.
func (d DiscountCode) Evaluate(orderAmount int64, now time.Time) (int64, error) {
	if err := d.Redeemable(now); err != nil {
		return 0, err
	}
	if orderAmount < d.MinOrderAmount {
		return 0, d.reject(DiscountBelowMinimum)
	}

	var amount int64
	switch d.Type {
	case DiscountPercentage:
		amount = decimal.NewFromInt(orderAmount).Mul(d.Value).Div(hundred).Floor().IntPart()
		if d.MaxDiscountAmount > 0 && amount > d.MaxDiscountAmount {
			amount = d.MaxDiscountAmount
		}
	case DiscountFixedAmount:
		amount = d.Value.Floor().IntPart()
	default:
		return 0, fmt.Errorf("%w: discount type %q", ErrInvalidInput, d.Type)
	}

	if amount > orderAmount {
		amount = orderAmount
	}
	if amount < 0 {
		amount = 0
	}
	return amount, nil
}

func (d DiscountCode) reject(reason DiscountRejection) error {
	return &DiscountError{Code: d.Code, Reason: reason, MinOrderAmount: d.MinOrderAmount}
}

// UnknownDiscount is returned for codes that do not exist.
func UnknownDiscount(code string) error {
	return &DiscountError{Code: NormalizeDiscountCode(code), Reason: DiscountUnknown}
}

var vndPrinter = message.NewPrinter(language.English)

// FormatVND renders an amount the way the storefront prints prices, e.g. "100,000 VNĐ".
func FormatVND(amount int64) string {
	return vndPrinter.Sprintf("%d VNĐ", amount)
}
