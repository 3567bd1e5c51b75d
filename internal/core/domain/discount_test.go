package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discountNow = time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)

func sale10() DiscountCode {
	return DiscountCode{
		Code:              "SALE10",
		Type:              DiscountPercentage,
		Value:             decimal.NewFromInt(10),
		MinOrderAmount:    50_000,
		MaxDiscountAmount: 5_000,
		StartDate:         discountNow.Add(-24 * time.Hour),
		EndDate:           discountNow.Add(24 * time.Hour),
		IsActive:          true,
	}
}

func rejection(t *testing.T, err error) DiscountRejection {
	t.Helper()
	var derr *DiscountError
	require.True(t, errors.As(err, &derr), "expected DiscountError, got %v", err)
	require.ErrorIs(t, err, ErrDiscountInvalid)
	return derr.Reason
}

func TestEvaluate_PercentageCapped(t *testing.T) {
	amount, err := sale10().Evaluate(100_000, discountNow)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000), amount)
}

func TestEvaluate_PercentageUncappedRoundsDown(t *testing.T) {
	code := sale10()
	code.MaxDiscountAmount = 0
	code.Value = decimal.RequireFromString("12.5")
	code.MinOrderAmount = 0

	amount, err := code.Evaluate(99_999, discountNow)
	require.NoError(t, err)
	assert.Equal(t, int64(12_499), amount)
}

func TestEvaluate_FixedAmountCappedAtOrder(t *testing.T) {
	code := DiscountCode{Code: "SAVE50K", Type: DiscountFixedAmount, Value: decimal.NewFromInt(50_000), IsActive: true}

	amount, err := code.Evaluate(30_000, discountNow)
	require.NoError(t, err)
	assert.Equal(t, int64(30_000), amount)

	amount, err = code.Evaluate(600_000, discountNow)
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), amount)
}

func TestEvaluate_RuleOrder(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*DiscountCode)
		amount int64
		want   DiscountRejection
	}{
		{"inactive wins over expiry", func(d *DiscountCode) { d.IsActive = false; d.EndDate = discountNow.Add(-time.Hour) }, 100_000, DiscountInactive},
		{"not started", func(d *DiscountCode) { d.StartDate = discountNow.Add(time.Minute) }, 100_000, DiscountNotStarted},
		{"end is exclusive", func(d *DiscountCode) { d.EndDate = discountNow }, 100_000, DiscountExpired},
		{"usage exhausted", func(d *DiscountCode) { d.UsageLimit = 3; d.UsedCount = 3 }, 100_000, DiscountUsageExhausted},
		{"below minimum", func(d *DiscountCode) {}, 49_999, DiscountBelowMinimum},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code := sale10()
			tc.mutate(&code)
			_, err := code.Evaluate(tc.amount, discountNow)
			assert.Equal(t, tc.want, rejection(t, err))
		})
	}
}

func TestEvaluate_StartIsInclusiveAndUnlimitedUsage(t *testing.T) {
	code := sale10()
	code.StartDate = discountNow
	code.UsedCount = 10_000
	_, err := code.Evaluate(100_000, discountNow)
	require.NoError(t, err)
}

func TestDiscountError_MessageStatesMinimum(t *testing.T) {
	err := &DiscountError{Code: "SALE10", Reason: DiscountBelowMinimum, MinOrderAmount: 1_500_000}
	assert.Equal(t, "Đơn hàng tối thiểu 1,500,000 VNĐ để sử dụng mã này", err.Message())
}

func TestNormalizeDiscountCode(t *testing.T) {
	assert.Equal(t, "SALE10", NormalizeDiscountCode("  sale10 "))
}
