package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedSampleData_KeepsExistingStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, SeedSampleData(ctx, f.store, f.store, now))
	seeded := SampleProducts[0]
	assert.Equal(t, seeded.StockQuantity, f.stock(t, seeded.ID))

	_, err := f.carts.AddItem(ctx, "u1", seeded.ID, 2)
	require.NoError(t, err)
	_, err = f.orders.CreateOrder(ctx, checkout("u1", "WELCOME10"))
	require.NoError(t, err)
	require.Equal(t, 1, f.usedCount(t, "WELCOME10"))

	require.NoError(t, SeedSampleData(ctx, f.store, f.store, now))
	assert.Equal(t, seeded.StockQuantity-2, f.stock(t, seeded.ID), "reseeding keeps consumed stock")
	assert.Zero(t, f.usedCount(t, "WELCOME10"), "discount codes are reset")
}
