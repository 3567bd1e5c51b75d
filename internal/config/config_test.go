package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(envMap(map[string]string{"JWT_SECRET": "s3cret"}))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, DriverMySQL, cfg.Storage.Driver)
	assert.Equal(t, 3, cfg.Checkout.MaxConflictRetries)
	assert.Equal(t, []string{"http://localhost:4200"}, cfg.CORS.AllowedOrigins)
	assert.Empty(t, cfg.Events.KafkaBrokers)
	assert.False(t, cfg.SeedData)
}

func TestFromEnv_Overrides(t *testing.T) {
	cfg, err := FromEnv(envMap(map[string]string{
		"JWT_SECRET":         "s3cret",
		"STORAGE_DRIVER":     "MEMORY",
		"CART_TTL":           "2h",
		"KAFKA_BROKERS":      "k1:9092, k2:9092,",
		"SEED_DATA":          "true",
		"EVENT_QUEUE_SIZE":   "10",
		"HTTP_WRITE_TIMEOUT": "45s",
	}))
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, 2*time.Hour, cfg.Storage.CartTTL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Events.KafkaBrokers)
	assert.True(t, cfg.SeedData)
	assert.Equal(t, 10, cfg.Events.QueueSize)
	assert.Equal(t, 45*time.Second, cfg.Server.WriteTimeout)
}

func TestFromEnv_Invalid(t *testing.T) {
	_, err := FromEnv(envMap(map[string]string{
		"STORAGE_DRIVER":                "postgres",
		"CHECKOUT_MAX_CONFLICT_RETRIES": "zero",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHECKOUT_MAX_CONFLICT_RETRIES")

	_, err = FromEnv(envMap(map[string]string{"STORAGE_DRIVER": "postgres", "JWT_SECRET": "x"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORAGE_DRIVER")

	_, err = FromEnv(envMap(map[string]string{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}
