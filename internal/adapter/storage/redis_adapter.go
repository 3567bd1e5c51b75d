package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/ministore/internal/core/domain"
)

const (
	cartKeyPrefix        = "cart:"
	idempotencyKeyPrefix = "idempotency:"
	idempotencyKeyTTL    = 24 * time.Hour
	idempotencyPending   = "pending"
	defaultCartTTL       = 30 * 24 * time.Hour
	maxCartTxRetries     = 5
)

// releaseIdempotencyScript deletes a key only while its request is still in flight.
var releaseIdempotencyScript = redis.NewScript(`
local key = KEYS[1]
local pending = ARGV[1]

local current = redis.call('GET', key)
if current == pending then
	redis.call('DEL', key)
	return 1
end

return 0
`)

// RedisAdapter stores carts and idempotency keys.
type RedisAdapter struct {
	client  *redis.Client
	cartTTL time.Duration
	clock   func() time.Time
}

func NewRedisAdapter(client *redis.Client, cartTTL time.Duration) *RedisAdapter {
	if cartTTL <= 0 {
		cartTTL = defaultCartTTL
	}
	return &RedisAdapter{client: client, cartTTL: cartTTL, clock: time.Now}
}

func decodeCart(raw []byte, userID string) (domain.CartLines, error) {
	cart := domain.CartLines{UserID: userID}
	if len(raw) == 0 {
		return cart, nil
	}
	if err := json.Unmarshal(raw, &cart); err != nil {
		return domain.CartLines{}, fmt.Errorf("decode cart: %w", err)
	}
	cart.UserID = userID
	return cart, nil
}

func (r *RedisAdapter) GetCart(ctx context.Context, userID string) (domain.CartLines, error) {
	raw, err := r.client.Get(ctx, cartKeyPrefix+userID).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.CartLines{}, fmt.Errorf("get cart: %w", err)
	}
	return decodeCart(raw, userID)
}

// UpdateCart runs mutate inside WATCH/MULTI so two rapid writes to the same
// cart cannot overwrite each other; a lost race is retried.
func (r *RedisAdapter) UpdateCart(ctx context.Context, userID string, mutate func(cart *domain.CartLines) error) (domain.CartLines, error) {
	key := cartKeyPrefix + userID
	var result domain.CartLines

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("get cart: %w", err)
		}
		cart, err := decodeCart(raw, userID)
		if err != nil {
			return err
		}
		if err := mutate(&cart); err != nil {
			return err
		}
		data, err := json.Marshal(cart)
		if err != nil {
			return fmt.Errorf("encode cart: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.cartTTL)
			return nil
		})
		if err == nil {
			result = cart
		}
		return err
	}

	for i := 0; i < maxCartTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return domain.CartLines{}, err
		}
	}
	return domain.CartLines{}, fmt.Errorf("%w: cart %s is being modified concurrently", domain.ErrConflict, userID)
}

func (r *RedisAdapter) ClearCart(ctx context.Context, userID string) error {
	data, err := json.Marshal(domain.CartLines{UserID: userID, Lines: []domain.CartLine{}, UpdatedAt: r.clock()})
	if err != nil {
		return fmt.Errorf("encode cart: %w", err)
	}
	return r.client.Set(ctx, cartKeyPrefix+userID, data, r.cartTTL).Err()
}

func (r *RedisAdapter) Reserve(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+key, idempotencyPending, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) Complete(ctx context.Context, key, orderID string) error {
	return r.client.Set(ctx, idempotencyKeyPrefix+key, orderID, idempotencyKeyTTL).Err()
}

func (r *RedisAdapter) Lookup(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, idempotencyKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) || value == idempotencyPending {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (r *RedisAdapter) Release(ctx context.Context, key string) error {
	return releaseIdempotencyScript.Run(ctx, r.client, []string{idempotencyKeyPrefix + key}, idempotencyPending).Err()
}
