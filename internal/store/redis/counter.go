package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/gosuda/tenantd/internal/domain"
)

const keyPrefix = "tenantd:usage:"

// decrementScript lowers a counter and floors it at zero in one step.
var decrementScript = redis.NewScript(`
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
if v < 0 then
	redis.call('SET', KEYS[1], 0)
	v = 0
end
return v
`)

// UsageCounter keeps usage counters as Redis integers. Period counters carry
// an absolute expiry at the end of their period.
type UsageCounter struct {
	client *redis.Client
}

func New(ctx context.Context, addr, password string, db int) (*UsageCounter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis.New: ping: %w", err)
	}

	return &UsageCounter{client: client}, nil
}

// NewWithClient wraps an existing client. The caller keeps ownership.
func NewWithClient(client *redis.Client) *UsageCounter {
	return &UsageCounter{client: client}
}

func (c *UsageCounter) Close() error {
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("redis.UsageCounter.Close: %w", err)
	}
	return nil
}

func (c *UsageCounter) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// UsageKey returns the Redis key of a counter.
func UsageKey(key domain.UsageKey) string {
	if key.Period == "" {
		return keyPrefix + key.TenantID.String() + ":" + string(key.QuotaType)
	}
	return keyPrefix + key.TenantID.String() + ":" + string(key.QuotaType) + ":" + key.Period
}

// Increment adds amount atomically. Positive amounts use INCRBY and
// EXPIREAT in one MULTI block; negative amounts go through a script that
// floors the result at zero.
func (c *UsageCounter) Increment(ctx context.Context, key domain.UsageKey, amount int64) (int64, error) {
	rk := UsageKey(key)

	if amount < 0 {
		v, err := decrementScript.Run(ctx, c.client, []string{rk}, amount).Int64()
		if err != nil {
			return 0, fmt.Errorf("redis.UsageCounter.Increment: decrement: %w", err)
		}
		return v, nil
	}

	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.IncrBy(ctx, rk, amount)
		if !key.ExpiresAt.IsZero() {
			pipe.ExpireAt(ctx, rk, key.ExpiresAt)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis.UsageCounter.Increment: %w", err)
	}

	return incr.Val(), nil
}

func (c *UsageCounter) Current(ctx context.Context, key domain.UsageKey) (int64, error) {
	v, err := c.client.Get(ctx, UsageKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis.UsageCounter.Current: %w", err)
	}
	return v, nil
}
