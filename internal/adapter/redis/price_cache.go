package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pscheid92/pricepulse/internal/domain"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const DefaultPriceTTL = 300 * time.Second

// PriceCache stores the latest tick per symbol under price:{SYMBOL}.
// Concurrent reads of the same symbol share one round trip.
type PriceCache struct {
	rdb   goredis.Cmdable
	ttl   time.Duration
	group singleflight.Group
}

var _ domain.PriceCache = (*PriceCache)(nil)

func NewPriceCache(rdb goredis.Cmdable, ttl time.Duration) *PriceCache {
	if ttl <= 0 {
		ttl = DefaultPriceTTL
	}
	return &PriceCache{rdb: rdb, ttl: ttl}
}

func priceKey(symbol string) string {
	return "price:" + symbol
}

func (c *PriceCache) SetLatest(ctx context.Context, tick domain.PriceTick) error {
	data, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("failed to marshal tick: %w", err)
	}
	if err := c.rdb.Set(ctx, priceKey(tick.Symbol), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache price for %s: %w", tick.Symbol, err)
	}
	return nil
}

// Latest returns domain.ErrPriceNotCached when the symbol has no live entry.
func (c *PriceCache) Latest(ctx context.Context, symbol string) (domain.PriceTick, error) {
	v, err, _ := c.group.Do(symbol, func() (any, error) {
		data, err := c.rdb.Get(ctx, priceKey(symbol)).Bytes()
		if errors.Is(err, goredis.Nil) {
			return domain.PriceTick{}, domain.ErrPriceNotCached
		}
		if err != nil {
			return domain.PriceTick{}, fmt.Errorf("failed to read cached price for %s: %w", symbol, err)
		}

		var tick domain.PriceTick
		if err := json.Unmarshal(data, &tick); err != nil {
			return domain.PriceTick{}, fmt.Errorf("failed to decode cached price for %s: %w", symbol, err)
		}
		return tick, nil
	})
	if err != nil {
		return domain.PriceTick{}, err
	}
	return v.(domain.PriceTick), nil
}

// Snapshot returns the cached ticks for the given symbols, skipping misses.
func (c *PriceCache) Snapshot(ctx context.Context, symbols []string) ([]domain.PriceTick, error) {
	if len(symbols) == 0 {
		return nil, nil
	}

	keys := make([]string, len(symbols))
	for i, s := range symbols {
		keys[i] = priceKey(s)
	}

	values, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cached prices: %w", err)
	}

	ticks := make([]domain.PriceTick, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var tick domain.PriceTick
		if err := json.Unmarshal([]byte(s), &tick); err != nil {
			continue
		}
		ticks = append(ticks, tick)
	}
	return ticks, nil
}
