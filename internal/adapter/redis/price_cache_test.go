package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pscheid92/pricepulse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTick(symbol string, price float64) domain.PriceTick {
	return domain.PriceTick{
		Symbol:        symbol,
		Price:         price,
		Change:        1.5,
		ChangePercent: 0.5,
		Volume:        1000,
		High24h:       domain.Float(price + 10),
		Source:        "binance",
		Timestamp:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPriceCache_SetAndLatest(t *testing.T) {
	mr, client := setupMiniRedis(t)
	cache := NewPriceCache(client, 0)
	ctx := context.Background()

	require.NoError(t, cache.SetLatest(ctx, testTick("BTCUSDT", 50000)))

	got, err := cache.Latest(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 50000.0, got.Price)
	require.NotNil(t, got.High24h)
	assert.Equal(t, 50010.0, *got.High24h)
	assert.Nil(t, got.Low24h)
	assert.True(t, got.Timestamp.Equal(testTick("BTCUSDT", 0).Timestamp))

	assert.Equal(t, DefaultPriceTTL, mr.TTL("price:BTCUSDT"))
}

func TestPriceCache_MissAndExpiry(t *testing.T) {
	mr, client := setupMiniRedis(t)
	cache := NewPriceCache(client, time.Minute)
	ctx := context.Background()

	_, err := cache.Latest(ctx, "ETHUSDT")
	assert.ErrorIs(t, err, domain.ErrPriceNotCached)

	require.NoError(t, cache.SetLatest(ctx, testTick("ETHUSDT", 3000)))
	mr.FastForward(61 * time.Second)

	_, err = cache.Latest(ctx, "ETHUSDT")
	assert.ErrorIs(t, err, domain.ErrPriceNotCached)
}

func TestPriceCache_ConcurrentReads(t *testing.T) {
	_, client := setupMiniRedis(t)
	cache := NewPriceCache(client, 0)
	ctx := context.Background()
	require.NoError(t, cache.SetLatest(ctx, testTick("SOLUSDT", 150)))

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := cache.Latest(ctx, "SOLUSDT")
			assert.NoError(t, err)
			assert.Equal(t, 150.0, got.Price)
		}()
	}
	wg.Wait()
}

func TestPriceCache_SnapshotSkipsMisses(t *testing.T) {
	mr, client := setupMiniRedis(t)
	cache := NewPriceCache(client, 0)
	ctx := context.Background()

	require.NoError(t, cache.SetLatest(ctx, testTick("BTCUSDT", 50000)))
	require.NoError(t, cache.SetLatest(ctx, testTick("ETHUSDT", 3000)))
	require.NoError(t, mr.Set("price:XRPUSDT", "not json"))

	ticks, err := cache.Snapshot(ctx, []string{"BTCUSDT", "ADAUSDT", "ETHUSDT", "XRPUSDT"})
	require.NoError(t, err)
	require.Len(t, ticks, 2)
	assert.Equal(t, "BTCUSDT", ticks[0].Symbol)
	assert.Equal(t, "ETHUSDT", ticks[1].Symbol)

	ticks, err = cache.Snapshot(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, ticks)
}
