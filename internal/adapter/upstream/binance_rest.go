package upstream

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/adshao/go-binance/v2"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pricepulse/internal/domain"
)

const (
	SourceBinanceREST = "binance_rest"

	DefaultBinanceRESTURL = "https://api.binance.com"
)

// BinanceREST fetches 24h ticker statistics for all tracked symbols in one call.
type BinanceREST struct {
	client  *binance.Client
	symbols []string
	clock   clockwork.Clock
}

var _ Fetcher = (*BinanceREST)(nil)

func NewBinanceREST(baseURL string, symbols []string, clock clockwork.Clock) *BinanceREST {
	client := binance.NewClient("", "")
	if baseURL != "" {
		client.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &BinanceREST{client: client, symbols: slices.Clone(symbols), clock: clock}
}

func (b *BinanceREST) Name() string { return SourceBinanceREST }

func (b *BinanceREST) Fetch(ctx context.Context) ([]domain.PriceTick, error) {
	if len(b.symbols) == 0 {
		return nil, nil
	}

	stats, err := b.client.NewListPriceChangeStatsService().Symbols(b.symbols).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance ticker stats: %w", err)
	}

	now := b.clock.Now().UTC()
	ticks := make([]domain.PriceTick, 0, len(stats))
	for _, s := range stats {
		if s == nil {
			continue
		}
		price, err := strconv.ParseFloat(s.LastPrice, 64)
		if err != nil {
			continue
		}
		tick := domain.PriceTick{
			Symbol:        strings.ToUpper(s.Symbol),
			Price:         price,
			Change:        parseOptional(s.PriceChange),
			ChangePercent: parseOptional(s.PriceChangePercent),
			Volume:        parseOptional(s.Volume),
			Source:        SourceBinanceREST,
			Timestamp:     now,
		}
		if h, err := strconv.ParseFloat(s.HighPrice, 64); err == nil {
			tick.High24h = domain.Float(h)
		}
		if l, err := strconv.ParseFloat(s.LowPrice, 64); err == nil {
			tick.Low24h = domain.Float(l)
		}
		ticks = append(ticks, tick)
	}
	return ticks, nil
}
