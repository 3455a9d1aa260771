package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pricepulse/internal/domain"
	"golang.org/x/time/rate"
)

const (
	SourceCoinGecko = "coingecko"

	DefaultCoinGeckoURL = "https://api.coingecko.com/api/v3/simple/price"
)

// CoinGecko fetches USD prices for a set of CoinGecko ids. Requests are
// spaced by a token bucket so restarts and manual polls never exceed the
// free tier.
type CoinGecko struct {
	endpoint string
	ids      map[string]string // coingecko id -> symbol
	client   *http.Client
	limiter  *rate.Limiter
	clock    clockwork.Clock
}

var _ Fetcher = (*CoinGecko)(nil)

func NewCoinGecko(endpoint string, ids map[string]string, client *http.Client, limiter *rate.Limiter, clock clockwork.Clock) *CoinGecko {
	if endpoint == "" {
		endpoint = DefaultCoinGeckoURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Every(2*time.Second), 1)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CoinGecko{endpoint: endpoint, ids: ids, client: client, limiter: limiter, clock: clock}
}

func (c *CoinGecko) Name() string { return SourceCoinGecko }

type coinGeckoQuote struct {
	USD       *float64 `json:"usd"`
	Change24h *float64 `json:"usd_24h_change"`
	Volume24h *float64 `json:"usd_24h_vol"`
}

func (c *CoinGecko) requestURL() (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse coingecko url: %w", err)
	}

	ids := make([]string, 0, len(c.ids))
	for id := range c.ids {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	q := u.Query()
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")
	q.Set("include_24hr_change", "true")
	q.Set("include_24hr_vol", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Fetch returns one tick per id that came back with a USD price, ordered by symbol.
func (c *CoinGecko) Fetch(ctx context.Context) ([]domain.PriceTick, error) {
	if len(c.ids) == 0 {
		return nil, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("coingecko rate limiter: %w", err)
	}

	reqURL, err := c.requestURL()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build coingecko request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coingecko request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coingecko: %w", errStatus{code: resp.StatusCode})
	}

	var quotes map[string]coinGeckoQuote
	if err := json.NewDecoder(resp.Body).Decode(&quotes); err != nil {
		return nil, fmt.Errorf("decode coingecko response: %w", err)
	}

	now := c.clock.Now().UTC()
	ticks := make([]domain.PriceTick, 0, len(quotes))
	for id, q := range quotes {
		symbol, ok := c.ids[id]
		if !ok || q.USD == nil {
			continue
		}
		ticks = append(ticks, coinGeckoTick(symbol, q, now))
	}
	slices.SortFunc(ticks, func(a, b domain.PriceTick) int { return strings.Compare(a.Symbol, b.Symbol) })
	return ticks, nil
}

func coinGeckoTick(symbol string, q coinGeckoQuote, now time.Time) domain.PriceTick {
	tick := domain.PriceTick{
		Symbol:    symbol,
		Price:     *q.USD,
		Source:    SourceCoinGecko,
		Timestamp: now,
	}
	if q.Change24h != nil {
		pct := *q.Change24h
		tick.ChangePercent = pct
		// The quote carries only the percentage; recover the absolute move
		// from the current price.
		if pct != -100 {
			tick.Change = tick.Price * pct / (100 + pct)
		}
	}
	if q.Volume24h != nil {
		tick.Volume = *q.Volume24h
	}
	return tick
}
