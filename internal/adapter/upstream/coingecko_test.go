package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newCoinGeckoServer(t *testing.T, status int, body string) (*httptest.Server, chan *http.Request) {
	t.Helper()
	requests := make(chan *http.Request, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests <- r
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, requests
}

func unlimited() *rate.Limiter {
	return rate.NewLimiter(rate.Inf, 1)
}

func TestCoinGecko_Fetch(t *testing.T) {
	body := `{
		"bitcoin": {"usd": 50000, "usd_24h_change": 25, "usd_24h_vol": 123456789.5},
		"ethereum": {"usd": 3000},
		"cardano": {"usd_24h_change": 1.0},
		"dogecoin": {"usd": 0.1}
	}`
	srv, requests := newCoinGeckoServer(t, http.StatusOK, body)
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	ids := map[string]string{"bitcoin": "BTCUSDT", "ethereum": "ETHUSDT", "cardano": "ADAUSDT"}

	cg := NewCoinGecko(srv.URL+"/api/v3/simple/price", ids, srv.Client(), unlimited(), clock)
	ticks, err := cg.Fetch(context.Background())
	require.NoError(t, err)

	req := <-requests
	assert.Equal(t, "/api/v3/simple/price", req.URL.Path)
	assert.Equal(t, "bitcoin,cardano,ethereum", req.URL.Query().Get("ids"))
	assert.Equal(t, "usd", req.URL.Query().Get("vs_currencies"))
	assert.Equal(t, "true", req.URL.Query().Get("include_24hr_change"))
	assert.Equal(t, "true", req.URL.Query().Get("include_24hr_vol"))

	require.Len(t, ticks, 2)
	btc, eth := ticks[0], ticks[1]

	assert.Equal(t, "BTCUSDT", btc.Symbol)
	assert.Equal(t, 50000.0, btc.Price)
	assert.Equal(t, 25.0, btc.ChangePercent)
	assert.InDelta(t, 10000.0, btc.Change, 1e-9, "price 50000 after +25% means +10000")
	assert.Equal(t, 123456789.5, btc.Volume)
	assert.Nil(t, btc.High24h)
	assert.Nil(t, btc.Low24h)
	assert.Equal(t, SourceCoinGecko, btc.Source)
	assert.Equal(t, clock.Now(), btc.Timestamp)

	assert.Equal(t, "ETHUSDT", eth.Symbol)
	assert.Zero(t, eth.Change)
	assert.Zero(t, eth.Volume)
}

func TestCoinGecko_FetchErrors(t *testing.T) {
	srv, _ := newCoinGeckoServer(t, http.StatusTooManyRequests, `{"status":{"error_code":429}}`)
	cg := NewCoinGecko(srv.URL, map[string]string{"bitcoin": "BTCUSDT"}, srv.Client(), unlimited(), nil)
	_, err := cg.Fetch(context.Background())
	assert.ErrorContains(t, err, "unexpected status 429")

	srv, _ = newCoinGeckoServer(t, http.StatusOK, `[`)
	cg = NewCoinGecko(srv.URL, map[string]string{"bitcoin": "BTCUSDT"}, srv.Client(), unlimited(), nil)
	_, err = cg.Fetch(context.Background())
	assert.ErrorContains(t, err, "decode coingecko response")
}

func TestCoinGecko_NoIDsSkipsRequest(t *testing.T) {
	srv, requests := newCoinGeckoServer(t, http.StatusOK, `{}`)
	cg := NewCoinGecko(srv.URL, nil, srv.Client(), unlimited(), nil)

	ticks, err := cg.Fetch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ticks)
	assert.Empty(t, requests)
}

func TestCoinGecko_LimiterHonoursContext(t *testing.T) {
	srv, _ := newCoinGeckoServer(t, http.StatusOK, `{}`)
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	cg := NewCoinGecko(srv.URL, map[string]string{"bitcoin": "BTCUSDT"}, srv.Client(), limiter, nil)

	_, err := cg.Fetch(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = cg.Fetch(ctx)
	assert.ErrorContains(t, err, "rate limiter")
}
