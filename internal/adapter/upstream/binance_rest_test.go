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
)

func TestBinanceREST_Fetch(t *testing.T) {
	var gotPath, gotSymbols string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSymbols = r.URL.Query().Get("symbols")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"symbol":"BTCUSDT","priceChange":"-250.10","priceChangePercent":"-0.49","lastPrice":"50500.00",
			 "highPrice":"51200.00","lowPrice":"49800.00","volume":"21000.5","closeTime":1709294400000},
			{"symbol":"ETHUSDT","priceChange":"12","priceChangePercent":"0.4","lastPrice":"not-a-number"}
		]`))
	}))
	t.Cleanup(srv.Close)

	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	b := NewBinanceREST(srv.URL+"/", []string{"BTCUSDT", "ETHUSDT"}, clock)

	ticks, err := b.Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "/api/v3/ticker/24hr", gotPath)
	assert.Contains(t, gotSymbols, "BTCUSDT")
	assert.Contains(t, gotSymbols, "ETHUSDT")

	require.Len(t, ticks, 1)
	tick := ticks[0]
	assert.Equal(t, "BTCUSDT", tick.Symbol)
	assert.Equal(t, 50500.0, tick.Price)
	assert.Equal(t, -250.10, tick.Change)
	assert.Equal(t, -0.49, tick.ChangePercent)
	assert.Equal(t, 21000.5, tick.Volume)
	require.NotNil(t, tick.High24h)
	assert.Equal(t, 51200.0, *tick.High24h)
	require.NotNil(t, tick.Low24h)
	assert.Equal(t, 49800.0, *tick.Low24h)
	assert.Equal(t, SourceBinanceREST, tick.Source)
	assert.Equal(t, clock.Now(), tick.Timestamp)
}

func TestBinanceREST_FetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{"code":-1003,"msg":"Too many requests"}`))
	}))
	t.Cleanup(srv.Close)

	_, err := NewBinanceREST(srv.URL, []string{"BTCUSDT"}, nil).Fetch(context.Background())
	assert.Error(t, err)
}
