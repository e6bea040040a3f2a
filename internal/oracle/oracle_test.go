package oracle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *CoinGecko {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewCoinGecko(Config{BaseURL: srv.URL, RequestsPerMinute: 60000, APIKey: "demo"}, nil)
}

func TestCoinID(t *testing.T) {
	cases := map[string]string{
		"BTC":      "bitcoin",
		"eth":      "ethereum",
		" sol ":    "solana",
		"mon":      "monad",
		"dogecoin": "dogecoin",
	}
	for in, want := range cases {
		assert.Equal(t, want, CoinID(in), in)
	}
}

func TestCoinGeckoGetPrice(t *testing.T) {
	var gotQuery, gotKey string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/simple/price", r.URL.Path)
		gotQuery = r.URL.RawQuery
		gotKey = r.Header.Get("x-cg-demo-api-key")
		fmt.Fprint(w, `{"bitcoin":{"usd":64123.45}}`)
	})

	p, ok, err := c.GetPrice(context.Background(), "BTC")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, p.Equal(decimal.RequireFromString("64123.45")), p.String())
	assert.Equal(t, "ids=bitcoin&vs_currencies=usd", gotQuery)
	assert.Equal(t, "demo", gotKey)
}

func TestCoinGeckoUnknownAsset(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{}`)
	})

	_, ok, err := c.GetPrice(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCoinGeckoFailuresAreUnavailable(t *testing.T) {
	cases := []struct {
		name string
		h    http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTooManyRequests) }},
		{"bad body", func(w http.ResponseWriter, _ *http.Request) { fmt.Fprint(w, `<html>`) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, tc.h)
			_, ok, err := c.GetPrice(context.Background(), "eth")
			require.Error(t, err)
			assert.False(t, ok)
			assert.ErrorIs(t, err, domain.ErrOracleUnavailable)
			assert.True(t, domain.IsRetryable(err))
		})
	}
}

func TestCoinGeckoGetPrices(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bitcoin,ethereum", r.URL.Query().Get("ids"))
		fmt.Fprint(w, `{"bitcoin":{"usd":60000},"ethereum":{"usd":"3000.5"}}`)
	})

	got, err := c.GetPrices(context.Background(), []string{"btc", "bitcoin", "eth"})
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.True(t, got["eth"].Equal(decimal.RequireFromString("3000.5")))
	assert.True(t, got["btc"].Equal(got["bitcoin"]))
}

type stubFeed struct {
	calls atomic.Int32
	price decimal.Decimal
	ok    bool
	err   error
}

func (s *stubFeed) GetPrice(context.Context, string) (decimal.Decimal, bool, error) {
	s.calls.Add(1)
	return s.price, s.ok, s.err
}

type memCache struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	stamps map[string]time.Time
}

func newMemCache() *memCache {
	return &memCache{prices: map[string]decimal.Decimal{}, stamps: map[string]time.Time{}}
}

func (m *memCache) SetPrice(_ context.Context, asset string, p decimal.Decimal, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[asset], m.stamps[asset] = p, ts
	return nil
}

func (m *memCache) GetPrice(_ context.Context, asset string) (decimal.Decimal, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[asset]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return p, m.stamps[asset], nil
}

func (m *memCache) GetPrices(context.Context, []string) (map[string]decimal.Decimal, error) {
	return nil, nil
}

type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time { return c.now }

func TestCachedServesFreshEntries(t *testing.T) {
	ctx := context.Background()
	clock := &manualClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	up := &stubFeed{price: decimal.NewFromInt(100), ok: true}
	cache := newMemCache()
	c := NewCached(up, cache, clock, time.Minute, nil)

	p, ok, err := c.GetPrice(ctx, "ETH")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, p.Equal(decimal.NewFromInt(100)))

	up.price = decimal.NewFromInt(200)
	clock.now = clock.now.Add(30 * time.Second)
	p, _, _ = c.GetPrice(ctx, "eth")
	assert.True(t, p.Equal(decimal.NewFromInt(100)), "cached within max age")
	assert.Equal(t, int32(1), up.calls.Load())

	clock.now = clock.now.Add(time.Minute)
	p, _, _ = c.GetPrice(ctx, "eth")
	assert.True(t, p.Equal(decimal.NewFromInt(200)), "refreshed after max age")
	assert.Equal(t, int32(2), up.calls.Load())
}

func TestCachedFallsBackToStale(t *testing.T) {
	ctx := context.Background()
	clock := &manualClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	cache := newMemCache()
	require.NoError(t, cache.SetPrice(ctx, "bitcoin", decimal.NewFromInt(50000), clock.now.Add(-time.Hour)))
	up := &stubFeed{err: errors.New("boom")}
	c := NewCached(up, cache, clock, time.Minute, nil)

	p, ok, err := c.GetPrice(ctx, "btc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, p.Equal(decimal.NewFromInt(50000)))

	_, ok, err = c.GetPrice(ctx, "sol")
	require.Error(t, err)
	assert.False(t, ok)
}
