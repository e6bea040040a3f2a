package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
	"github.com/alanyoungcy/oraclemarket/internal/engine"
	"github.com/alanyoungcy/oraclemarket/internal/server/handler"
	"github.com/alanyoungcy/oraclemarket/internal/server/middleware"
	"github.com/alanyoungcy/oraclemarket/internal/store/memory"
)

var (
	adminAddr    = common.HexToAddress("0xad00000000000000000000000000000000000001")
	treasuryAddr = common.HexToAddress("0x7e00000000000000000000000000000000000002")
	creator      = "0xC000000000000000000000000000000000000003"
	alice        = "0xA000000000000000000000000000000000000004"
)

const apiKey = "test-key"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type staticFeed struct {
	price decimal.Decimal
	err   error
}

func (f staticFeed) GetPrice(_ context.Context, asset string) (decimal.Decimal, bool, error) {
	if f.err != nil {
		return decimal.Zero, false, f.err
	}
	if asset != "btc" {
		return decimal.Zero, false, nil
	}
	return f.price, true, nil
}

type fixture struct {
	t     *testing.T
	h     http.Handler
	clock *clock
	eng   *engine.Engine
	audit *memory.AuditLog
}

func newFixture(t *testing.T, feed domain.PriceFeed) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := engine.DefaultConfig()
	cfg.Admin = adminAddr
	cfg.TreasuryAddress = treasuryAddr
	eng, err := engine.New(cfg, engine.Deps{Journal: memory.NewJournal(), Clock: c})
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	audit := memory.NewAuditLog()
	handlers := Handlers{
		Health:     handler.NewHealthHandler(engine.Version, nil, logger),
		Markets:    handler.NewMarketHandler(eng, logger),
		Funds:      handler.NewFundsHandler(eng, logger),
		Trades:     handler.NewTradeHandler(eng, logger),
		Resolution: handler.NewResolutionHandler(eng, audit, logger),
		Admin:      handler.NewAdminHandler(eng, audit, logger),
		Prices:     handler.NewPriceHandler(feed, logger),
	}
	h := Routes(Config{
		APIKey: apiKey,
		Admin:  middleware.AdminConfig{Admin: adminAddr},
	}, handlers, nil, nil, logger)
	return &fixture{t: t, h: h, clock: c, eng: eng, audit: audit}
}

func (f *fixture) do(method, path string, body any, headers ...string) (int, map[string]any) {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(f.t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func (f *fixture) createMarket() {
	f.t.Helper()
	code, _ := f.do(http.MethodPost, "/api/deposits", map[string]string{"participant": creator, "amount": "100"})
	require.Equal(f.t, http.StatusOK, code)

	code, body := f.do(http.MethodPost, "/api/markets", map[string]any{
		"creator":   creator,
		"question":  "Will the committee publish its report?",
		"category":  "politics",
		"deadline":  f.clock.Now().Add(time.Hour),
		"liquidity": "50",
	})
	require.Equal(f.t, http.StatusCreated, code, body)
	require.Equal(f.t, float64(1), body["id"])
}

func TestMarketLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t, nil)
	f.createMarket()

	code, body := f.do(http.MethodGet, "/api/markets/1/price?side=yes", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(5000), body["bps"])
	assert.Equal(t, float64(50), body["percent"])

	code, body = f.do(http.MethodPost, "/api/deposits", map[string]string{"participant": alice, "amount": "20"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "20", body["balance"])

	code, body = f.do(http.MethodPost, "/api/markets/1/buy", map[string]string{"participant": alice, "side": "yEs", "amount": "10"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "0.2", body["fee"])
	assert.Equal(t, "yes", body["side"])

	code, body = f.do(http.MethodGet, "/api/markets/1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Greater(t, body["yes_price_bps"], float64(5000))
	assert.Equal(t, "open", body["effective_status"])

	code, body = f.do(http.MethodGet, "/api/markets/1/positions/"+alice, nil)
	require.Equal(t, http.StatusOK, code)
	assert.NotEqual(t, "0", body["yes_shares"])

	f.clock.advance(2 * time.Hour)
	code, body = f.do(http.MethodPost, "/api/markets/1/propose", map[string]string{"participant": alice, "outcome": "yes"})
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "5", body["bond"])

	code, body = f.do(http.MethodPost, "/api/markets/1/finalize", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "challenge_window_still_open", body["code"])

	f.clock.advance(25 * time.Hour)
	code, body = f.do(http.MethodPost, "/api/markets/1/finalize", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "resolved", body["status"])
	assert.Equal(t, "yes", body["outcome"])

	code, body = f.do(http.MethodPost, "/api/markets/1/claim", map[string]string{"participant": alice})
	require.Equal(t, http.StatusOK, code, body)
	payout, err := decimal.NewFromString(body["payout"].(string))
	require.NoError(t, err)
	assert.True(t, payout.GreaterThan(decimal.NewFromInt(10)))

	code, body = f.do(http.MethodGet, "/api/admin/audit", nil, "X-API-Key", apiKey)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["balanced"])

	code, body = f.do(http.MethodPost, "/api/admin/treasury/sweep", nil, "X-API-Key", apiKey)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "0.2", body["swept"])

	code, body = f.do(http.MethodGet, "/api/balances/"+treasuryAddr.Hex(), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "0.2", body["balance"])

	entries, err := f.audit.List(context.Background(), domain.AuditQuery{EventPrefix: domain.AuditTreasurySwept})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, adminAddr.Hex(), entries[0].Actor)
	assert.Equal(t, "0.2", entries[0].Detail["amount"])
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t, nil)
	f.createMarket()

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"bad id", http.MethodGet, "/api/markets/abc", nil, http.StatusBadRequest},
		{"unknown market", http.MethodGet, "/api/markets/99", nil, http.StatusNotFound},
		{"unknown market price", http.MethodGet, "/api/markets/99/price", nil, http.StatusNotFound},
		{"bad side", http.MethodPost, "/api/markets/1/buy", map[string]string{"participant": alice, "side": "maybe", "amount": "1"}, http.StatusBadRequest},
		{"bad address", http.MethodPost, "/api/deposits", map[string]string{"participant": "alice", "amount": "1"}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/deposits", map[string]string{"participant": alice, "amount": "1", "memo": "x"}, http.StatusBadRequest},
		{"zero amount", http.MethodPost, "/api/deposits", map[string]string{"participant": alice, "amount": "0"}, http.StatusBadRequest},
		{"sub-wei amount", http.MethodPost, "/api/deposits", map[string]string{"participant": alice, "amount": "1.0000000000000000009"}, http.StatusBadRequest},
		{"insufficient", http.MethodPost, "/api/markets/1/buy", map[string]string{"participant": alice, "side": "yes", "amount": "5"}, http.StatusConflict},
		{"no proposal", http.MethodGet, "/api/markets/1/proposal", nil, http.StatusUnprocessableEntity},
		{"early propose", http.MethodPost, "/api/markets/1/propose", map[string]string{"participant": creator, "outcome": "no"}, http.StatusUnprocessableEntity},
		{"propose needs outcome", http.MethodPost, "/api/markets/1/propose", map[string]string{"participant": creator}, http.StatusBadRequest},
		{"admin without key", http.MethodPost, "/api/markets/1/void", nil, http.StatusUnauthorized},
		{"no feed", http.MethodGet, "/api/prices/btc", nil, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := f.do(tc.method, tc.path, tc.body)
			assert.Equal(t, tc.want, code, body)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestAdminVoidAndAdjudicate(t *testing.T) {
	f := newFixture(t, nil)
	f.createMarket()

	code, body := f.do(http.MethodPost, "/api/markets/1/adjudicate", map[string]string{"outcome": "yes"}, "X-API-Key", apiKey)
	assert.Equal(t, http.StatusUnprocessableEntity, code, body)

	code, body = f.do(http.MethodPost, "/api/markets/1/void", nil, "Authorization", "Bearer "+apiKey)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "voided", body["status"])

	code, body = f.do(http.MethodPost, "/api/markets/1/claim", map[string]string{"participant": creator})
	assert.Equal(t, http.StatusUnprocessableEntity, code, "voided markets refund at void time")
	assert.Equal(t, "market_not_resolved", body["code"])

	_, body = f.do(http.MethodGet, "/api/balances/"+creator, nil)
	bal, err := decimal.NewFromString(body["balance"].(string))
	require.NoError(t, err)
	assert.True(t, bal.Sub(decimal.NewFromInt(100)).Abs().LessThan(decimal.New(1, -12)), bal.String())

	// Only the committed void is on the trail; the refused adjudication is not.
	code, body = f.do(http.MethodGet, "/api/admin/audit-log?event=admin.&market_id=1", nil, "X-API-Key", apiKey)
	require.Equal(t, http.StatusOK, code, body)
	entries := body["entries"].([]any)
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]any)
	assert.Equal(t, domain.AuditMarketVoided, entry["event"])
	assert.Equal(t, adminAddr.Hex(), entry["actor"])
	assert.Equal(t, float64(1), entry["market_id"])
	assert.NotEmpty(t, entry["detail"].(map[string]any)["request_id"])

	code, _ = f.do(http.MethodGet, "/api/admin/audit-log", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = f.do(http.MethodGet, "/api/admin/audit-log?since=yesterday", nil, "X-API-Key", apiKey)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPricesAndHealth(t *testing.T) {
	f := newFixture(t, staticFeed{price: decimal.RequireFromString("64250.5")})

	code, body := f.do(http.MethodGet, "/api/prices/BTC", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "bitcoin", body["coin_id"])
	assert.Equal(t, "64250.5", body["price_usd"])

	code, _ = f.do(http.MethodGet, "/api/prices/doge", nil)
	assert.Equal(t, http.StatusNotFound, code)

	down := newFixture(t, staticFeed{err: domain.NewError("oracle: coingecko", domain.ErrOracleUnavailable)})
	code, body = down.do(http.MethodGet, "/api/prices/btc", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unavailable", body["kind"])

	code, body = f.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	code, body = f.do(http.MethodGet, "/api/version", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, engine.Version, body["version"])
}

func TestHealthReportsFailingCheck(t *testing.T) {
	h := handler.NewHealthHandler("x", map[string]handler.Check{
		"journal": func(context.Context) error { return nil },
		"redis":   func(context.Context) error { return errors.New("connection refused") },
	}, slog.New(slog.DiscardHandler))

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}
