// Package oracle implements domain.PriceFeed against CoinGecko's public
// simple-price endpoint, plus a cached variant for informational reads.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
)

// DefaultBaseURL is CoinGecko's public API root.
const DefaultBaseURL = "https://api.coingecko.com/api/v3"

// coinIDs maps ticker symbols to CoinGecko coin ids. Unknown assets are
// passed through lowercased.
var coinIDs = map[string]string{
	"btc": "bitcoin",
	"eth": "ethereum",
	"sol": "solana",
	"mon": "monad",
}

// CoinID resolves an asset symbol or name to a CoinGecko coin id.
func CoinID(asset string) string {
	a := strings.ToLower(strings.TrimSpace(asset))
	if id, ok := coinIDs[a]; ok {
		return id
	}
	return a
}

// Config configures a CoinGecko client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RequestsPerMinute paces outgoing calls; the public tier allows ~30.
	RequestsPerMinute int
}

// CoinGecko is a rate-limited CoinGecko price client.
type CoinGecko struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewCoinGecko creates a client. Zero config values fall back to the public
// endpoint, a 10s timeout and 30 requests per minute.
func NewCoinGecko(cfg Config, logger *slog.Logger) *CoinGecko {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 30
	}
	if logger == nil {
		logger = slog.Default()
	}
	every := time.Minute / time.Duration(cfg.RequestsPerMinute)
	return &CoinGecko{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Every(every), 1),
		logger:     logger.With(slog.String("component", "coingecko")),
	}
}

// GetPrice returns the USD price of asset. ok is false when CoinGecko has no
// USD quote for it; transport and HTTP failures are returned as errors
// wrapping domain.ErrOracleUnavailable.
func (c *CoinGecko) GetPrice(ctx context.Context, asset string) (decimal.Decimal, bool, error) {
	id := CoinID(asset)
	if id == "" {
		return decimal.Zero, false, nil
	}
	prices, err := c.fetch(ctx, []string{id})
	if err != nil {
		return decimal.Zero, false, err
	}
	p, ok := prices[id]
	return p, ok, nil
}

// GetPrices returns USD prices keyed by the asset as given. Assets without a
// quote are omitted.
func (c *CoinGecko) GetPrices(ctx context.Context, assets []string) (map[string]decimal.Decimal, error) {
	ids := make([]string, 0, len(assets))
	seen := make(map[string]bool, len(assets))
	for _, a := range assets {
		id := CoinID(a)
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	out := make(map[string]decimal.Decimal, len(assets))
	if len(ids) == 0 {
		return out, nil
	}
	prices, err := c.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, a := range assets {
		if p, ok := prices[CoinID(a)]; ok {
			out[a] = p
		}
	}
	return out, nil
}

func (c *CoinGecko) fetch(ctx context.Context, ids []string) (map[string]decimal.Decimal, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("coingecko: rate limit wait: %v: %w", err, domain.ErrOracleUnavailable)
	}

	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")
	endpoint := c.baseURL + "/simple/price?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("coingecko: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coingecko: request: %v: %w", err, domain.ErrOracleUnavailable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("coingecko: read body: %v: %w", err, domain.ErrOracleUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.WarnContext(ctx, "coingecko: unexpected status",
			slog.Int("status", resp.StatusCode),
			slog.String("ids", strings.Join(ids, ",")),
		)
		return nil, fmt.Errorf("coingecko: status %d: %w", resp.StatusCode, domain.ErrOracleUnavailable)
	}

	var payload map[string]map[string]json.Number
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("coingecko: decode response: %v: %w", err, domain.ErrOracleUnavailable)
	}

	out := make(map[string]decimal.Decimal, len(payload))
	for id, quotes := range payload {
		raw, ok := quotes["usd"]
		if !ok {
			continue
		}
		p, err := decimal.NewFromString(raw.String())
		if err != nil || !p.IsPositive() {
			continue
		}
		out[id] = p
	}
	return out, nil
}

var _ domain.PriceFeed = (*CoinGecko)(nil)
