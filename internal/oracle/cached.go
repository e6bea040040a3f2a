package oracle

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
)

// Cached serves informational price reads from a domain.PriceCache and goes
// to the upstream feed when the entry is missing or older than maxAge. When
// the upstream is down a stale cached price is returned instead.
//
// Dispute adjudication never goes through Cached; the engine always asks the
// upstream feed directly.
type Cached struct {
	upstream domain.PriceFeed
	cache    domain.PriceCache
	clock    domain.Clock
	maxAge   time.Duration
	logger   *slog.Logger
}

// NewCached wraps upstream with cache.
func NewCached(upstream domain.PriceFeed, cache domain.PriceCache, clock domain.Clock, maxAge time.Duration, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{
		upstream: upstream,
		cache:    cache,
		clock:    clock,
		maxAge:   maxAge,
		logger:   logger.With(slog.String("component", "price-cache")),
	}
}

// GetPrice implements domain.PriceFeed.
func (c *Cached) GetPrice(ctx context.Context, asset string) (decimal.Decimal, bool, error) {
	key := CoinID(asset)
	now := c.clock.Now()

	cached, ts, cacheErr := c.cache.GetPrice(ctx, key)
	hit := cacheErr == nil
	if cacheErr != nil && !errors.Is(cacheErr, domain.ErrNotFound) {
		c.logger.WarnContext(ctx, "price-cache: read failed",
			slog.String("asset", key),
			slog.String("error", cacheErr.Error()),
		)
	}
	if hit && now.Sub(ts) <= c.maxAge {
		return cached, true, nil
	}

	price, ok, err := c.upstream.GetPrice(ctx, asset)
	if err != nil {
		if hit {
			c.logger.WarnContext(ctx, "price-cache: serving stale price",
				slog.String("asset", key),
				slog.Duration("age", now.Sub(ts)),
				slog.String("error", err.Error()),
			)
			return cached, true, nil
		}
		return decimal.Zero, false, err
	}
	if !ok {
		return decimal.Zero, false, nil
	}
	if err := c.cache.SetPrice(ctx, key, price, now); err != nil {
		c.logger.WarnContext(ctx, "price-cache: write failed",
			slog.String("asset", strings.ToLower(key)),
			slog.String("error", err.Error()),
		)
	}
	return price, true, nil
}

var _ domain.PriceFeed = (*Cached)(nil)
