package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
)

// PriceCache implements domain.PriceCache. Each asset is a hash at
// "<ns>:price:<asset>" with the decimal price and the observation time in
// Unix milliseconds. Entries expire after ttl so a stalled feed never serves
// old prices indefinitely.
type PriceCache struct {
	c   *Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache. A zero ttl keeps entries forever.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{c: c, ttl: ttl}
}

// SetPrice stores the latest price for asset.
func (pc *PriceCache) SetPrice(ctx context.Context, asset string, price decimal.Decimal, ts time.Time) error {
	key := pc.c.Key("price", asset)
	pipe := pc.c.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixMilli(), 10),
	})
	if pc.ttl > 0 {
		pipe.PExpire(ctx, key, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", asset, err)
	}
	return nil
}

// GetPrice returns the cached price for asset, or domain.ErrNotFound.
func (pc *PriceCache) GetPrice(ctx context.Context, asset string) (decimal.Decimal, time.Time, error) {
	vals, err := pc.c.rdb.HGetAll(ctx, pc.c.Key("price", asset)).Result()
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", asset, err)
	}
	price, ts, ok, err := parsePrice(vals)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", asset, err)
	}
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return price, ts, nil
}

// GetPrices fetches several assets in one pipeline. Missing or malformed
// entries are omitted.
func (pc *PriceCache) GetPrices(ctx context.Context, assets []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(assets))
	if len(assets) == 0 {
		return out, nil
	}

	pipe := pc.c.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(assets))
	for _, a := range assets {
		cmds[a] = pipe.HGetAll(ctx, pc.c.Key("price", a))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices: %w", err)
	}

	for a, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		if price, _, ok, err := parsePrice(vals); err == nil && ok {
			out[a] = price
		}
	}
	return out, nil
}

func parsePrice(vals map[string]string) (decimal.Decimal, time.Time, bool, error) {
	ps, ok := vals["price"]
	if !ok {
		return decimal.Zero, time.Time{}, false, nil
	}
	price, err := decimal.NewFromString(ps)
	if err != nil {
		return decimal.Zero, time.Time{}, false, fmt.Errorf("parse price: %w", err)
	}
	var ts time.Time
	if s, ok := vals["ts"]; ok {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return decimal.Zero, time.Time{}, false, fmt.Errorf("parse ts: %w", err)
		}
		ts = time.UnixMilli(ms).UTC()
	}
	return price, ts, true, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
