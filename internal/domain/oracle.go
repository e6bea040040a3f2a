package domain

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PriceFeed looks up the current USD price of an asset. ok is false when the
// feed has no price for the asset; err is set when the feed could not be
// reached. A feed never fabricates a value.
type PriceFeed interface {
	GetPrice(ctx context.Context, asset string) (price decimal.Decimal, ok bool, err error)
}

// Clock is the single time source shared by the engine and its drivers.
type Clock interface {
	Now() time.Time
}

// MonotonicClock wraps a source and never reports a time earlier than one it
// already returned.
type MonotonicClock struct {
	mu     sync.Mutex
	source func() time.Time
	last   time.Time
}

// NewMonotonicClock returns a clock over source, or time.Now when nil.
func NewMonotonicClock(source func() time.Time) *MonotonicClock {
	if source == nil {
		source = time.Now
	}
	return &MonotonicClock{source: source}
}

// Now returns the current time in UTC.
func (c *MonotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.source().UTC()
	if now.Before(c.last) {
		return c.last
	}
	c.last = now
	return now
}
