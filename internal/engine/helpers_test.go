package engine

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
	"github.com/alanyoungcy/oraclemarket/internal/store/memory"
)

var (
	admin    = common.HexToAddress("0xad00000000000000000000000000000000000001")
	treasury = common.HexToAddress("0x7e00000000000000000000000000000000000002")
	creator  = common.HexToAddress("0xc000000000000000000000000000000000000003")
	alice    = common.HexToAddress("0xa000000000000000000000000000000000000004")
	bob      = common.HexToAddress("0xb000000000000000000000000000000000000005")
	carol    = common.HexToAddress("0xca00000000000000000000000000000000000006")
	dave     = common.HexToAddress("0xda00000000000000000000000000000000000007")
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeFeed struct {
	mu    sync.Mutex
	price decimal.Decimal
	ok    bool
	err   error
	calls int
}

func (f *fakeFeed) GetPrice(_ context.Context, _ string) (decimal.Decimal, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.price, f.ok, f.err
}

func (f *fakeFeed) set(price string, ok bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price = decimal.RequireFromString(price)
	f.ok = ok
	f.err = err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, events []domain.Event) {
	p.mu.Lock()
	p.events = append(p.events, events...)
	p.mu.Unlock()
}

func (p *recordingPublisher) types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventType, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	eng     *Engine
	clock   *fakeClock
	feed    *fakeFeed
	journal *memory.Journal
	pub     *recordingPublisher
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Admin = admin
	cfg.TreasuryAddress = treasury
	return cfg
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		ctx:     context.Background(),
		clock:   &fakeClock{now: epoch},
		feed:    &fakeFeed{},
		journal: memory.NewJournal(),
		pub:     &recordingPublisher{},
	}
	h.eng = h.engineOver(h.journal)
	return h
}

func (h *harness) engineOver(j domain.Journal) *Engine {
	h.t.Helper()
	eng, err := New(testConfig(), Deps{
		Journal:   j,
		Feed:      h.feed,
		Clock:     h.clock,
		Publisher: h.pub,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(h.t, err)
	return eng
}

func (h *harness) deposit(who common.Address, units int64) {
	h.t.Helper()
	require.NoError(h.t, h.eng.Deposit(h.ctx, who, domain.Units(units)))
}

func (h *harness) generic(liquidity int64) uint64 {
	h.t.Helper()
	h.deposit(creator, liquidity)
	id, err := h.eng.CreateMarket(h.ctx, CreateMarketRequest{
		Creator:   creator,
		Question:  "Will the committee publish its report this year?",
		Category:  domain.CategoryPolitics,
		Deadline:  h.clock.Now().Add(time.Hour),
		Liquidity: domain.Units(liquidity),
	})
	require.NoError(h.t, err)
	return id
}

func (h *harness) crypto(liquidity int64, asset, target string, above bool) uint64 {
	h.t.Helper()
	h.deposit(creator, liquidity)
	price := decimal.RequireFromString(target)
	id, err := h.eng.CreateMarket(h.ctx, CreateMarketRequest{
		Creator:     creator,
		Question:    "Will " + asset + " close the window above the target?",
		Category:    domain.CategoryCrypto,
		Deadline:    h.clock.Now().Add(time.Hour),
		TargetAsset: &asset,
		TargetPrice: &price,
		PriceAbove:  &above,
		Liquidity:   domain.Units(liquidity),
	})
	require.NoError(h.t, err)
	return id
}

func (h *harness) market(id uint64) MarketView {
	h.t.Helper()
	v, err := h.eng.GetMarket(id)
	require.NoError(h.t, err)
	return v
}

func (h *harness) requireBalanced() AuditReport {
	h.t.Helper()
	r := h.eng.Audit(h.ctx)
	require.Truef(h.t, r.Balanced(), "audit violations: %v", r.Violations)
	return r
}

func price(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func assertAmount(t *testing.T, want, got *big.Int, msgAndArgs ...any) {
	t.Helper()
	require.NotNil(t, got, msgAndArgs...)
	require.Equalf(t, 0, want.Cmp(got), "want %s got %s", domain.FormatUnits(want), domain.FormatUnits(got))
}
