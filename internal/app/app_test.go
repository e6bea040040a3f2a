package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oraclemarket/internal/config"
	"github.com/alanyoungcy/oraclemarket/internal/domain"
	"github.com/alanyoungcy/oraclemarket/internal/engine"
	"github.com/alanyoungcy/oraclemarket/internal/oracle"
	"github.com/alanyoungcy/oraclemarket/internal/server/middleware"
	"github.com/alanyoungcy/oraclemarket/internal/store/memory"
)

var participant = common.HexToAddress("0xa000000000000000000000000000000000000004")

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestEngineConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Engine.FeeBps = 150
	cfg.Engine.ProposalBond = "2.5"
	cfg.Engine.Admin = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

	got, err := EngineConfig(cfg.Engine)
	require.NoError(t, err)
	assert.Equal(t, int64(150), got.FeeBps)
	assert.Equal(t, "2.5", domain.FormatUnits(got.ProposalBond))
	assert.Equal(t, 0, got.ChallengeBond.Cmp(domain.Units(10)))
	assert.Equal(t, 24*time.Hour, got.ChallengeWindow)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), got.Admin)
	assert.Equal(t, common.Address{}, got.TreasuryAddress)

	cfg.Engine.MinLiquidity = "lots"
	_, err = EngineConfig(cfg.Engine)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_liquidity")

	cfg = config.Defaults()
	cfg.Engine.ChallengeBond = "1"
	_, err = EngineConfig(cfg.Engine)
	require.Error(t, err, "challenge bond below proposal bond")
}

func TestWireSingleNode(t *testing.T) {
	cfg := config.Defaults()
	cfg.Journal.Driver = "memory"
	cfg.Oracle.Provider = "none"

	deps, cleanup, err := Wire(context.Background(), &cfg, discard())
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, deps.Engine)
	assert.NotNil(t, deps.Hub)
	assert.NotNil(t, deps.Publisher)
	assert.Nil(t, deps.Feed)
	assert.Nil(t, deps.SignalBus)
	assert.Nil(t, deps.Archiver)
	assert.IsType(t, &middleware.LocalLimiter{}, deps.RateLimiter)
	assert.IsType(t, &memory.AuditLog{}, deps.Audit)
	assert.Empty(t, deps.Checks)
}

func TestWireKeepsAdjudicationUncached(t *testing.T) {
	cfg := config.Defaults()
	cfg.Journal.Driver = "memory"
	cfg.Oracle.Provider = "coingecko"

	deps, cleanup, err := Wire(context.Background(), &cfg, discard())
	require.NoError(t, err)
	defer cleanup()

	assert.IsType(t, &oracle.CoinGecko{}, deps.AdjudicationFeed)
	assert.Same(t, deps.AdjudicationFeed, deps.Feed, "no cache without redis")
}

type downFeed struct{}

func (downFeed) GetPrice(context.Context, string) (decimal.Decimal, bool, error) {
	return decimal.Zero, false, domain.NewError("oracle: coingecko", domain.ErrOracleUnavailable)
}

type warmCache struct {
	price decimal.Decimal
	at    time.Time
}

func (c *warmCache) SetPrice(context.Context, string, decimal.Decimal, time.Time) error { return nil }

func (c *warmCache) GetPrice(context.Context, string) (decimal.Decimal, time.Time, error) {
	return c.price, c.at, nil
}

func (c *warmCache) GetPrices(context.Context, []string) (map[string]decimal.Decimal, error) {
	return map[string]decimal.Decimal{"solana": c.price}, nil
}

func TestPriceFeedsNeverCacheAdjudication(t *testing.T) {
	ctx := context.Background()
	clock := domain.NewMonotonicClock(nil)
	cache := &warmCache{price: decimal.NewFromInt(150), at: clock.Now().Add(-time.Hour)}

	adjudication, informational := priceFeeds(downFeed{}, cache, clock, time.Minute, discard())
	assert.IsType(t, downFeed{}, adjudication)
	assert.IsType(t, &oracle.Cached{}, informational)

	_, _, err := adjudication.GetPrice(ctx, "sol")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrOracleUnavailable), "an outage must not be masked by a cached price")

	p, ok, err := informational.GetPrice(ctx, "sol")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, p.Equal(decimal.NewFromInt(150)))
}

func TestWireOneShotModesSkipFeed(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "replay"
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "journal.db")
	cfg.Signer.PrivateKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

	deps, cleanup, err := Wire(context.Background(), &cfg, discard())
	require.NoError(t, err)
	defer cleanup()

	assert.Nil(t, deps.Hub)
	assert.Nil(t, deps.Publisher)
	assert.NotNil(t, deps.Audit, "sqlite doubles as the audit store")
	require.NotNil(t, deps.Signer)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), keeperCaller(&cfg, deps.Signer))
}

func TestReplayModeReportsJournal(t *testing.T) {
	ctx := context.Background()
	cfg := config.Defaults()
	cfg.Mode = "replay"
	cfg.Oracle.Provider = "none"
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "journal.db")

	deps, cleanup, err := Wire(ctx, &cfg, discard())
	require.NoError(t, err)
	require.NoError(t, deps.Engine.Deposit(ctx, participant, domain.Units(100)))
	require.NoError(t, deps.Engine.Withdraw(ctx, participant, domain.Units(40)))
	cleanup()

	var out bytes.Buffer
	a := New(&cfg, discard())
	a.out = &out
	require.NoError(t, a.Run(ctx))
	a.Close()

	var report map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, float64(2), report["last_seq"])
	assert.Equal(t, float64(0), report["markets"])
	assert.NotContains(t, report, "violations")
}

func TestCopyJournalAppendsMissingTail(t *testing.T) {
	ctx := context.Background()

	live := memory.NewJournal()
	eng, err := engine.New(engine.DefaultConfig(), engine.Deps{Journal: live})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, eng.Deposit(ctx, participant, domain.Units(1)))
	}

	head, err := live.Read(ctx, domain.EventFilter{Limit: 1})
	require.NoError(t, err)
	history := memory.NewJournal()
	require.NoError(t, history.Append(ctx, head))

	n, err := copyJournal(ctx, live, history)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	last, err := history.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)

	n, err = copyJournal(ctx, live, history)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUnsupportedMode(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "trade"
	cfg.Journal.Driver = "memory"
	a := New(&cfg, discard())
	defer a.Close()
	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported mode "trade"`)
}
