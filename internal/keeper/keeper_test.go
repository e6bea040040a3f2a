package keeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
	"github.com/alanyoungcy/oraclemarket/internal/engine"
	"github.com/alanyoungcy/oraclemarket/internal/store/memory"
)

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

var (
	creator  = common.HexToAddress("0xc000000000000000000000000000000000000003")
	proposer = common.HexToAddress("0xa000000000000000000000000000000000000004")
	keeperID = common.HexToAddress("0x4e00000000000000000000000000000000000009")
)

func newEngine(t *testing.T, c *clock) *engine.Engine {
	t.Helper()
	eng, err := engine.New(engine.DefaultConfig(), engine.Deps{Journal: memory.NewJournal(), Clock: c})
	require.NoError(t, err)
	return eng
}

func openMarket(t *testing.T, eng *engine.Engine, c *clock) uint64 {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, eng.Deposit(ctx, creator, domain.Units(100)))
	id, err := eng.CreateMarket(ctx, engine.CreateMarketRequest{
		Creator:   creator,
		Question:  "Will the committee publish its report?",
		Category:  domain.CategoryPolitics,
		Deadline:  c.Now().Add(time.Hour),
		Liquidity: domain.Units(50),
	})
	require.NoError(t, err)
	return id
}

func TestTickFinalizesAndVoids(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	eng := newEngine(t, c)

	proposed := openMarket(t, eng, c)
	stale := openMarket(t, eng, c)
	c.advance(2 * time.Hour)

	require.NoError(t, eng.Deposit(ctx, proposer, domain.Units(10)))
	require.NoError(t, eng.ProposeOutcome(ctx, engine.ProposeRequest{
		MarketID: proposed, Proposer: proposer, Outcome: domain.OutcomeYes,
	}))

	k := New(eng, nil, nil, Config{Caller: keeperID}, nil)

	res, err := k.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickResult{}, res, "nothing is due inside the windows")

	c.advance(25 * time.Hour)
	res, err = k.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Finalized)

	m, err := eng.GetMarket(proposed)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolved, m.Market.Status)
	assert.Equal(t, 0, eng.Balance(proposer).Cmp(domain.Units(10)), "bond returned")

	c.advance(7 * 24 * time.Hour)
	res, err = k.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Voided)

	m, err = eng.GetMarket(stale)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusVoided, m.Market.Status)
	assert.True(t, eng.Audit(ctx).Balanced())
}

func TestTickSkipsWhenLockHeld(t *testing.T) {
	locks := NewLocalLocks()
	release, err := locks.Acquire(context.Background(), tickLockKey, time.Minute)
	require.NoError(t, err)

	c := &clock{now: time.Now()}
	k := New(newEngine(t, c), locks, nil, Config{}, nil)
	res, err := k.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	release()
	release()
	res, err = k.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Skipped)
}

type scriptedEngine struct {
	actions []engine.Action
	errs    map[uint64]error
}

func (s *scriptedEngine) Now() time.Time { return time.Time{} }
func (s *scriptedEngine) PendingActions(time.Time) []engine.Action { return s.actions }

func (s *scriptedEngine) FinalizeResolution(_ context.Context, id uint64) (engine.FinalizeResult, error) {
	if err := s.errs[id]; err != nil {
		return engine.FinalizeResult{}, err
	}
	return engine.FinalizeResult{Status: domain.MarketStatusResolved, Outcome: domain.OutcomeNo}, nil
}

func (s *scriptedEngine) VoidMarket(_ context.Context, _ common.Address, id uint64) error {
	return s.errs[id]
}

func TestTickClassifiesFailures(t *testing.T) {
	eng := &scriptedEngine{
		actions: []engine.Action{
			{MarketID: 1, Kind: engine.ActionFinalize},
			{MarketID: 2, Kind: engine.ActionFinalize},
			{MarketID: 3, Kind: engine.ActionFinalize},
			{MarketID: 4, Kind: engine.ActionVoid},
			{MarketID: 5, Kind: engine.ActionFinalize},
		},
		errs: map[uint64]error{
			2: domain.NewError("engine: finalize", domain.ErrOracleUnavailable),
			3: domain.NewError("engine: finalize", domain.ErrAwaitingAdjudication),
			5: errors.New("boom"),
		},
	}
	res, err := New(eng, nil, nil, Config{}, nil).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickResult{Finalized: 1, Voided: 1, Deferred: 2, Failed: 1}, res)
}

type fakeArchiver struct {
	cutoffs []time.Time
}

func (f *fakeArchiver) ArchiveJournal(_ context.Context, before time.Time) (domain.ArchiveResult, error) {
	f.cutoffs = append(f.cutoffs, before)
	return domain.ArchiveResult{Events: 3}, nil
}

func TestArchiveJobUsesRetention(t *testing.T) {
	c := &clock{now: time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)}
	arch := &fakeArchiver{}
	job, err := NewArchiveJob(arch, c, 30*24*time.Hour, "0 3 * * *", nil)
	require.NoError(t, err)

	res, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Events)
	require.Len(t, arch.cutoffs, 1)
	assert.Equal(t, time.Date(2026, 5, 2, 3, 0, 0, 0, time.UTC), arch.cutoffs[0])

	_, err = NewArchiveJob(arch, c, time.Hour, "0 25 * * *", nil)
	require.Error(t, err)
}

func TestNextCronTime(t *testing.T) {
	after := time.Date(2026, 3, 1, 12, 34, 56, 0, time.UTC)
	cases := []struct {
		expr string
		want time.Time
	}{
		{"* * * * *", time.Date(2026, 3, 1, 12, 35, 0, 0, time.UTC)},
		{"0 3 * * *", time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 3, 1, 12, 45, 0, 0, time.UTC)},
		{"0 0 1 * *", time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := nextCronTime(tc.expr, after)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := nextCronTime("0 3 * *", after)
	require.Error(t, err)
	_, err = nextCronTime("*/0 * * * *", after)
	require.Error(t, err)
}
