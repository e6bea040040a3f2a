package engine

import (
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
)

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.ChallengeBond = domain.Units(5)
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.FeeBps = 10_000
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.AutoVoidWindow = time.Hour
	assert.Error(t, cfg.Validate())
}

func TestCreateMarketValidation(t *testing.T) {
	h := newHarness(t)
	h.deposit(creator, 100)
	btc := "btc"

	base := CreateMarketRequest{
		Creator:   creator,
		Question:  "Will the bridge reopen before summer?",
		Category:  domain.CategoryOther,
		Deadline:  epoch.Add(time.Hour),
		Liquidity: domain.Units(10),
	}
	cases := map[string]func(r *CreateMarketRequest){
		"short question":       func(r *CreateMarketRequest) { r.Question = "Soon?" },
		"markup only":          func(r *CreateMarketRequest) { r.Question = "<b></b><i></i><u></u>" },
		"past deadline":        func(r *CreateMarketRequest) { r.Deadline = epoch },
		"low liquidity":        func(r *CreateMarketRequest) { r.Liquidity = domain.Units(9) },
		"unknown category":     func(r *CreateMarketRequest) { r.Category = "weather" },
		"target on generic":    func(r *CreateMarketRequest) { r.TargetAsset = &btc },
		"crypto without asset": func(r *CreateMarketRequest) { r.Category = domain.CategoryCrypto },
		"crypto with fine price": func(r *CreateMarketRequest) {
			r.Category = domain.CategoryCrypto
			r.TargetAsset = &btc
			r.TargetPrice = decPtr("100.1234567")
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := base
			mutate(&req)
			_, err := h.eng.CreateMarket(h.ctx, req)
			require.Error(t, err)
			assert.Equal(t, domain.KindValidation, domain.KindOf(err))
		})
	}
	assertAmount(t, domain.Units(100), h.eng.Balance(creator))
	assert.Zero(t, h.eng.CountMarkets())
}

func TestCreateMarketKeepsPlainText(t *testing.T) {
	h := newHarness(t)
	h.deposit(creator, 100)
	eth, above := "eth", true

	id, err := h.eng.CreateMarket(h.ctx, CreateMarketRequest{
		Creator:     creator,
		Question:    "Will ETH trade > $3,000 & <b>stay</b> there? Won't happen",
		Metadata:    `{"source":"a & b"}<script>alert(1)</script>`,
		Category:    domain.CategoryCrypto,
		Deadline:    epoch.Add(time.Hour),
		Liquidity:   domain.Units(10),
		TargetAsset: &eth,
		TargetPrice: decPtr("3000"),
		PriceAbove:  &above,
	})
	require.NoError(t, err)

	v := h.market(id)
	assert.Equal(t, "Will ETH trade > $3,000 & stay there? Won't happen", v.Question)
	assert.Equal(t, `{"source":"a & b"}`, v.Metadata)

	// 500 characters that each expand to an entity still fit.
	_, err = h.eng.CreateMarket(h.ctx, CreateMarketRequest{
		Creator:   creator,
		Question:  strings.Repeat("&", 500),
		Category:  domain.CategoryOther,
		Deadline:  epoch.Add(time.Hour),
		Liquidity: domain.Units(10),
	})
	require.NoError(t, err)
	h.requireBalanced()
}

func TestCreateMarketOpensAtEvenOdds(t *testing.T) {
	h := newHarness(t)
	id := h.generic(1000)
	assert.Equal(t, uint64(1), id)

	v := h.market(id)
	assert.Equal(t, domain.MarketStatusOpen, v.Status)
	assert.Equal(t, int64(5000), v.YesPriceBps)
	assert.Equal(t, int64(5000), v.NoPriceBps)
	assertAmount(t, domain.Units(1000), v.Collateral)
	assertAmount(t, new(big.Int), h.eng.Balance(creator))

	q, err := h.eng.Price(id, domain.SideYes)
	require.NoError(t, err)
	assert.Equal(t, int64(50), q.Percent)

	_, err = h.eng.Price(99, domain.SideYes)
	assert.ErrorIs(t, err, domain.ErrMarketNotFound)

	second := h.generic(10)
	assert.Equal(t, uint64(2), second)
	h.requireBalanced()
}

func TestCreateMarketRequiresBalance(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.CreateMarket(h.ctx, CreateMarketRequest{
		Creator:   creator,
		Question:  "Will the bridge reopen before summer?",
		Category:  domain.CategoryOther,
		Deadline:  epoch.Add(time.Hour),
		Liquidity: domain.Units(10),
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Zero(t, h.eng.CountMarkets())

	id := h.generic(10)
	assert.Equal(t, uint64(1), id, "failed creates must not consume ids")
}

func TestBuyMovesPriceAndChargesFee(t *testing.T) {
	h := newHarness(t)
	id := h.generic(1000)
	h.deposit(alice, 100)

	res, err := h.eng.Buy(h.ctx, id, alice, domain.SideYes, domain.Units(100))
	require.NoError(t, err)
	assertAmount(t, domain.Units(2), res.Fee)
	assert.True(t, res.Shares.Cmp(domain.Units(98)) > 0)

	v := h.market(id)
	assert.Greater(t, v.YesPriceBps, int64(5000))
	assertAmount(t, domain.Units(1098), v.Collateral)
	assertAmount(t, domain.Units(100), v.TotalVolume)
	assertAmount(t, domain.Units(2), h.eng.Treasury())
	assertAmount(t, new(big.Int), h.eng.Balance(alice))

	pos, err := h.eng.GetPosition(id, alice)
	require.NoError(t, err)
	assertAmount(t, res.Shares, pos.YesShares)
	h.requireBalanced()
}

func TestBuyFailuresLeaveStateUntouched(t *testing.T) {
	h := newHarness(t)
	id := h.generic(100)
	h.deposit(alice, 10)

	_, err := h.eng.Buy(h.ctx, id, alice, domain.SideYes, domain.Units(11))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	_, err = h.eng.Buy(h.ctx, id, alice, domain.SideYes, new(big.Int))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = h.eng.Buy(h.ctx, id, alice, "maybe", domain.Units(1))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = h.eng.Buy(h.ctx, 42, alice, domain.SideYes, domain.Units(1))
	assert.ErrorIs(t, err, domain.ErrMarketNotFound)

	v := h.market(id)
	assertAmount(t, domain.Units(100), v.YesPool)
	assertAmount(t, domain.Units(10), h.eng.Balance(alice))
	h.requireBalanced()
}

func TestSellReturnsCollateral(t *testing.T) {
	h := newHarness(t)
	id := h.generic(1000)
	h.deposit(alice, 100)

	bought, err := h.eng.Buy(h.ctx, id, alice, domain.SideNo, domain.Units(100))
	require.NoError(t, err)

	_, err = h.eng.Sell(h.ctx, id, alice, domain.SideNo, new(big.Int).Add(bought.Shares, big.NewInt(1)))
	assert.ErrorIs(t, err, domain.ErrInsufficientShares)
	_, err = h.eng.Sell(h.ctx, id, alice, domain.SideYes, domain.Units(1))
	assert.ErrorIs(t, err, domain.ErrInsufficientShares)

	sold, err := h.eng.Sell(h.ctx, id, alice, domain.SideNo, bought.Shares)
	require.NoError(t, err)
	// Selling everything back returns the net amount, less rounding.
	diff := new(big.Int).Sub(domain.Units(98), sold.Amount)
	assert.True(t, diff.Sign() >= 0 && diff.Cmp(big.NewInt(2)) <= 0, "diff %s", diff)
	assertAmount(t, sold.Amount, h.eng.Balance(alice))

	pos, err := h.eng.GetPosition(id, alice)
	require.NoError(t, err)
	assert.True(t, pos.Empty())
	h.requireBalanced()
}

func TestTradingClosesAtDeadline(t *testing.T) {
	h := newHarness(t)
	id := h.generic(100)
	h.deposit(alice, 10)
	h.clock.Advance(time.Hour)

	_, err := h.eng.Buy(h.ctx, id, alice, domain.SideYes, domain.Units(1))
	assert.ErrorIs(t, err, domain.ErrDeadlinePassed)
	assert.Equal(t, domain.MarketStatusPendingResolution, h.market(id).EffectiveStatus)
	assert.Equal(t, domain.MarketStatusOpen, h.market(id).Status)
}

func TestSimpleResolutionAndClaims(t *testing.T) {
	h := newHarness(t)
	id := h.generic(1000)
	h.deposit(alice, 100)
	h.deposit(bob, 5)

	bought, err := h.eng.Buy(h.ctx, id, alice, domain.SideYes, domain.Units(100))
	require.NoError(t, err)

	err = h.eng.ProposeOutcome(h.ctx, ProposeRequest{MarketID: id, Proposer: bob, Outcome: domain.OutcomeYes})
	assert.ErrorIs(t, err, domain.ErrDeadlineNotPassed)

	h.clock.Advance(time.Hour)
	require.NoError(t, h.eng.ProposeOutcome(h.ctx, ProposeRequest{MarketID: id, Proposer: bob, Outcome: domain.OutcomeYes}))
	assertAmount(t, new(big.Int), h.eng.Balance(bob))
	assert.Equal(t, domain.ResolutionProposed, h.market(id).ResolutionState)

	err = h.eng.ProposeOutcome(h.ctx, ProposeRequest{MarketID: id, Proposer: alice, Outcome: domain.OutcomeNo})
	assert.ErrorIs(t, err, domain.ErrProposalExists)

	_, err = h.eng.FinalizeResolution(h.ctx, id)
	assert.ErrorIs(t, err, domain.ErrChallengeWindowOpen)

	_, err = h.eng.ClaimWinnings(h.ctx, id, alice)
	assert.ErrorIs(t, err, domain.ErrMarketNotResolved)

	h.clock.Advance(24 * time.Hour)
	res, err := h.eng.FinalizeResolution(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeYes, res.Outcome)
	assert.Equal(t, bob, res.Winner)
	assertAmount(t, domain.Units(5), h.eng.Balance(bob))

	_, err = h.eng.GetProposal(id)
	assert.ErrorIs(t, err, domain.ErrNoProposal)

	yesPool := h.market(id).YesPool
	paid, err := h.eng.ClaimWinnings(h.ctx, id, alice)
	require.NoError(t, err)
	assertAmount(t, bought.Shares, paid)

	_, err = h.eng.ClaimWinnings(h.ctx, id, alice)
	assert.ErrorIs(t, err, domain.ErrNothingToClaim)

	_, err = h.eng.ClaimWinnings(h.ctx, id, bob)
	assert.ErrorIs(t, err, domain.ErrNothingToClaim)

	lp, err := h.eng.ClaimWinnings(h.ctx, id, creator)
	require.NoError(t, err)
	assertAmount(t, yesPool, lp)

	v := h.market(id)
	assert.Equal(t, domain.MarketStatusResolved, v.Status)
	assert.Zero(t, v.Collateral.Sign())
	assert.True(t, v.LiquidityRedeemed)
	h.requireBalanced()
}

func TestLosingSideClaimsNothing(t *testing.T) {
	h := newHarness(t)
	id := h.generic(100)
	h.deposit(alice, 10)
	h.deposit(bob, 5)
	_, err := h.eng.Buy(h.ctx, id, alice, domain.SideNo, domain.Units(10))
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	require.NoError(t, h.eng.ProposeOutcome(h.ctx, ProposeRequest{MarketID: id, Proposer: bob, Outcome: domain.OutcomeYes}))
	h.clock.Advance(24 * time.Hour)
	_, err = h.eng.FinalizeResolution(h.ctx, id)
	require.NoError(t, err)

	_, err = h.eng.ClaimWinnings(h.ctx, id, alice)
	assert.ErrorIs(t, err, domain.ErrNothingToClaim)
	h.requireBalanced()
}

func TestCryptoChallengeSettledByFeed(t *testing.T) {
	h := newHarness(t)
	id := h.crypto(1000, "BTC", "100000", true)
	assert.Equal(t, "btc", h.market(id).Resolution.Crypto.Asset)
	h.deposit(carol, 5)
	h.deposit(dave, 20)

	h.clock.Advance(time.Hour)
	require.NoError(t, h.eng.ProposeOutcomeWithPrice(h.ctx, id, carol, price("90000")))
	p, err := h.eng.GetProposal(id)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNo, p.ProposedOutcome)

	err = h.eng.ChallengeOutcome(h.ctx, id, dave, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	err = h.eng.ChallengeOutcome(h.ctx, id, dave, decPtr("95000"))
	assert.ErrorIs(t, err, domain.ErrChallengeAgrees)

	require.NoError(t, h.eng.ChallengeOutcome(h.ctx, id, dave, decPtr("110000")))
	assertAmount(t, domain.Units(10), h.eng.Balance(dave))
	assert.Equal(t, domain.ResolutionChallenged, h.market(id).ResolutionState)

	err = h.eng.ChallengeOutcome(h.ctx, id, alice, decPtr("110000"))
	assert.ErrorIs(t, err, domain.ErrAlreadyChallenged)

	h.feed.set("105000", true, nil)
	res, err := h.eng.FinalizeResolution(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeYes, res.Outcome)
	assert.Equal(t, dave, res.Winner)
	assertAmount(t, domain.Units(15), res.Reward)
	assertAmount(t, domain.Units(25), h.eng.Balance(dave))
	assertAmount(t, new(big.Int), h.eng.Balance(carol))
	require.NotNil(t, res.ResolvedPrice)
	assert.Equal(t, "105000", res.ResolvedPrice.String())
	h.requireBalanced()
}

func TestCryptoProposalRejectsContradictoryOutcome(t *testing.T) {
	h := newHarness(t)
	id := h.crypto(100, "eth", "3000", false)
	h.deposit(carol, 5)
	h.clock.Advance(time.Hour)

	err := h.eng.ProposeOutcome(h.ctx, ProposeRequest{MarketID: id, Proposer: carol, Outcome: domain.OutcomeNo, Price: decPtr("2500")})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	// Below-target markets resolve YES when the price is at or under the target.
	require.NoError(t, h.eng.ProposeOutcome(h.ctx, ProposeRequest{MarketID: id, Proposer: carol, Price: decPtr("3000")}))
	p, err := h.eng.GetProposal(id)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeYes, p.ProposedOutcome)
}

func TestOracleOutageKeepsDisputeOpen(t *testing.T) {
	h := newHarness(t)
	id := h.crypto(100, "sol", "200", true)
	h.deposit(carol, 5)
	h.deposit(dave, 10)
	h.clock.Advance(time.Hour)
	require.NoError(t, h.eng.ProposeOutcomeWithPrice(h.ctx, id, carol, price("250")))
	require.NoError(t, h.eng.ChallengeOutcome(h.ctx, id, dave, decPtr("150")))

	h.feed.set("0", false, errors.New("connection refused"))
	_, err := h.eng.FinalizeResolution(h.ctx, id)
	require.ErrorIs(t, err, domain.ErrOracleUnavailable)
	assert.True(t, domain.IsRetryable(err))

	h.feed.set("0", false, nil)
	_, err = h.eng.FinalizeResolution(h.ctx, id)
	require.ErrorIs(t, err, domain.ErrOracleUnavailable)

	v := h.market(id)
	assert.Equal(t, domain.MarketStatusPendingResolution, v.Status)
	assert.True(t, v.Proposal.Challenged)

	h.feed.set("260", true, nil)
	res, err := h.eng.FinalizeResolution(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, carol, res.Winner)
	assertAmount(t, domain.Units(15), h.eng.Balance(carol))
	h.requireBalanced()
}

func TestGenericDisputeAdjudicated(t *testing.T) {
	h := newHarness(t)
	id := h.generic(100)
	h.deposit(bob, 5)
	h.deposit(carol, 10)
	h.clock.Advance(time.Hour)
	require.NoError(t, h.eng.ProposeOutcome(h.ctx, ProposeRequest{MarketID: id, Proposer: bob, Outcome: domain.OutcomeYes}))

	err := h.eng.Adjudicate(h.ctx, admin, id, domain.OutcomeNo)
	assert.ErrorIs(t, err, domain.ErrNotChallenged)

	require.NoError(t, h.eng.ChallengeOutcome(h.ctx, id, carol, nil))
	p, err := h.eng.GetProposal(id)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNo, p.ChallengeOutcome)

	_, err = h.eng.FinalizeResolution(h.ctx, id)
	assert.ErrorIs(t, err, domain.ErrAwaitingAdjudication)

	err = h.eng.Adjudicate(h.ctx, carol, id, domain.OutcomeNo)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	require.NoError(t, h.eng.Adjudicate(h.ctx, admin, id, domain.OutcomeNo))
	err = h.eng.Adjudicate(h.ctx, admin, id, domain.OutcomeYes)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	res, err := h.eng.FinalizeResolution(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNo, res.Outcome)
	assert.Equal(t, carol, res.Winner)
	assertAmount(t, domain.Units(15), h.eng.Balance(carol))
	assert.Zero(t, h.feed.calls, "adjudicated disputes never consult the feed")
	h.requireBalanced()
}

func TestChallengeWindowCloses(t *testing.T) {
	h := newHarness(t)
	id := h.generic(100)
	h.deposit(bob, 5)
	h.deposit(carol, 10)
	h.clock.Advance(time.Hour)
	require.NoError(t, h.eng.ProposeOutcome(h.ctx, ProposeRequest{MarketID: id, Proposer: bob, Outcome: domain.OutcomeNo}))

	h.clock.Advance(24 * time.Hour)
	err := h.eng.ChallengeOutcome(h.ctx, id, carol, nil)
	assert.ErrorIs(t, err, domain.ErrChallengeWindowClosed)
	assertAmount(t, domain.Units(10), h.eng.Balance(carol))
}

func TestChallengeNeedsBond(t *testing.T) {
	h := newHarness(t)
	id := h.generic(100)
	h.deposit(bob, 5)
	h.deposit(carol, 9)
	h.clock.Advance(time.Hour)
	require.NoError(t, h.eng.ProposeOutcome(h.ctx, ProposeRequest{MarketID: id, Proposer: bob, Outcome: domain.OutcomeNo}))

	err := h.eng.ChallengeOutcome(h.ctx, id, carol, nil)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.False(t, h.market(id).Proposal.Challenged)
}

func TestDisputeAutoVoidRefundsEveryone(t *testing.T) {
	h := newHarness(t)
	id := h.generic(1000)
	h.deposit(alice, 100)
	h.deposit(dave, 50)
	h.deposit(bob, 5)
	h.deposit(carol, 10)

	_, err := h.eng.Buy(h.ctx, id, alice, domain.SideYes, domain.Units(100))
	require.NoError(t, err)
	_, err = h.eng.Buy(h.ctx, id, dave, domain.SideNo, domain.Units(50))
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	require.NoError(t, h.eng.ProposeOutcome(h.ctx, ProposeRequest{MarketID: id, Proposer: bob, Outcome: domain.OutcomeYes}))
	require.NoError(t, h.eng.ChallengeOutcome(h.ctx, id, carol, nil))

	err = h.eng.VoidMarket(h.ctx, alice, id)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	h.clock.Advance(7 * 24 * time.Hour)
	res, err := h.eng.FinalizeResolution(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusVoided, res.Status)

	assertAmount(t, domain.Units(5), h.eng.Balance(bob))
	assertAmount(t, domain.Units(10), h.eng.Balance(carol))
	// Each trader gets back roughly what their shares were worth, fee excluded.
	assert.True(t, h.eng.Balance(alice).Cmp(domain.Units(90)) > 0)
	assert.True(t, h.eng.Balance(dave).Cmp(domain.Units(40)) > 0)
	assert.True(t, h.eng.Balance(creator).Cmp(domain.Units(990)) > 0)

	v := h.market(id)
	assert.Zero(t, v.Collateral.Sign())
	assert.Nil(t, v.Proposal)
	_, err = h.eng.ClaimWinnings(h.ctx, id, alice)
	assert.ErrorIs(t, err, domain.ErrMarketNotResolved)
	h.requireBalanced()
}

func TestVoidMarketPermissions(t *testing.T) {
	h := newHarness(t)
	id := h.generic(100)

	err := h.eng.VoidMarket(h.ctx, alice, id)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	h.clock.Advance(time.Hour + 7*24*time.Hour)
	require.NoError(t, h.eng.VoidMarket(h.ctx, alice, id))
	assertAmount(t, domain.Units(100), h.eng.Balance(creator))

	err = h.eng.VoidMarket(h.ctx, admin, id)
	assert.ErrorIs(t, err, domain.ErrMarketNotOpen)

	other := h.generic(50)
	require.NoError(t, h.eng.VoidMarket(h.ctx, admin, other))
	assert.Equal(t, domain.MarketStatusVoided, h.market(other).Status)
	h.requireBalanced()
}

func TestPendingActions(t *testing.T) {
	h := newHarness(t)
	stale := h.generic(100)
	proposed := h.generic(100)
	disputed := h.crypto(100, "btc", "1", true)
	h.deposit(bob, 10)
	h.deposit(carol, 10)

	h.clock.Advance(time.Hour)
	require.NoError(t, h.eng.ProposeOutcome(h.ctx, ProposeRequest{MarketID: proposed, Proposer: bob, Outcome: domain.OutcomeYes}))
	require.NoError(t, h.eng.ProposeOutcomeWithPrice(h.ctx, disputed, bob, price("2")))
	require.NoError(t, h.eng.ChallengeOutcome(h.ctx, disputed, carol, decPtr("0.5")))

	actions := h.eng.PendingActions(h.clock.Now())
	assert.Equal(t, []Action{{MarketID: disputed, Kind: ActionFinalize}}, actions)

	h.clock.Advance(7 * 24 * time.Hour)
	actions = h.eng.PendingActions(h.clock.Now())
	assert.ElementsMatch(t, []Action{
		{MarketID: stale, Kind: ActionVoid},
		{MarketID: proposed, Kind: ActionFinalize},
		{MarketID: disputed, Kind: ActionVoid},
	}, actions)
}

func TestFundsAndTreasurySweep(t *testing.T) {
	h := newHarness(t)
	h.deposit(alice, 10)

	err := h.eng.Withdraw(h.ctx, alice, domain.Units(11))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	require.NoError(t, h.eng.Withdraw(h.ctx, alice, domain.Units(4)))
	assertAmount(t, domain.Units(6), h.eng.Balance(alice))

	err = h.eng.Deposit(h.ctx, common.Address{}, domain.Units(1))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = h.eng.SweepTreasury(h.ctx, admin)
	assert.ErrorIs(t, err, domain.ErrNothingToClaim)

	id := h.generic(100)
	_, err = h.eng.Buy(h.ctx, id, alice, domain.SideYes, domain.Units(5))
	require.NoError(t, err)

	_, err = h.eng.SweepTreasury(h.ctx, alice)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	swept, err := h.eng.SweepTreasury(h.ctx, admin)
	require.NoError(t, err)
	assertAmount(t, big.NewInt(1e17), swept)
	assertAmount(t, swept, h.eng.Balance(treasury))
	assert.Zero(t, h.eng.Treasury().Sign())

	r := h.requireBalanced()
	assertAmount(t, domain.Units(106), r.NetDeposits)
}

func TestJournalFailureAppliesNothing(t *testing.T) {
	h := newHarness(t)
	id := h.generic(100)
	h.deposit(alice, 10)

	h.journal.FailWith(errors.New("disk full"))
	_, err := h.eng.Buy(h.ctx, id, alice, domain.SideYes, domain.Units(10))
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.True(t, domain.IsRetryable(err))
	assertAmount(t, domain.Units(10), h.eng.Balance(alice))
	assertAmount(t, domain.Units(100), h.market(id).YesPool)

	h.journal.FailWith(nil)
	_, err = h.eng.Buy(h.ctx, id, alice, domain.SideYes, domain.Units(10))
	require.NoError(t, err)

	last, err := h.journal.LastSeq(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, h.requireBalanced().LastSeq, last)
}

func TestPublisherSeesCommittedEvents(t *testing.T) {
	h := newHarness(t)
	id := h.generic(100)
	h.deposit(alice, 10)
	_, err := h.eng.Buy(h.ctx, id, alice, domain.SideYes, domain.Units(20))
	require.Error(t, err)
	_, err = h.eng.Buy(h.ctx, id, alice, domain.SideYes, domain.Units(10))
	require.NoError(t, err)

	assert.Equal(t, []domain.EventType{
		domain.EventDeposited,
		domain.EventMarketCreated,
		domain.EventDeposited,
		domain.EventSharesPurchased,
	}, h.pub.types())
}

func TestConcurrentTradingConservesValue(t *testing.T) {
	h := newHarness(t)
	ids := []uint64{h.generic(500), h.generic(500)}
	traders := make([]common.Address, 8)
	for i := range traders {
		traders[i] = common.BigToAddress(big.NewInt(int64(0x1000 + i)))
		h.deposit(traders[i], 100)
	}

	var wg sync.WaitGroup
	for i, tr := range traders {
		wg.Add(1)
		go func(i int, tr common.Address) {
			defer wg.Done()
			id := ids[i%len(ids)]
			side := domain.SideYes
			if i%2 == 1 {
				side = domain.SideNo
			}
			for n := 0; n < 10; n++ {
				res, err := h.eng.Buy(h.ctx, id, tr, side, domain.Units(5))
				if err != nil {
					continue
				}
				half := new(big.Int).Div(res.Shares, big.NewInt(2))
				_, _ = h.eng.Sell(h.ctx, id, tr, side, half)
			}
		}(i, tr)
	}
	wg.Wait()

	r := h.requireBalanced()
	assertAmount(t, domain.Units(1800), r.NetDeposits)
	assert.Equal(t, 2, r.Markets)
}
