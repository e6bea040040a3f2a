package domain

import (
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCryptoTargetOutcome(t *testing.T) {
	target := decimal.RequireFromString("100000")
	above := CryptoTarget{Asset: "btc", TargetPrice: target, Above: true}
	below := CryptoTarget{Asset: "btc", TargetPrice: target, Above: false}

	tests := []struct {
		price string
		above Outcome
		below Outcome
	}{
		{"99999.99", OutcomeNo, OutcomeYes},
		{"100000", OutcomeYes, OutcomeYes},
		{"100000.01", OutcomeYes, OutcomeNo},
	}
	for _, tt := range tests {
		p := decimal.RequireFromString(tt.price)
		assert.Equal(t, tt.above, above.Outcome(p), "above %s", tt.price)
		assert.Equal(t, tt.below, below.Outcome(p), "below %s", tt.price)
	}
}

func TestEffectiveStatus(t *testing.T) {
	deadline := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	m := &Market{Status: MarketStatusOpen, Deadline: deadline}

	assert.Equal(t, MarketStatusOpen, EffectiveStatus(m, deadline.Add(-time.Second)))
	assert.Equal(t, MarketStatusPendingResolution, EffectiveStatus(m, deadline))

	m.Status = MarketStatusVoided
	assert.Equal(t, MarketStatusVoided, EffectiveStatus(m, deadline.Add(time.Hour)))
	assert.Equal(t, ResolutionFinalized, ResolutionStateOf(m))
}

func TestMarketCloneIsDeep(t *testing.T) {
	alice := common.HexToAddress("0xa1")
	m := &Market{
		ID:          1,
		YesPool:     Units(10),
		NoPool:      Units(10),
		Collateral:  Units(10),
		Liquidity:   Units(10),
		TotalVolume: new(big.Int),
		Proposal:    &Proposal{Proposer: alice, Bond: Units(5)},
		Positions:   map[common.Address]*Position{alice: {MarketID: 1, Participant: alice, YesShares: Units(3), NoShares: new(big.Int)}},
	}
	c := m.Clone()
	c.YesPool.SetInt64(0)
	c.Proposal.Bond.SetInt64(0)
	c.Positions[alice].YesShares.SetInt64(0)

	assert.Equal(t, 0, m.YesPool.Cmp(Units(10)))
	assert.Equal(t, 0, m.Proposal.Bond.Cmp(Units(5)))
	assert.Equal(t, 0, m.Positions[alice].YesShares.Cmp(Units(3)))

	h := m.CloneHeader()
	assert.Nil(t, h.Positions)
	assert.True(t, m.Position(common.HexToAddress("0xb2")).Empty())
}

func TestProposalEscrowedBonds(t *testing.T) {
	p := &Proposal{Bond: Units(5)}
	assert.Equal(t, 0, p.EscrowedBonds().Cmp(Units(5)))
	p.Challenged = true
	p.ChallengeBond = Units(10)
	assert.Equal(t, 0, p.EscrowedBonds().Cmp(Units(15)))
}

func TestAmountsRoundTrip(t *testing.T) {
	wei, err := ParseUnits("12.5")
	require.NoError(t, err)
	assert.Equal(t, "12500000000000000000", wei.String())
	assert.Equal(t, "12.5", FormatUnits(wei))

	wei, err = ParseUnits("1.000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000001", wei.String())

	wei, err = ParseUnits("2.50000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, "2500000000000000000", wei.String(), "trailing zeros past wei are exact")

	for _, s := range []string{"1.0000000000000000009", "0.0000000000000000019"} {
		_, err = ParseUnits(s)
		require.Error(t, err, s)
		assert.ErrorIs(t, err, ErrInvalidInput, s)
	}

	_, err = ParseUnits("ten")
	assert.Error(t, err)
	assert.Equal(t, "0", FormatUnits(nil))
}

func TestParseSide(t *testing.T) {
	for _, in := range []string{"yes", "YES", "Yes", "yEs", " yes "} {
		side, err := ParseSide(in)
		require.NoError(t, err, in)
		assert.Equal(t, SideYes, side, in)
	}
	side, err := ParseSide("nO")
	require.NoError(t, err)
	assert.Equal(t, SideNo, side)

	for _, in := range []string{"", "y", "maybe", "unresolved"} {
		_, err := ParseSide(in)
		assert.Error(t, err, in)
		_, err = ParseOutcome(in)
		assert.Error(t, err, in)
	}

	outcome, err := ParseOutcome("NO")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNo, outcome)
}

func TestErrorClassification(t *testing.T) {
	err := NewError("engine: buy", ErrInsufficientBalance, "needed", "5", "available", "2")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, KindResource, KindOf(err))
	assert.Equal(t, "insufficient_balance", err.Code())
	assert.Equal(t, "engine: buy: insufficient balance (available=2, needed=5)", err.Error())
	assert.False(t, IsRetryable(err))

	wrapped := fmt.Errorf("handler: %w", NewError("engine: finalize", ErrOracleUnavailable))
	assert.Equal(t, KindUnavailable, KindOf(wrapped))
	assert.True(t, IsRetryable(wrapped))

	assert.Equal(t, KindNotFound, KindOf(fmt.Errorf("lookup: %w", ErrMarketNotFound)))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
}
