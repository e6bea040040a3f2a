package postgres

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
)

func TestProjectionBatch(t *testing.T) {
	creator := common.HexToAddress("0xc000000000000000000000000000000000000003")
	alice := common.HexToAddress("0xa000000000000000000000000000000000000004")
	deadline := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)

	m := &domain.Market{
		ID:          7,
		Creator:     creator,
		Question:    "Will it rain?",
		Category:    domain.CategoryScience,
		Deadline:    deadline,
		Status:      domain.MarketStatusOpen,
		Outcome:     domain.OutcomeUnresolved,
		YesPool:     domain.Units(40),
		NoPool:      domain.Units(60),
		Collateral:  domain.Units(60),
		TotalVolume: nil,
		CreatedAt:   deadline.Add(-time.Hour),
	}
	pos := domain.NewPosition(7, alice)
	pos.YesShares = big.NewInt(123)

	ev := domain.Event{Seq: 42, Type: domain.EventSharesPurchased, Market: m, Positions: []*domain.Position{pos}}
	assert.Equal(t, 2, projectionBatch(ev).Len())

	args := marketArgs(m, ev.Seq)
	require.Len(t, args, 14)
	assert.Equal(t, int64(7), args[0])
	assert.Equal(t, creator.Hex(), args[1])
	assert.Equal(t, "science", args[3])
	assert.Equal(t, "40000000000000000000", args[7])
	assert.Equal(t, "0", args[10], "nil amounts project as zero")
	assert.Equal(t, int64(42), args[13])

	pargs := positionArgs(pos, ev.Seq)
	assert.Equal(t, []any{int64(7), alice.Hex(), "123", "0", int64(42)}, pargs)

	deposit := domain.Event{Seq: 43, Type: domain.EventDeposited, Participant: alice}
	assert.Zero(t, projectionBatch(deposit).Len())
}
