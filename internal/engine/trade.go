package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/oraclemarket/internal/amm"
	"github.com/alanyoungcy/oraclemarket/internal/domain"
)

// BuyResult reports a completed purchase.
type BuyResult struct {
	Shares *big.Int        `json:"shares"`
	Fee    *big.Int        `json:"fee"`
	Price  decimal.Decimal `json:"price"`
}

// SellResult reports a completed sale.
type SellResult struct {
	Amount *big.Int        `json:"amount"`
	Price  decimal.Decimal `json:"price"`
}

// Buy spends amount of the participant's collateral on side shares. The
// platform fee is taken from amount before pricing and routed to the
// treasury; the full amount is debited.
func (e *Engine) Buy(ctx context.Context, id uint64, participant common.Address, side domain.Side, amount *big.Int) (BuyResult, error) {
	const op = "engine: buy"
	if err := requireParticipant(op, participant); err != nil {
		return BuyResult{}, err
	}
	if err := requireSide(op, side); err != nil {
		return BuyResult{}, err
	}
	if err := requireAmount(op, "amount", amount); err != nil {
		return BuyResult{}, err
	}

	s, unlock, err := e.lockMarket(op, id)
	if err != nil {
		return BuyResult{}, err
	}
	defer unlock()

	m := s.m
	if err := tradable(op, m, e.clock.Now()); err != nil {
		return BuyResult{}, err
	}

	fee := amm.Fee(amount, e.cfg.FeeBps)
	net := new(big.Int).Sub(amount, fee)
	if net.Sign() <= 0 {
		return BuyResult{}, fail(op, domain.ErrZeroOutput, "amount", domain.FormatUnits(amount))
	}
	before := amm.Pool{Yes: m.YesPool, No: m.NoPool}
	q, err := amm.Buy(before, side, net, e.cfg.LiquidityFloor)
	if err != nil {
		return BuyResult{}, ammError(op, err, m)
	}

	next := m.CloneHeader()
	next.YesPool, next.NoPool = q.Pool.Yes, q.Pool.No
	next.Collateral.Add(next.Collateral, net)
	next.TotalVolume.Add(next.TotalVolume, amount)

	pos := m.Position(participant).Clone()
	pos.Shares(side).Add(pos.Shares(side), q.Out)

	if q.Pool.K().Cmp(before.K()) < 0 {
		return BuyResult{}, e.invariantViolation(ctx, op, id, "pool product decreased")
	}
	if v := checkMarket(next, []*domain.Position{pos}); v != "" {
		return BuyResult{}, e.invariantViolation(ctx, op, id, v)
	}

	price := amm.Price(q.Pool, side)
	moves := []domain.Movement{domain.Debit(participant, amount)}
	if fee.Sign() > 0 {
		moves = append(moves, domain.TreasuryCredit(fee))
	}
	ev := &domain.Event{
		Type:        domain.EventSharesPurchased,
		MarketID:    id,
		Participant: participant,
		Side:        side,
		Amount:      domain.CloneAmount(amount),
		Shares:      domain.CloneAmount(q.Out),
		Fee:         fee,
		Price:       &price,
		Market:      next,
		Positions:   []*domain.Position{pos},
		Moves:       moves,
	}
	if err := e.commit(ctx, op, s, ev); err != nil {
		return BuyResult{}, err
	}

	e.logger.InfoContext(ctx, "engine: shares purchased",
		slog.Uint64("market_id", id),
		slog.String("participant", participant.Hex()),
		slog.String("side", string(side)),
		slog.String("amount", domain.FormatUnits(amount)),
		slog.String("shares", domain.FormatUnits(q.Out)),
		slog.String("fee", domain.FormatUnits(fee)),
	)
	return BuyResult{Shares: q.Out, Fee: fee, Price: price}, nil
}

// Sell returns shares of side to the pool for collateral. Sells are
// fee-free.
func (e *Engine) Sell(ctx context.Context, id uint64, participant common.Address, side domain.Side, shares *big.Int) (SellResult, error) {
	const op = "engine: sell"
	if err := requireParticipant(op, participant); err != nil {
		return SellResult{}, err
	}
	if err := requireSide(op, side); err != nil {
		return SellResult{}, err
	}
	if err := requireAmount(op, "shares", shares); err != nil {
		return SellResult{}, err
	}

	s, unlock, err := e.lockMarket(op, id)
	if err != nil {
		return SellResult{}, err
	}
	defer unlock()

	m := s.m
	if err := tradable(op, m, e.clock.Now()); err != nil {
		return SellResult{}, err
	}

	pos := m.Position(participant).Clone()
	held := pos.Shares(side)
	if shares.Cmp(held) > 0 {
		return SellResult{}, fail(op, domain.ErrInsufficientShares,
			"side", string(side),
			"held", domain.FormatUnits(held),
			"requested", domain.FormatUnits(shares),
		)
	}

	before := amm.Pool{Yes: m.YesPool, No: m.NoPool}
	q, err := amm.Sell(before, side, shares, e.cfg.LiquidityFloor)
	if err != nil {
		return SellResult{}, ammError(op, err, m)
	}

	next := m.CloneHeader()
	next.YesPool, next.NoPool = q.Pool.Yes, q.Pool.No
	next.Collateral.Sub(next.Collateral, q.Out)
	next.TotalVolume.Add(next.TotalVolume, q.Out)
	held.Sub(held, shares)

	if q.Pool.K().Cmp(before.K()) < 0 {
		return SellResult{}, e.invariantViolation(ctx, op, id, "pool product decreased")
	}
	if v := checkMarket(next, []*domain.Position{pos}); v != "" {
		return SellResult{}, e.invariantViolation(ctx, op, id, v)
	}

	price := amm.Price(q.Pool, side)
	ev := &domain.Event{
		Type:        domain.EventSharesSold,
		MarketID:    id,
		Participant: participant,
		Side:        side,
		Amount:      domain.CloneAmount(q.Out),
		Shares:      domain.CloneAmount(shares),
		Price:       &price,
		Market:      next,
		Positions:   []*domain.Position{pos},
		Moves:       []domain.Movement{domain.Credit(participant, q.Out)},
	}
	if err := e.commit(ctx, op, s, ev); err != nil {
		return SellResult{}, err
	}

	e.logger.InfoContext(ctx, "engine: shares sold",
		slog.Uint64("market_id", id),
		slog.String("participant", participant.Hex()),
		slog.String("side", string(side)),
		slog.String("shares", domain.FormatUnits(shares)),
		slog.String("amount", domain.FormatUnits(q.Out)),
	)
	return SellResult{Amount: q.Out, Price: price}, nil
}

func tradable(op string, m *domain.Market, now time.Time) error {
	if m.Status != domain.MarketStatusOpen {
		return fail(op, domain.ErrMarketNotOpen, "market_id", fmt.Sprint(m.ID), "status", string(m.Status))
	}
	if !now.Before(m.Deadline) {
		return fail(op, domain.ErrDeadlinePassed, "market_id", fmt.Sprint(m.ID), "deadline", m.Deadline.Format(time.RFC3339))
	}
	return nil
}

func ammError(op string, err error, m *domain.Market) error {
	switch {
	case errors.Is(err, domain.ErrPoolLiquidity),
		errors.Is(err, domain.ErrZeroOutput),
		errors.Is(err, domain.ErrInvalidAmount):
		return fail(op, err,
			"market_id", fmt.Sprint(m.ID),
			"yes_pool", domain.FormatUnits(m.YesPool),
			"no_pool", domain.FormatUnits(m.NoPool),
		)
	}
	return fmt.Errorf("%s: %w", op, err)
}
