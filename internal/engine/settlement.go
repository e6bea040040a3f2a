package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/oraclemarket/internal/amm"
	"github.com/alanyoungcy/oraclemarket/internal/domain"
)

// ClaimWinnings pays the participant one unit of collateral per winning
// share. The market creator also redeems the pool's winning reserve, which
// belongs to them as liquidity provider. Claims are fee-free.
func (e *Engine) ClaimWinnings(ctx context.Context, id uint64, participant common.Address) (*big.Int, error) {
	const op = "engine: claim winnings"
	if err := requireParticipant(op, participant); err != nil {
		return nil, err
	}

	s, unlock, err := e.lockMarket(op, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m := s.m
	if m.Status != domain.MarketStatusResolved {
		return nil, fail(op, domain.ErrMarketNotResolved, "market_id", fmt.Sprint(id), "status", string(m.Status))
	}

	winning := domain.SideYes
	if m.Outcome == domain.OutcomeNo {
		winning = domain.SideNo
	}
	pos := m.Position(participant).Clone()
	shares := new(big.Int).Set(pos.Shares(winning))

	payout := new(big.Int).Set(shares)
	redeemLiquidity := participant == m.Creator && !m.LiquidityRedeemed
	if redeemLiquidity {
		payout.Add(payout, m.Pool(winning))
	}
	if payout.Sign() == 0 {
		return nil, fail(op, domain.ErrNothingToClaim, "market_id", fmt.Sprint(id), "participant", participant.Hex())
	}
	if payout.Cmp(m.Collateral) > 0 {
		return nil, e.invariantViolation(ctx, op, id, "payout exceeds market collateral")
	}

	next := m.CloneHeader()
	next.Collateral.Sub(next.Collateral, payout)
	if redeemLiquidity {
		next.LiquidityRedeemed = true
	}
	pos.Shares(winning).SetInt64(0)

	ev := &domain.Event{
		Type:        domain.EventWinningsClaimed,
		MarketID:    id,
		Participant: participant,
		Side:        winning,
		Outcome:     m.Outcome,
		Amount:      domain.CloneAmount(payout),
		Shares:      shares,
		Market:      next,
		Positions:   []*domain.Position{pos},
		Moves:       []domain.Movement{domain.Credit(participant, payout)},
	}
	if err := e.commit(ctx, op, s, ev); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "engine: winnings claimed",
		slog.Uint64("market_id", id),
		slog.String("participant", participant.Hex()),
		slog.String("amount", domain.FormatUnits(payout)),
	)
	return payout, nil
}

// VoidMarket cancels a market, refunding bonds and every position at the
// current pool ratio. The administrator may void any market that is not yet
// final. Anyone may void a market that is eligible for auto-void: no proposal
// within the auto-void window after the deadline, or a dispute left
// unresolved for the auto-void window.
func (e *Engine) VoidMarket(ctx context.Context, caller common.Address, id uint64) error {
	const op = "engine: void market"

	s, unlock, err := e.lockMarket(op, id)
	if err != nil {
		return err
	}
	defer unlock()

	m := s.m
	now := e.clock.Now()
	if m.Status.Terminal() {
		return fail(op, domain.ErrMarketNotOpen, "market_id", fmt.Sprint(id), "status", string(m.Status))
	}
	reason := "auto_void"
	switch {
	case e.isAdmin(caller):
		reason = "admin"
	case autoVoidEligible(m, now, e.cfg.AutoVoidWindow):
	default:
		return fail(op, domain.ErrUnauthorized, "caller", caller.Hex(), "market_id", fmt.Sprint(id))
	}
	return e.void(ctx, op, s, now, reason)
}

func autoVoidEligible(m *domain.Market, now time.Time, window time.Duration) bool {
	switch {
	case m.Status == domain.MarketStatusOpen:
		return !now.Before(m.Deadline.Add(window))
	case m.Status == domain.MarketStatusPendingResolution && m.Proposal != nil:
		p := m.Proposal
		return p.Challenged && p.Adjudication == nil && !now.Before(p.ProposalTime.Add(window))
	}
	return false
}

// void settles a market as Voided. Each position, and the creator's pool
// reserves, is valued at the pool ratio at void time and credited; bonds are
// returned in full. Flooring leaves at most a few wei of collateral, which
// goes to the treasury so the market ends holding nothing. Called with the
// market locked.
func (e *Engine) void(ctx context.Context, op string, s *marketSlot, now time.Time, reason string) error {
	m := s.m
	pool := amm.Pool{Yes: m.YesPool, No: m.NoPool}

	credits := make(map[common.Address]*big.Int)
	credit := func(addr common.Address, amt *big.Int) {
		if amt.Sign() == 0 {
			return
		}
		c, ok := credits[addr]
		if !ok {
			c = new(big.Int)
			credits[addr] = c
		}
		c.Add(c, amt)
	}

	refunded := new(big.Int)
	var cleared []*domain.Position
	for _, pos := range m.SortedPositions() {
		v := amm.Value(pool, pos.YesShares, pos.NoShares)
		credit(pos.Participant, v)
		refunded.Add(refunded, v)
		cleared = append(cleared, domain.NewPosition(m.ID, pos.Participant))
	}
	if !m.LiquidityRedeemed {
		lp := amm.Value(pool, m.YesPool, m.NoPool)
		credit(m.Creator, lp)
		refunded.Add(refunded, lp)
	}

	dust := new(big.Int).Sub(m.Collateral, refunded)
	if dust.Sign() < 0 {
		return e.invariantViolation(ctx, op, m.ID, "void refunds exceed collateral")
	}

	if p := m.Proposal; p != nil {
		credit(p.Proposer, p.Bond)
		if p.Challenged && p.ChallengeBond != nil {
			credit(p.Challenger, p.ChallengeBond)
		}
	}

	moves := make([]domain.Movement, 0, len(credits)+1)
	for addr, amt := range credits {
		moves = append(moves, domain.Credit(addr, amt))
	}
	sort.Slice(moves, func(i, j int) bool { return moves[i].Account.Cmp(moves[j].Account) < 0 })
	if dust.Sign() > 0 {
		moves = append(moves, domain.TreasuryCredit(dust))
	}

	next := m.CloneHeader()
	next.Status = domain.MarketStatusVoided
	next.Outcome = domain.OutcomeUnresolved
	next.Collateral = new(big.Int)
	next.LiquidityRedeemed = true
	next.ResolvedAt = &now
	next.Proposal = nil
	if v := checkMarket(next, cleared); v != "" {
		return e.invariantViolation(ctx, op, m.ID, v)
	}

	ev := &domain.Event{
		Type:      domain.EventMarketVoided,
		At:        now,
		MarketID:  m.ID,
		Amount:    refunded,
		Fee:       dust,
		Market:    next,
		Positions: cleared,
		Moves:     moves,
	}
	if err := e.commit(ctx, op, s, ev); err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "engine: market voided",
		slog.Uint64("market_id", m.ID),
		slog.String("reason", reason),
		slog.String("refunded", domain.FormatUnits(refunded)),
		slog.Int("positions", len(cleared)),
	)
	return nil
}

// ActionKind is a pending permissionless transition the keeper can drive.
type ActionKind string

const (
	ActionFinalize ActionKind = "finalize"
	ActionVoid     ActionKind = "void"
)

// Action names a market ready for a keeper transition.
type Action struct {
	MarketID uint64
	Kind     ActionKind
}

// PendingActions lists markets whose next transition any caller could drive
// at now: finalizing an unchallenged proposal after its window, settling a
// ruled or Crypto dispute, or voiding a stale market.
func (e *Engine) PendingActions(now time.Time) []Action {
	var out []Action
	for _, v := range e.ListMarkets(domain.ListOpts{}) {
		m := v.Market
		if m.Status.Terminal() {
			continue
		}
		if autoVoidEligible(m, now, e.cfg.AutoVoidWindow) {
			out = append(out, Action{MarketID: m.ID, Kind: ActionVoid})
			continue
		}
		p := m.Proposal
		if p == nil {
			continue
		}
		switch {
		case !p.Challenged && !now.Before(p.ProposalTime.Add(e.cfg.ChallengeWindow)):
			out = append(out, Action{MarketID: m.ID, Kind: ActionFinalize})
		case p.Challenged && (p.Adjudication != nil || m.Resolution.Kind == domain.ResolutionCrypto):
			out = append(out, Action{MarketID: m.ID, Kind: ActionFinalize})
		}
	}
	return out
}
