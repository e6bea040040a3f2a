package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
)

// ProposeRequest claims an outcome for a market whose deadline has passed.
// For Crypto markets Price may be given instead of Outcome, in which case
// the outcome is derived from the market's price target.
type ProposeRequest struct {
	MarketID uint64
	Proposer common.Address
	Outcome  domain.Outcome
	Price    *decimal.Decimal
}

// ProposeOutcome escrows the proposal bond and moves the market to
// PendingResolution. Anyone may propose.
func (e *Engine) ProposeOutcome(ctx context.Context, req ProposeRequest) error {
	const op = "engine: propose outcome"
	if err := requireParticipant(op, req.Proposer); err != nil {
		return err
	}
	if req.Price != nil && !req.Price.IsPositive() {
		return fail(op, domain.ErrInvalidInput, "field", "price")
	}

	s, unlock, err := e.lockMarket(op, req.MarketID)
	if err != nil {
		return err
	}
	defer unlock()

	m := s.m
	now := e.clock.Now()
	switch {
	case m.Status == domain.MarketStatusPendingResolution:
		return fail(op, domain.ErrProposalExists, "market_id", fmt.Sprint(m.ID))
	case m.Status != domain.MarketStatusOpen:
		return fail(op, domain.ErrMarketNotOpen, "market_id", fmt.Sprint(m.ID), "status", string(m.Status))
	case now.Before(m.Deadline):
		return fail(op, domain.ErrDeadlineNotPassed, "market_id", fmt.Sprint(m.ID), "deadline", m.Deadline.Format(time.RFC3339))
	}

	outcome, err := proposedOutcome(op, m, req.Outcome, req.Price)
	if err != nil {
		return err
	}

	bond := domain.CloneAmount(e.cfg.ProposalBond)
	next := m.CloneHeader()
	next.Status = domain.MarketStatusPendingResolution
	next.Proposal = &domain.Proposal{
		Proposer:        req.Proposer,
		ProposedOutcome: outcome,
		ProposedPrice:   req.Price,
		ProposalTime:    now,
		Bond:            bond,
	}
	if v := checkMarket(next, nil); v != "" {
		return e.invariantViolation(ctx, op, m.ID, v)
	}

	ev := &domain.Event{
		Type:        domain.EventOutcomeProposed,
		At:          now,
		MarketID:    m.ID,
		Participant: req.Proposer,
		Outcome:     outcome,
		Amount:      bond,
		Price:       req.Price,
		Market:      next,
		Moves:       []domain.Movement{domain.Debit(req.Proposer, bond)},
	}
	if err := e.commit(ctx, op, s, ev); err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "engine: outcome proposed",
		slog.Uint64("market_id", m.ID),
		slog.String("proposer", req.Proposer.Hex()),
		slog.String("outcome", string(outcome)),
	)
	return nil
}

// ProposeOutcomeWithPrice proposes on a Crypto market by reporting the
// asset's current price. The engine records the price as evidence and does
// not verify it.
func (e *Engine) ProposeOutcomeWithPrice(ctx context.Context, id uint64, proposer common.Address, price decimal.Decimal) error {
	return e.ProposeOutcome(ctx, ProposeRequest{MarketID: id, Proposer: proposer, Price: &price})
}

func proposedOutcome(op string, m *domain.Market, outcome domain.Outcome, price *decimal.Decimal) (domain.Outcome, error) {
	explicit := outcome == domain.OutcomeYes || outcome == domain.OutcomeNo
	if outcome != "" && outcome != domain.OutcomeUnresolved && !explicit {
		return "", fail(op, domain.ErrInvalidInput, "field", "outcome")
	}
	if price != nil && m.Resolution.Kind == domain.ResolutionCrypto {
		derived := m.Resolution.Crypto.Outcome(*price)
		if explicit && outcome != derived {
			return "", fail(op, domain.ErrInvalidInput,
				"field", "outcome",
				"reason", "contradicts the reported price",
				"derived", string(derived),
			)
		}
		return derived, nil
	}
	if !explicit {
		return "", fail(op, domain.ErrInvalidInput, "field", "outcome")
	}
	return outcome, nil
}

// ChallengeOutcome disputes the active proposal within the challenge window
// by escrowing the larger challenge bond. On Crypto markets the challenger's
// price determines their claimed outcome, which must differ from the
// proposal; on other markets the challenger claims the opposite outcome.
func (e *Engine) ChallengeOutcome(ctx context.Context, id uint64, challenger common.Address, price *decimal.Decimal) error {
	const op = "engine: challenge outcome"
	if err := requireParticipant(op, challenger); err != nil {
		return err
	}
	if price != nil && !price.IsPositive() {
		return fail(op, domain.ErrInvalidInput, "field", "price")
	}

	s, unlock, err := e.lockMarket(op, id)
	if err != nil {
		return err
	}
	defer unlock()

	m := s.m
	now := e.clock.Now()
	p := m.Proposal
	switch {
	case m.Status != domain.MarketStatusPendingResolution || p == nil:
		return fail(op, domain.ErrNoProposal, "market_id", fmt.Sprint(id), "status", string(m.Status))
	case p.Challenged:
		return fail(op, domain.ErrAlreadyChallenged, "market_id", fmt.Sprint(id), "challenger", p.Challenger.Hex())
	case !now.Before(p.ProposalTime.Add(e.cfg.ChallengeWindow)):
		return fail(op, domain.ErrChallengeWindowClosed, "market_id", fmt.Sprint(id),
			"closed_at", p.ProposalTime.Add(e.cfg.ChallengeWindow).Format(time.RFC3339))
	}

	claimed := p.ProposedOutcome.Opposite()
	if m.Resolution.Kind == domain.ResolutionCrypto {
		if price == nil {
			return fail(op, domain.ErrInvalidInput, "field", "price", "reason", "required for crypto markets")
		}
		claimed = m.Resolution.Crypto.Outcome(*price)
		if claimed == p.ProposedOutcome {
			return fail(op, domain.ErrChallengeAgrees, "market_id", fmt.Sprint(id), "outcome", string(claimed))
		}
	}

	bond := domain.CloneAmount(e.cfg.ChallengeBond)
	next := m.CloneHeader()
	np := next.Proposal
	np.Challenged = true
	np.Challenger = challenger
	np.ChallengeBond = bond
	np.ChallengeOutcome = claimed
	np.ChallengePrice = price
	np.ChallengeTime = &now

	ev := &domain.Event{
		Type:        domain.EventOutcomeChallenged,
		At:          now,
		MarketID:    id,
		Participant: challenger,
		Outcome:     claimed,
		Amount:      bond,
		Price:       price,
		Market:      next,
		Moves:       []domain.Movement{domain.Debit(challenger, bond)},
	}
	if err := e.commit(ctx, op, s, ev); err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "engine: outcome challenged",
		slog.Uint64("market_id", id),
		slog.String("challenger", challenger.Hex()),
		slog.String("claimed", string(claimed)),
	)
	return nil
}

// Adjudicate records the administrator's ruling on a challenged proposal.
// FinalizeResolution then settles the dispute on that ruling.
func (e *Engine) Adjudicate(ctx context.Context, caller common.Address, id uint64, outcome domain.Outcome) error {
	const op = "engine: adjudicate"
	if !e.isAdmin(caller) {
		return fail(op, domain.ErrUnauthorized, "caller", caller.Hex())
	}
	if outcome != domain.OutcomeYes && outcome != domain.OutcomeNo {
		return fail(op, domain.ErrInvalidInput, "field", "outcome")
	}

	s, unlock, err := e.lockMarket(op, id)
	if err != nil {
		return err
	}
	defer unlock()

	m := s.m
	switch {
	case m.Proposal == nil:
		return fail(op, domain.ErrNoProposal, "market_id", fmt.Sprint(id))
	case !m.Proposal.Challenged:
		return fail(op, domain.ErrNotChallenged, "market_id", fmt.Sprint(id))
	case m.Proposal.Adjudication != nil:
		return fail(op, domain.ErrInvalidInput, "market_id", fmt.Sprint(id), "reason", "already adjudicated")
	}

	next := m.CloneHeader()
	ruling := outcome
	next.Proposal.Adjudication = &ruling

	ev := &domain.Event{
		Type:        domain.EventDisputeAdjudicated,
		MarketID:    id,
		Participant: caller,
		Outcome:     outcome,
		Market:      next,
	}
	if err := e.commit(ctx, op, s, ev); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "engine: dispute adjudicated",
		slog.Uint64("market_id", id),
		slog.String("outcome", string(outcome)),
	)
	return nil
}

// FinalizeResult reports how a finalize call settled the market.
type FinalizeResult struct {
	Status        domain.MarketStatus `json:"status"`
	Outcome       domain.Outcome      `json:"outcome"`
	Winner        common.Address      `json:"winner,omitempty"`
	Reward        *big.Int            `json:"reward,omitempty"`
	ResolvedPrice *decimal.Decimal    `json:"resolved_price,omitempty"`
}

// FinalizeResolution settles the active proposal. Anyone may call it.
//
// Unchallenged proposals resolve to the proposed outcome once the challenge
// window has elapsed. Challenged proposals resolve on the administrator's
// ruling when present, otherwise on a fresh price-feed reading for Crypto
// markets. A challenged non-Crypto market without a ruling waits for one and
// is voided once the auto-void window elapses.
func (e *Engine) FinalizeResolution(ctx context.Context, id uint64) (FinalizeResult, error) {
	const op = "engine: finalize resolution"

	proof, err := e.disputeEvidence(ctx, op, id)
	if err != nil {
		return FinalizeResult{}, err
	}

	s, unlock, err := e.lockMarket(op, id)
	if err != nil {
		return FinalizeResult{}, err
	}
	defer unlock()

	m := s.m
	now := e.clock.Now()
	p := m.Proposal
	if m.Status != domain.MarketStatusPendingResolution || p == nil {
		if m.Status.Terminal() {
			return FinalizeResult{}, fail(op, domain.ErrMarketNotOpen, "market_id", fmt.Sprint(id), "status", string(m.Status))
		}
		return FinalizeResult{}, fail(op, domain.ErrNoProposal, "market_id", fmt.Sprint(id))
	}

	if !p.Challenged {
		if now.Before(p.ProposalTime.Add(e.cfg.ChallengeWindow)) {
			return FinalizeResult{}, fail(op, domain.ErrChallengeWindowOpen, "market_id", fmt.Sprint(id),
				"closes_at", p.ProposalTime.Add(e.cfg.ChallengeWindow).Format(time.RFC3339))
		}
		return e.resolve(ctx, op, s, now, p.ProposedOutcome, p.Proposer, p.Bond, p.ProposedPrice)
	}

	var truth domain.Outcome
	var resolvedPrice *decimal.Decimal
	switch {
	case p.Adjudication != nil:
		truth = *p.Adjudication
	case m.Resolution.Kind == domain.ResolutionCrypto:
		if proof == nil || !proof.matches(p) {
			return FinalizeResult{}, fail(op, domain.ErrConflict, "market_id", fmt.Sprint(id),
				"reason", "proposal changed while consulting the price feed")
		}
		price := proof.price
		truth = m.Resolution.Crypto.Outcome(price)
		resolvedPrice = &price
	case !now.Before(p.ProposalTime.Add(e.cfg.AutoVoidWindow)):
		if err := e.void(ctx, op, s, now, "dispute_timeout"); err != nil {
			return FinalizeResult{}, err
		}
		return FinalizeResult{Status: domain.MarketStatusVoided, Outcome: domain.OutcomeUnresolved}, nil
	default:
		return FinalizeResult{}, fail(op, domain.ErrAwaitingAdjudication, "market_id", fmt.Sprint(id),
			"auto_void_at", p.ProposalTime.Add(e.cfg.AutoVoidWindow).Format(time.RFC3339))
	}

	winner := p.Challenger
	winnerPrice := p.ChallengePrice
	if p.ProposedOutcome == truth {
		winner = p.Proposer
		winnerPrice = p.ProposedPrice
	}
	if resolvedPrice == nil {
		resolvedPrice = winnerPrice
	}
	return e.resolve(ctx, op, s, now, truth, winner, p.EscrowedBonds(), resolvedPrice)
}

// resolve moves a pending market to Resolved and pays reward to winner.
// Called with the market locked.
func (e *Engine) resolve(ctx context.Context, op string, s *marketSlot, now time.Time, outcome domain.Outcome, winner common.Address, reward *big.Int, price *decimal.Decimal) (FinalizeResult, error) {
	m := s.m
	next := m.CloneHeader()
	next.Status = domain.MarketStatusResolved
	next.Outcome = outcome
	next.ResolvedAt = &now
	next.ResolvedPrice = price
	next.Proposal = nil
	if v := checkMarket(next, nil); v != "" {
		return FinalizeResult{}, e.invariantViolation(ctx, op, m.ID, v)
	}

	ev := &domain.Event{
		Type:        domain.EventMarketResolved,
		At:          now,
		MarketID:    m.ID,
		Participant: winner,
		Outcome:     outcome,
		Amount:      domain.CloneAmount(reward),
		Price:       price,
		Market:      next,
		Moves:       []domain.Movement{domain.Credit(winner, reward)},
	}
	if err := e.commit(ctx, op, s, ev); err != nil {
		return FinalizeResult{}, err
	}

	e.logger.InfoContext(ctx, "engine: market resolved",
		slog.Uint64("market_id", m.ID),
		slog.String("outcome", string(outcome)),
		slog.String("winner", winner.Hex()),
		slog.String("reward", domain.FormatUnits(reward)),
	)
	return FinalizeResult{
		Status:        domain.MarketStatusResolved,
		Outcome:       outcome,
		Winner:        winner,
		Reward:        reward,
		ResolvedPrice: price,
	}, nil
}

type evidence struct {
	price        decimal.Decimal
	proposalTime time.Time
	challenger   common.Address
}

func (ev *evidence) matches(p *domain.Proposal) bool {
	return p.ProposalTime.Equal(ev.proposalTime) && p.Challenger == ev.challenger
}

// disputeEvidence queries the price feed for a challenged Crypto market
// without holding any lock. It returns nil when no feed reading is needed.
func (e *Engine) disputeEvidence(ctx context.Context, op string, id uint64) (*evidence, error) {
	s, ok := e.slot(id)
	if !ok {
		return nil, fail(op, domain.ErrMarketNotFound, "market_id", fmt.Sprint(id))
	}
	s.mu.Lock()
	m := s.m
	p := m.Proposal
	need := m.Status == domain.MarketStatusPendingResolution && p != nil && p.Challenged &&
		p.Adjudication == nil && m.Resolution.Kind == domain.ResolutionCrypto
	var asset string
	var ev evidence
	if need {
		asset = m.Resolution.Crypto.Asset
		ev.proposalTime = p.ProposalTime
		ev.challenger = p.Challenger
	}
	s.mu.Unlock()
	if !need {
		return nil, nil
	}

	if e.feed == nil {
		return nil, fail(op, domain.ErrOracleUnavailable, "asset", asset, "reason", "no price feed configured")
	}
	fctx, cancel := context.WithTimeout(ctx, e.cfg.OracleTimeout)
	defer cancel()
	price, found, err := e.feed.GetPrice(fctx, asset)
	if err != nil {
		e.logger.WarnContext(ctx, "engine: price feed failed during dispute",
			slog.Uint64("market_id", id),
			slog.String("asset", asset),
			slog.String("error", err.Error()),
		)
		return nil, fail(op, domain.ErrOracleUnavailable, "asset", asset, "cause", err.Error())
	}
	if !found {
		return nil, fail(op, domain.ErrOracleUnavailable, "asset", asset, "reason", "no price reported")
	}
	ev.price = price
	return &ev, nil
}
