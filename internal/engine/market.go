package engine

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/oraclemarket/internal/amm"
	"github.com/alanyoungcy/oraclemarket/internal/domain"
)

const (
	minQuestionLen   = 10
	maxQuestionLen   = 500
	maxMetadataLen   = 2000
	maxPriceDecimals = 6
)

// CreateMarketRequest describes a new market. TargetAsset, TargetPrice and
// PriceAbove are required for Crypto markets and rejected for every other
// category. Liquidity is debited from the creator and seeds both pools.
type CreateMarketRequest struct {
	Creator     common.Address
	Question    string
	Metadata    string
	Category    domain.Category
	Deadline    time.Time
	TargetAsset *string
	TargetPrice *decimal.Decimal
	PriceAbove  *bool
	Liquidity   *big.Int
}

// plainText strips markup and keeps the text as typed. The strict policy
// entity-encodes what it keeps, so the result is decoded again; clients
// escape on render.
func (e *Engine) plainText(s string) string {
	return html.UnescapeString(e.sanitizer.Sanitize(s))
}

// CreateMarket opens a market at a 50/50 price and returns its id.
func (e *Engine) CreateMarket(ctx context.Context, req CreateMarketRequest) (uint64, error) {
	const op = "engine: create market"
	if err := requireParticipant(op, req.Creator); err != nil {
		return 0, err
	}
	if err := requireAmount(op, "liquidity", req.Liquidity); err != nil {
		return 0, err
	}
	if req.Liquidity.Cmp(e.cfg.MinLiquidity) < 0 {
		return 0, fail(op, domain.ErrInvalidInput,
			"field", "liquidity",
			"minimum", domain.FormatUnits(e.cfg.MinLiquidity),
		)
	}
	question := strings.TrimSpace(e.plainText(req.Question))
	if n := utf8.RuneCountInString(question); n < minQuestionLen || n > maxQuestionLen {
		return 0, fail(op, domain.ErrInvalidInput, "field", "question",
			"reason", fmt.Sprintf("length must be %d-%d characters", minQuestionLen, maxQuestionLen))
	}
	metadata := e.plainText(req.Metadata)
	if utf8.RuneCountInString(metadata) > maxMetadataLen {
		return 0, fail(op, domain.ErrInvalidInput, "field", "metadata")
	}
	if !req.Category.Valid() {
		return 0, fail(op, domain.ErrInvalidInput, "field", "category")
	}
	resolution, err := resolutionContext(op, req)
	if err != nil {
		return 0, err
	}

	e.state.RLock()
	defer e.state.RUnlock()
	e.createMu.Lock()
	defer e.createMu.Unlock()

	now := e.clock.Now()
	if !req.Deadline.After(now) {
		return 0, fail(op, domain.ErrInvalidInput, "field", "deadline", "reason", "must be in the future")
	}

	e.mu.RLock()
	id := e.nextID
	e.mu.RUnlock()

	m := &domain.Market{
		ID:          id,
		Creator:     req.Creator,
		Question:    question,
		Metadata:    metadata,
		Category:    req.Category,
		Deadline:    req.Deadline.UTC(),
		Status:      domain.MarketStatusOpen,
		Outcome:     domain.OutcomeUnresolved,
		Resolution:  resolution,
		YesPool:     domain.CloneAmount(req.Liquidity),
		NoPool:      domain.CloneAmount(req.Liquidity),
		Collateral:  domain.CloneAmount(req.Liquidity),
		Liquidity:   domain.CloneAmount(req.Liquidity),
		TotalVolume: new(big.Int),
		CreatedAt:   now,
	}
	ev := &domain.Event{
		Type:        domain.EventMarketCreated,
		At:          now,
		MarketID:    id,
		Participant: req.Creator,
		Amount:      domain.CloneAmount(req.Liquidity),
		Market:      m,
		Moves:       []domain.Movement{domain.Debit(req.Creator, req.Liquidity)},
	}
	if err := e.commit(ctx, op, &marketSlot{}, ev); err != nil {
		return 0, err
	}

	e.logger.InfoContext(ctx, "engine: market created",
		slog.Uint64("market_id", id),
		slog.String("creator", req.Creator.Hex()),
		slog.String("category", string(req.Category)),
		slog.Time("deadline", m.Deadline),
		slog.String("liquidity", domain.FormatUnits(req.Liquidity)),
	)
	return id, nil
}

func resolutionContext(op string, req CreateMarketRequest) (domain.ResolutionContext, error) {
	hasTarget := req.TargetAsset != nil || req.TargetPrice != nil || req.PriceAbove != nil
	if req.Category != domain.CategoryCrypto {
		if hasTarget {
			return domain.ResolutionContext{}, fail(op, domain.ErrInvalidInput,
				"field", "target_asset", "reason", "only crypto markets take a price target")
		}
		return domain.GenericResolution(), nil
	}

	if req.TargetAsset == nil || strings.TrimSpace(*req.TargetAsset) == "" {
		return domain.ResolutionContext{}, fail(op, domain.ErrInvalidInput, "field", "target_asset")
	}
	if req.TargetPrice == nil || !req.TargetPrice.IsPositive() {
		return domain.ResolutionContext{}, fail(op, domain.ErrInvalidInput, "field", "target_price")
	}
	if !req.TargetPrice.Equal(req.TargetPrice.Truncate(maxPriceDecimals)) {
		return domain.ResolutionContext{}, fail(op, domain.ErrInvalidInput,
			"field", "target_price", "reason", "at most 6 decimals")
	}
	above := true
	if req.PriceAbove != nil {
		above = *req.PriceAbove
	}
	asset := strings.ToLower(strings.TrimSpace(*req.TargetAsset))
	return domain.CryptoResolution(asset, *req.TargetPrice, above), nil
}

// MarketView is a read-only snapshot of a market with its derived state.
type MarketView struct {
	*domain.Market
	EffectiveStatus domain.MarketStatus    `json:"effective_status"`
	ResolutionState domain.ResolutionState `json:"resolution_state"`
	YesPriceBps     int64                  `json:"yes_price_bps"`
	NoPriceBps      int64                  `json:"no_price_bps"`
}

func viewOf(m *domain.Market, now time.Time) MarketView {
	p := amm.Pool{Yes: m.YesPool, No: m.NoPool}
	return MarketView{
		Market:          m.CloneHeader(),
		EffectiveStatus: domain.EffectiveStatus(m, now),
		ResolutionState: domain.ResolutionStateOf(m),
		YesPriceBps:     amm.PriceBps(p, domain.SideYes),
		NoPriceBps:      amm.PriceBps(p, domain.SideNo),
	}
}

// GetMarket returns a snapshot of one market.
func (e *Engine) GetMarket(id uint64) (MarketView, error) {
	s, ok := e.slot(id)
	if !ok {
		return MarketView{}, fail("engine: get market", domain.ErrMarketNotFound, "market_id", fmt.Sprint(id))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return viewOf(s.m, e.clock.Now()), nil
}

// ListMarkets returns markets in id order.
func (e *Engine) ListMarkets(opts domain.ListOpts) []MarketView {
	e.mu.RLock()
	ids := make([]uint64, 0, len(e.markets))
	for id := range e.markets {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if opts.Offset > 0 {
		if opts.Offset >= len(ids) {
			return nil
		}
		ids = ids[opts.Offset:]
	}
	if opts.Limit > 0 && len(ids) > opts.Limit {
		ids = ids[:opts.Limit]
	}

	now := e.clock.Now()
	out := make([]MarketView, 0, len(ids))
	for _, id := range ids {
		s, ok := e.slot(id)
		if !ok {
			continue
		}
		s.mu.Lock()
		out = append(out, viewOf(s.m, now))
		s.mu.Unlock()
	}
	return out
}

// CountMarkets returns the number of markets ever created.
func (e *Engine) CountMarkets() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.markets)
}

// GetPosition returns the participant's holdings in a market. A participant
// who never traded has an empty position.
func (e *Engine) GetPosition(id uint64, participant common.Address) (*domain.Position, error) {
	s, ok := e.slot(id)
	if !ok {
		return nil, fail("engine: get position", domain.ErrMarketNotFound, "market_id", fmt.Sprint(id))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.Position(participant).Clone(), nil
}

// GetProposal returns the active proposal of a market.
func (e *Engine) GetProposal(id uint64) (*domain.Proposal, error) {
	const op = "engine: get proposal"
	s, ok := e.slot(id)
	if !ok {
		return nil, fail(op, domain.ErrMarketNotFound, "market_id", fmt.Sprint(id))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m.Proposal == nil {
		return nil, fail(op, domain.ErrNoProposal, "market_id", fmt.Sprint(id))
	}
	return s.m.Proposal.Clone(), nil
}

// PriceQuote is the implied probability of one side.
type PriceQuote struct {
	MarketID    uint64          `json:"market_id"`
	Side        domain.Side     `json:"side"`
	Bps         int64           `json:"bps"`
	Percent     int64           `json:"percent"`
	Probability decimal.Decimal `json:"probability"`
}

// Price returns the current implied probability of side s.
func (e *Engine) Price(id uint64, s domain.Side) (PriceQuote, error) {
	const op = "engine: price"
	if err := requireSide(op, s); err != nil {
		return PriceQuote{}, err
	}
	sl, ok := e.slot(id)
	if !ok {
		return PriceQuote{}, fail(op, domain.ErrMarketNotFound, "market_id", fmt.Sprint(id))
	}
	sl.mu.Lock()
	p := amm.Pool{Yes: domain.CloneAmount(sl.m.YesPool), No: domain.CloneAmount(sl.m.NoPool)}
	sl.mu.Unlock()

	bps := amm.PriceBps(p, s)
	return PriceQuote{
		MarketID:    id,
		Side:        s,
		Bps:         bps,
		Percent:     bps / 100,
		Probability: amm.Price(p, s),
	}, nil
}

// checkMarket verifies the structural invariants of a market about to be
// committed.
func checkMarket(m *domain.Market, positions []*domain.Position) string {
	if m.Status == domain.MarketStatusOpen && (m.YesPool.Sign() <= 0 || m.NoPool.Sign() <= 0) {
		return "open pool reserves must be positive"
	}
	if m.Collateral.Sign() < 0 {
		return "collateral must not be negative"
	}
	if (m.Outcome != domain.OutcomeUnresolved) != (m.Status == domain.MarketStatusResolved) {
		return "outcome is set exactly when resolved"
	}
	if (m.Proposal != nil) != (m.Status == domain.MarketStatusPendingResolution) {
		return "proposal exists exactly while pending resolution"
	}
	for _, p := range positions {
		if p.YesShares.Sign() < 0 || p.NoShares.Sign() < 0 {
			return "shares must not be negative"
		}
	}
	return ""
}
