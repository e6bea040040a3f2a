package handler

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
	"github.com/alanyoungcy/oraclemarket/internal/engine"
)

// Amounts leave the API as decimal unit strings, never as raw wei.
func units(a *big.Int) string { return domain.FormatUnits(a) }

func optionalUnits(a *big.Int) string {
	if a == nil || a.Sign() == 0 {
		return ""
	}
	return units(a)
}

// --- requests ---

type amountRequest struct {
	Participant string `json:"participant" validate:"required,eth_addr"`
	Amount      string `json:"amount" validate:"required,numeric"`
}

type createMarketRequest struct {
	Creator     string    `json:"creator" validate:"required,eth_addr"`
	Question    string    `json:"question" validate:"required,max=500"`
	Metadata    string    `json:"metadata" validate:"max=4000"`
	Category    string    `json:"category" validate:"required,oneof=crypto sports politics pop_culture science other"`
	Deadline    time.Time `json:"deadline"`
	TargetAsset *string   `json:"target_asset" validate:"omitempty,min=1,max=32"`
	TargetPrice *string   `json:"target_price" validate:"omitempty,numeric"`
	PriceAbove  *bool     `json:"price_above"`
	Liquidity   string    `json:"liquidity" validate:"required,numeric"`
}

type buyRequest struct {
	Participant string `json:"participant" validate:"required,eth_addr"`
	Side        string `json:"side" validate:"required,side"`
	Amount      string `json:"amount" validate:"required,numeric"`
}

type sellRequest struct {
	Participant string `json:"participant" validate:"required,eth_addr"`
	Side        string `json:"side" validate:"required,side"`
	Shares      string `json:"shares" validate:"required,numeric"`
}

type proposeRequest struct {
	Participant string  `json:"participant" validate:"required,eth_addr"`
	Outcome     string  `json:"outcome" validate:"omitempty,side"`
	Price       *string `json:"price" validate:"omitempty,numeric"`
}

type challengeRequest struct {
	Participant string  `json:"participant" validate:"required,eth_addr"`
	Price       *string `json:"price" validate:"omitempty,numeric"`
}

type participantRequest struct {
	Participant string `json:"participant" validate:"required,eth_addr"`
}

type adjudicateRequest struct {
	Outcome string `json:"outcome" validate:"required,side"`
}

// --- responses ---

type proposalResponse struct {
	Proposer         string           `json:"proposer"`
	ProposedOutcome  domain.Outcome   `json:"proposed_outcome"`
	ProposedPrice    *decimal.Decimal `json:"proposed_price,omitempty"`
	ProposalTime     time.Time        `json:"proposal_time"`
	ChallengeEndsAt  time.Time        `json:"challenge_ends_at"`
	Bond             string           `json:"bond"`
	Challenged       bool             `json:"challenged"`
	Challenger       string           `json:"challenger,omitempty"`
	ChallengeBond    string           `json:"challenge_bond,omitempty"`
	ChallengeOutcome domain.Outcome   `json:"challenge_outcome,omitempty"`
	ChallengePrice   *decimal.Decimal `json:"challenge_price,omitempty"`
	ChallengeTime    *time.Time       `json:"challenge_time,omitempty"`
	Adjudication     *domain.Outcome  `json:"adjudication,omitempty"`
}

func newProposalResponse(p *domain.Proposal, window time.Duration) *proposalResponse {
	if p == nil {
		return nil
	}
	out := &proposalResponse{
		Proposer:         p.Proposer.Hex(),
		ProposedOutcome:  p.ProposedOutcome,
		ProposedPrice:    p.ProposedPrice,
		ProposalTime:     p.ProposalTime,
		ChallengeEndsAt:  p.ProposalTime.Add(window),
		Bond:             units(p.Bond),
		Challenged:       p.Challenged,
		ChallengeBond:    optionalUnits(p.ChallengeBond),
		ChallengeOutcome: p.ChallengeOutcome,
		ChallengePrice:   p.ChallengePrice,
		ChallengeTime:    p.ChallengeTime,
		Adjudication:     p.Adjudication,
	}
	if p.Challenged {
		out.Challenger = p.Challenger.Hex()
	}
	return out
}

type marketResponse struct {
	ID                uint64                   `json:"id"`
	Creator           string                   `json:"creator"`
	Question          string                   `json:"question"`
	Metadata          string                   `json:"metadata,omitempty"`
	Category          domain.Category          `json:"category"`
	Deadline          time.Time                `json:"deadline"`
	Status            domain.MarketStatus      `json:"status"`
	EffectiveStatus   domain.MarketStatus      `json:"effective_status"`
	ResolutionState   domain.ResolutionState   `json:"resolution_state"`
	Outcome           domain.Outcome           `json:"outcome"`
	Resolution        domain.ResolutionContext `json:"resolution"`
	YesPool           string                   `json:"yes_pool"`
	NoPool            string                   `json:"no_pool"`
	Collateral        string                   `json:"collateral"`
	Liquidity         string                   `json:"liquidity"`
	TotalVolume       string                   `json:"total_volume"`
	YesPriceBps       int64                    `json:"yes_price_bps"`
	NoPriceBps        int64                    `json:"no_price_bps"`
	ResolvedPrice     *decimal.Decimal         `json:"resolved_price,omitempty"`
	ResolvedAt        *time.Time               `json:"resolved_at,omitempty"`
	LiquidityRedeemed bool                     `json:"liquidity_redeemed"`
	CreatedAt         time.Time                `json:"created_at"`
	Proposal          *proposalResponse        `json:"proposal,omitempty"`
}

func newMarketResponse(v engine.MarketView, window time.Duration) marketResponse {
	m := v.Market
	return marketResponse{
		ID:                m.ID,
		Creator:           m.Creator.Hex(),
		Question:          m.Question,
		Metadata:          m.Metadata,
		Category:          m.Category,
		Deadline:          m.Deadline,
		Status:            m.Status,
		EffectiveStatus:   v.EffectiveStatus,
		ResolutionState:   v.ResolutionState,
		Outcome:           m.Outcome,
		Resolution:        m.Resolution,
		YesPool:           units(m.YesPool),
		NoPool:            units(m.NoPool),
		Collateral:        units(m.Collateral),
		Liquidity:         units(m.Liquidity),
		TotalVolume:       units(m.TotalVolume),
		YesPriceBps:       v.YesPriceBps,
		NoPriceBps:        v.NoPriceBps,
		ResolvedPrice:     m.ResolvedPrice,
		ResolvedAt:        m.ResolvedAt,
		LiquidityRedeemed: m.LiquidityRedeemed,
		CreatedAt:         m.CreatedAt,
		Proposal:          newProposalResponse(m.Proposal, window),
	}
}

type positionResponse struct {
	MarketID    uint64 `json:"market_id"`
	Participant string `json:"participant"`
	YesShares   string `json:"yes_shares"`
	NoShares    string `json:"no_shares"`
}

func newPositionResponse(p *domain.Position) positionResponse {
	return positionResponse{
		MarketID:    p.MarketID,
		Participant: p.Participant.Hex(),
		YesShares:   units(p.YesShares),
		NoShares:    units(p.NoShares),
	}
}

type finalizeResponse struct {
	MarketID      uint64              `json:"market_id"`
	Status        domain.MarketStatus `json:"status"`
	Outcome       domain.Outcome      `json:"outcome"`
	Winner        string              `json:"winner,omitempty"`
	Reward        string              `json:"reward,omitempty"`
	ResolvedPrice *decimal.Decimal    `json:"resolved_price,omitempty"`
}

type auditResponse struct {
	Balanced     bool     `json:"balanced"`
	FreeBalances string   `json:"free_balances"`
	Bonds        string   `json:"bonds"`
	Collateral   string   `json:"collateral"`
	Treasury     string   `json:"treasury"`
	Total        string   `json:"total"`
	NetDeposits  string   `json:"net_deposits"`
	LastSeq      uint64   `json:"last_seq"`
	Markets      int      `json:"markets"`
	Violations   []string `json:"violations,omitempty"`
}

func newAuditResponse(a engine.AuditReport) auditResponse {
	return auditResponse{
		Balanced:     a.Balanced(),
		FreeBalances: units(a.FreeBalances),
		Bonds:        units(a.Bonds),
		Collateral:   units(a.Collateral),
		Treasury:     units(a.Treasury),
		Total:        units(a.Total),
		NetDeposits:  units(a.NetDeposits),
		LastSeq:      a.LastSeq,
		Markets:      a.Markets,
		Violations:   a.Violations,
	}
}
