package domain

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// MarketStatus represents the stored lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusOpen              MarketStatus = "open"
	MarketStatusPendingResolution MarketStatus = "pending_resolution"
	MarketStatusResolved          MarketStatus = "resolved"
	MarketStatusVoided            MarketStatus = "voided"
)

// Terminal reports whether no further transition is possible.
func (s MarketStatus) Terminal() bool {
	return s == MarketStatusResolved || s == MarketStatusVoided
}

// Outcome is the resolved answer of a market.
type Outcome string

const (
	OutcomeUnresolved Outcome = "unresolved"
	OutcomeYes        Outcome = "yes"
	OutcomeNo         Outcome = "no"
)

// Opposite returns the other binary outcome.
func (o Outcome) Opposite() Outcome {
	switch o {
	case OutcomeYes:
		return OutcomeNo
	case OutcomeNo:
		return OutcomeYes
	}
	return OutcomeUnresolved
}

// Side selects the YES or NO outcome token.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// ParseSide accepts "yes"/"no" in any case, ignoring surrounding space.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideYes:
		return SideYes, nil
	case SideNo:
		return SideNo, nil
	}
	return "", fmt.Errorf("unknown side %q", s)
}

// ParseOutcome accepts "yes"/"no" like ParseSide. "unresolved" is not a
// valid answer.
func ParseOutcome(s string) (Outcome, error) {
	side, err := ParseSide(s)
	if err != nil {
		return "", fmt.Errorf("unknown outcome %q", s)
	}
	return side.Outcome(), nil
}

// Outcome maps the token side to the outcome it wins on.
func (s Side) Outcome() Outcome {
	if s == SideYes {
		return OutcomeYes
	}
	return OutcomeNo
}

// Category groups markets by subject.
type Category string

const (
	CategoryCrypto     Category = "crypto"
	CategorySports     Category = "sports"
	CategoryPolitics   Category = "politics"
	CategoryPopCulture Category = "pop_culture"
	CategoryScience    Category = "science"
	CategoryOther      Category = "other"
)

var validCategories = map[Category]bool{
	CategoryCrypto:     true,
	CategorySports:     true,
	CategoryPolitics:   true,
	CategoryPopCulture: true,
	CategoryScience:    true,
	CategoryOther:      true,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool { return validCategories[c] }

// ResolutionKind tags the ResolutionContext variant.
type ResolutionKind string

const (
	ResolutionGeneric ResolutionKind = "generic"
	ResolutionCrypto  ResolutionKind = "crypto"
)

// CryptoTarget is the price condition a Crypto market resolves against.
type CryptoTarget struct {
	Asset       string          `json:"asset"`
	TargetPrice decimal.Decimal `json:"target_price"`
	Above       bool            `json:"above"`
}

// Outcome derives the market answer from an observed asset price: YES when
// price >= target for "above" markets, or price <= target for "below".
func (t CryptoTarget) Outcome(price decimal.Decimal) Outcome {
	if t.Above {
		if price.GreaterThanOrEqual(t.TargetPrice) {
			return OutcomeYes
		}
		return OutcomeNo
	}
	if price.LessThanOrEqual(t.TargetPrice) {
		return OutcomeYes
	}
	return OutcomeNo
}

// ResolutionContext is attached to every market. Crypto is set only when
// Kind == ResolutionCrypto.
type ResolutionContext struct {
	Kind   ResolutionKind `json:"kind"`
	Crypto *CryptoTarget  `json:"crypto,omitempty"`
}

// GenericResolution is the context of every non-Crypto market.
func GenericResolution() ResolutionContext {
	return ResolutionContext{Kind: ResolutionGeneric}
}

// CryptoResolution builds the Crypto variant.
func CryptoResolution(asset string, target decimal.Decimal, above bool) ResolutionContext {
	return ResolutionContext{
		Kind:   ResolutionCrypto,
		Crypto: &CryptoTarget{Asset: asset, TargetPrice: target, Above: above},
	}
}

// Position holds one participant's outcome tokens in one market.
type Position struct {
	MarketID    uint64         `json:"market_id"`
	Participant common.Address `json:"participant"`
	YesShares   *big.Int       `json:"yes_shares"`
	NoShares    *big.Int       `json:"no_shares"`
}

// NewPosition returns an empty position.
func NewPosition(marketID uint64, p common.Address) *Position {
	return &Position{MarketID: marketID, Participant: p, YesShares: new(big.Int), NoShares: new(big.Int)}
}

// Shares returns the holding on side s.
func (p *Position) Shares(s Side) *big.Int {
	if s == SideYes {
		return p.YesShares
	}
	return p.NoShares
}

// Empty reports whether both sides are zero.
func (p *Position) Empty() bool {
	return p.YesShares.Sign() == 0 && p.NoShares.Sign() == 0
}

// Clone returns a deep copy.
func (p *Position) Clone() *Position {
	return &Position{
		MarketID:    p.MarketID,
		Participant: p.Participant,
		YesShares:   CloneAmount(p.YesShares),
		NoShares:    CloneAmount(p.NoShares),
	}
}

// Proposal is the single active resolution claim on a market.
type Proposal struct {
	Proposer        common.Address   `json:"proposer"`
	ProposedOutcome Outcome          `json:"proposed_outcome"`
	ProposedPrice   *decimal.Decimal `json:"proposed_price,omitempty"`
	ProposalTime    time.Time        `json:"proposal_time"`
	Bond            *big.Int         `json:"bond"`

	Challenged       bool             `json:"challenged"`
	Challenger       common.Address   `json:"challenger,omitempty"`
	ChallengeBond    *big.Int         `json:"challenge_bond,omitempty"`
	ChallengeOutcome Outcome          `json:"challenge_outcome,omitempty"`
	ChallengePrice   *decimal.Decimal `json:"challenge_price,omitempty"`
	ChallengeTime    *time.Time       `json:"challenge_time,omitempty"`

	// Adjudication is the administrator's ruling on a disputed market that
	// has no price-feed evidence.
	Adjudication *Outcome `json:"adjudication,omitempty"`
}

// EscrowedBonds is the total collateral held for this proposal.
func (p *Proposal) EscrowedBonds() *big.Int {
	total := CloneAmount(p.Bond)
	if p.Challenged && p.ChallengeBond != nil {
		total.Add(total, p.ChallengeBond)
	}
	return total
}

// Clone returns a deep copy.
func (p *Proposal) Clone() *Proposal {
	c := *p
	c.Bond = CloneAmount(p.Bond)
	if p.ChallengeBond != nil {
		c.ChallengeBond = CloneAmount(p.ChallengeBond)
	}
	if p.ProposedPrice != nil {
		v := *p.ProposedPrice
		c.ProposedPrice = &v
	}
	if p.ChallengePrice != nil {
		v := *p.ChallengePrice
		c.ChallengePrice = &v
	}
	if p.ChallengeTime != nil {
		v := *p.ChallengeTime
		c.ChallengeTime = &v
	}
	if p.Adjudication != nil {
		v := *p.Adjudication
		c.Adjudication = &v
	}
	return &c
}

// Market is the unit of trading and resolution. It owns its positions and
// its proposal; nothing outside the aggregate points back into it.
type Market struct {
	ID         uint64            `json:"id"`
	Creator    common.Address    `json:"creator"`
	Question   string            `json:"question"`
	Metadata   string            `json:"metadata,omitempty"`
	Category   Category          `json:"category"`
	Deadline   time.Time         `json:"deadline"`
	Status     MarketStatus      `json:"status"`
	Outcome    Outcome           `json:"outcome"`
	Resolution ResolutionContext `json:"resolution"`

	YesPool     *big.Int `json:"yes_pool"`
	NoPool      *big.Int `json:"no_pool"`
	Collateral  *big.Int `json:"collateral"`
	Liquidity   *big.Int `json:"liquidity"`
	TotalVolume *big.Int `json:"total_volume"`

	ResolvedPrice     *decimal.Decimal `json:"resolved_price,omitempty"`
	ResolvedAt        *time.Time       `json:"resolved_at,omitempty"`
	LiquidityRedeemed bool             `json:"liquidity_redeemed"`
	CreatedAt         time.Time        `json:"created_at"`

	Proposal  *Proposal                    `json:"proposal,omitempty"`
	Positions map[common.Address]*Position `json:"-"`
}

// Pool returns the reserve of side s.
func (m *Market) Pool(s Side) *big.Int {
	if s == SideYes {
		return m.YesPool
	}
	return m.NoPool
}

// Position returns the participant's position, or an empty one.
func (m *Market) Position(p common.Address) *Position {
	if pos, ok := m.Positions[p]; ok {
		return pos
	}
	return NewPosition(m.ID, p)
}

// SortedPositions returns the non-empty positions ordered by address.
func (m *Market) SortedPositions() []*Position {
	out := make([]*Position, 0, len(m.Positions))
	for _, p := range m.Positions {
		if !p.Empty() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Participant.Cmp(out[j].Participant) < 0
	})
	return out
}

// Clone returns a deep copy of the market header, proposal and positions.
func (m *Market) Clone() *Market {
	c := m.CloneHeader()
	c.Positions = make(map[common.Address]*Position, len(m.Positions))
	for addr, p := range m.Positions {
		c.Positions[addr] = p.Clone()
	}
	return c
}

// CloneHeader copies everything except positions; the result has a nil
// Positions map.
func (m *Market) CloneHeader() *Market {
	c := *m
	c.YesPool = CloneAmount(m.YesPool)
	c.NoPool = CloneAmount(m.NoPool)
	c.Collateral = CloneAmount(m.Collateral)
	c.Liquidity = CloneAmount(m.Liquidity)
	c.TotalVolume = CloneAmount(m.TotalVolume)
	if m.ResolvedPrice != nil {
		v := *m.ResolvedPrice
		c.ResolvedPrice = &v
	}
	if m.ResolvedAt != nil {
		v := *m.ResolvedAt
		c.ResolvedAt = &v
	}
	if m.Resolution.Crypto != nil {
		v := *m.Resolution.Crypto
		c.Resolution.Crypto = &v
	}
	if m.Proposal != nil {
		c.Proposal = m.Proposal.Clone()
	}
	c.Positions = nil
	return &c
}

// EffectiveStatus derives the status observable at now. An Open market whose
// deadline has passed is PendingResolution even before anyone proposes.
func EffectiveStatus(m *Market, now time.Time) MarketStatus {
	if m.Status == MarketStatusOpen && !now.Before(m.Deadline) {
		return MarketStatusPendingResolution
	}
	return m.Status
}

// ResolutionState is the optimistic-oracle sub-state of a market.
type ResolutionState string

const (
	ResolutionNoProposal ResolutionState = "no_proposal"
	ResolutionProposed   ResolutionState = "proposed"
	ResolutionChallenged ResolutionState = "challenged"
	ResolutionFinalized  ResolutionState = "finalized"
)

// ResolutionStateOf reports where m is in the propose/challenge/finalize flow.
func ResolutionStateOf(m *Market) ResolutionState {
	switch {
	case m.Status.Terminal():
		return ResolutionFinalized
	case m.Proposal == nil:
		return ResolutionNoProposal
	case m.Proposal.Challenged:
		return ResolutionChallenged
	}
	return ResolutionProposed
}
