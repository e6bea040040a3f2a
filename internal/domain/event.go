package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType names a state transition of the engine.
type EventType string

const (
	EventDeposited          EventType = "deposited"
	EventWithdrawn          EventType = "withdrawn"
	EventMarketCreated      EventType = "market_created"
	EventSharesPurchased    EventType = "shares_purchased"
	EventSharesSold         EventType = "shares_sold"
	EventOutcomeProposed    EventType = "outcome_proposed"
	EventOutcomeChallenged  EventType = "outcome_challenged"
	EventDisputeAdjudicated EventType = "dispute_adjudicated"
	EventMarketResolved     EventType = "market_resolved"
	EventMarketVoided       EventType = "market_voided"
	EventWinningsClaimed    EventType = "winnings_claimed"
	EventTreasurySwept      EventType = "treasury_swept"
)

// Movement is a signed change to one ledger account. Treasury movements have
// Treasury set and a zero Account.
type Movement struct {
	Account  common.Address `json:"account"`
	Treasury bool           `json:"treasury,omitempty"`
	Delta    *big.Int       `json:"delta"`
}

// Debit is a negative movement of amount on account.
func Debit(account common.Address, amount *big.Int) Movement {
	return Movement{Account: account, Delta: new(big.Int).Neg(amount)}
}

// Credit is a positive movement of amount on account.
func Credit(account common.Address, amount *big.Int) Movement {
	return Movement{Account: account, Delta: CloneAmount(amount)}
}

// TreasuryCredit routes amount to the protocol treasury.
func TreasuryCredit(amount *big.Int) Movement {
	return Movement{Treasury: true, Delta: CloneAmount(amount)}
}

// TreasuryDebit removes amount from the protocol treasury.
func TreasuryDebit(amount *big.Int) Movement {
	return Movement{Treasury: true, Delta: new(big.Int).Neg(amount)}
}

// Event is one committed state transition. It carries the post-transition
// market header and every touched position, so replaying events in Seq order
// rebuilds the engine state exactly.
type Event struct {
	Seq         uint64         `json:"seq"`
	ID          uuid.UUID      `json:"id"`
	Type        EventType      `json:"type"`
	At          time.Time      `json:"at"`
	MarketID    uint64         `json:"market_id,omitempty"`
	Participant common.Address `json:"participant,omitempty"`

	Side    Side             `json:"side,omitempty"`
	Outcome Outcome          `json:"outcome,omitempty"`
	Amount  *big.Int         `json:"amount,omitempty"`
	Shares  *big.Int         `json:"shares,omitempty"`
	Fee     *big.Int         `json:"fee,omitempty"`
	Price   *decimal.Decimal `json:"price,omitempty"`

	Market    *Market     `json:"market,omitempty"`
	Positions []*Position `json:"positions,omitempty"`
	Moves     []Movement  `json:"moves,omitempty"`

	// Signature is the operator's signature over the event digest, set by
	// the change feed publisher when a signer is configured.
	Signature []byte `json:"signature,omitempty"`
}

// EventFilter narrows journal reads.
type EventFilter struct {
	AfterSeq uint64
	MarketID uint64
	Before   *time.Time
	Limit    int
}
