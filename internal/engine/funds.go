package engine

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
)

// Deposit credits amount to the participant's free balance.
func (e *Engine) Deposit(ctx context.Context, participant common.Address, amount *big.Int) error {
	const op = "engine: deposit"
	if err := requireParticipant(op, participant); err != nil {
		return err
	}
	if err := requireAmount(op, "amount", amount); err != nil {
		return err
	}

	e.state.RLock()
	defer e.state.RUnlock()

	ev := &domain.Event{
		Type:        domain.EventDeposited,
		Participant: participant,
		Amount:      domain.CloneAmount(amount),
		Moves:       []domain.Movement{domain.Credit(participant, amount)},
	}
	if err := e.commit(ctx, op, nil, ev); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "engine: deposit",
		slog.String("participant", participant.Hex()),
		slog.String("amount", domain.FormatUnits(amount)),
	)
	return nil
}

// Withdraw debits amount from the participant's free balance.
func (e *Engine) Withdraw(ctx context.Context, participant common.Address, amount *big.Int) error {
	const op = "engine: withdraw"
	if err := requireParticipant(op, participant); err != nil {
		return err
	}
	if err := requireAmount(op, "amount", amount); err != nil {
		return err
	}

	e.state.RLock()
	defer e.state.RUnlock()

	ev := &domain.Event{
		Type:        domain.EventWithdrawn,
		Participant: participant,
		Amount:      domain.CloneAmount(amount),
		Moves:       []domain.Movement{domain.Debit(participant, amount)},
	}
	if err := e.commit(ctx, op, nil, ev); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "engine: withdraw",
		slog.String("participant", participant.Hex()),
		slog.String("amount", domain.FormatUnits(amount)),
	)
	return nil
}

// Balance returns the participant's free balance.
func (e *Engine) Balance(participant common.Address) *big.Int {
	return e.ledger.Balance(participant)
}

// Treasury returns the fees and rounding dust collected so far.
func (e *Engine) Treasury() *big.Int {
	return e.ledger.Treasury()
}

// SweepTreasury moves the whole treasury into the configured treasury
// address's free balance, from where it can be withdrawn. Administrator only.
func (e *Engine) SweepTreasury(ctx context.Context, caller common.Address) (*big.Int, error) {
	const op = "engine: sweep treasury"
	if !e.isAdmin(caller) {
		return nil, fail(op, domain.ErrUnauthorized, "caller", caller.Hex())
	}
	if e.cfg.TreasuryAddress == (common.Address{}) {
		return nil, fail(op, domain.ErrInvalidInput, "field", "treasury_address")
	}

	e.state.RLock()
	defer e.state.RUnlock()

	amount := e.ledger.Treasury()
	if amount.Sign() == 0 {
		return nil, fail(op, domain.ErrNothingToClaim, "account", "treasury")
	}
	ev := &domain.Event{
		Type:        domain.EventTreasurySwept,
		Participant: e.cfg.TreasuryAddress,
		Amount:      domain.CloneAmount(amount),
		Moves: []domain.Movement{
			domain.TreasuryDebit(amount),
			domain.Credit(e.cfg.TreasuryAddress, amount),
		},
	}
	if err := e.commit(ctx, op, nil, ev); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "engine: treasury swept",
		slog.String("to", e.cfg.TreasuryAddress.Hex()),
		slog.String("amount", domain.FormatUnits(amount)),
	)
	return amount, nil
}

func (e *Engine) isAdmin(caller common.Address) bool {
	return e.cfg.Admin != (common.Address{}) && caller == e.cfg.Admin
}
