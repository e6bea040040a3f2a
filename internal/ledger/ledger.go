// Package ledger holds participants' free collateral balances and the
// protocol treasury. Every balance change goes through Transact, which locks
// only the accounts it touches.
package ledger

import (
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
)

type account struct {
	mu      sync.Mutex
	balance *big.Int
}

// Ledger is safe for concurrent use. Lock order is accounts in ascending
// address order, then the treasury.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[common.Address]*account

	treasuryMu sync.Mutex
	treasury   *big.Int
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		accounts: make(map[common.Address]*account),
		treasury: new(big.Int),
	}
}

func (l *Ledger) account(addr common.Address) *account {
	l.mu.RLock()
	a, ok := l.accounts[addr]
	l.mu.RUnlock()
	if ok {
		return a
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok = l.accounts[addr]; ok {
		return a
	}
	a = &account{balance: new(big.Int)}
	l.accounts[addr] = a
	return a
}

// Balance returns a copy of the participant's free balance.
func (l *Ledger) Balance(addr common.Address) *big.Int {
	a := l.account(addr)
	a.mu.Lock()
	defer a.mu.Unlock()
	return new(big.Int).Set(a.balance)
}

// Treasury returns a copy of the accumulated protocol balance.
func (l *Ledger) Treasury() *big.Int {
	l.treasuryMu.Lock()
	defer l.treasuryMu.Unlock()
	return new(big.Int).Set(l.treasury)
}

// Transact applies moves atomically. It locks every touched account, checks
// that no balance would go negative, runs commit, and only then mutates the
// balances. If the check or commit fails nothing is applied and the error is
// returned unchanged. commit may be nil.
func (l *Ledger) Transact(moves []domain.Movement, commit func() error) error {
	deltas, treasuryDelta := netDeltas(moves)
	addrs := sortedAddrs(deltas)

	// Resolve every account before taking any account lock so the map lock
	// is never requested while an account is held.
	locked := make([]*account, len(addrs))
	for i, addr := range addrs {
		locked[i] = l.account(addr)
	}
	for _, a := range locked {
		a.mu.Lock()
	}
	defer func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].mu.Unlock()
		}
	}()

	for i, addr := range addrs {
		next := new(big.Int).Add(locked[i].balance, deltas[addr])
		if next.Sign() < 0 {
			required := new(big.Int).Neg(deltas[addr])
			return domain.NewError("ledger", domain.ErrInsufficientBalance,
				"account", addr.Hex(),
				"balance", domain.FormatUnits(locked[i].balance),
				"required", domain.FormatUnits(required),
			)
		}
	}
	// A treasury debit holds the treasury lock until it is applied; credits
	// only take it briefly at the end.
	debitsTreasury := treasuryDelta.Sign() < 0
	if debitsTreasury {
		l.treasuryMu.Lock()
		defer l.treasuryMu.Unlock()
		if new(big.Int).Add(l.treasury, treasuryDelta).Sign() < 0 {
			return domain.NewError("ledger", domain.ErrInsufficientBalance,
				"account", "treasury",
				"balance", domain.FormatUnits(l.treasury),
			)
		}
	}

	if commit != nil {
		if err := commit(); err != nil {
			return err
		}
	}

	for i, addr := range addrs {
		locked[i].balance.Add(locked[i].balance, deltas[addr])
	}
	switch {
	case debitsTreasury:
		l.treasury.Add(l.treasury, treasuryDelta)
	case treasuryDelta.Sign() > 0:
		l.treasuryMu.Lock()
		l.treasury.Add(l.treasury, treasuryDelta)
		l.treasuryMu.Unlock()
	}
	return nil
}

// Replay applies already-committed moves without a commit step. A negative
// result means the journal is inconsistent and is reported as an invariant
// violation; the moves are still applied so the caller can inspect state.
func (l *Ledger) Replay(moves []domain.Movement) error {
	deltas, treasuryDelta := netDeltas(moves)
	var violated []string
	for _, addr := range sortedAddrs(deltas) {
		a := l.account(addr)
		a.mu.Lock()
		a.balance.Add(a.balance, deltas[addr])
		if a.balance.Sign() < 0 {
			violated = append(violated, addr.Hex())
		}
		a.mu.Unlock()
	}
	l.treasuryMu.Lock()
	l.treasury.Add(l.treasury, treasuryDelta)
	l.treasuryMu.Unlock()

	if len(violated) > 0 {
		return domain.NewError("ledger: replay", domain.ErrInvariantViolation, "negative_balance", violated[0])
	}
	return nil
}

// Snapshot copies every non-zero balance. Callers that need a consistent
// view must stop writers first.
func (l *Ledger) Snapshot() map[common.Address]*big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[common.Address]*big.Int, len(l.accounts))
	for addr, a := range l.accounts {
		a.mu.Lock()
		if a.balance.Sign() != 0 {
			out[addr] = new(big.Int).Set(a.balance)
		}
		a.mu.Unlock()
	}
	return out
}

// Total sums every participant balance.
func (l *Ledger) Total() *big.Int {
	total := new(big.Int)
	for _, b := range l.Snapshot() {
		total.Add(total, b)
	}
	return total
}

func netDeltas(moves []domain.Movement) (map[common.Address]*big.Int, *big.Int) {
	deltas := make(map[common.Address]*big.Int, len(moves))
	treasury := new(big.Int)
	for _, m := range moves {
		if m.Delta == nil {
			continue
		}
		if m.Treasury {
			treasury.Add(treasury, m.Delta)
			continue
		}
		d, ok := deltas[m.Account]
		if !ok {
			d = new(big.Int)
			deltas[m.Account] = d
		}
		d.Add(d, m.Delta)
	}
	return deltas, treasury
}

func sortedAddrs(m map[common.Address]*big.Int) []common.Address {
	addrs := make([]common.Address, 0, len(m))
	for a := range m {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Cmp(addrs[j]) < 0 })
	return addrs
}
