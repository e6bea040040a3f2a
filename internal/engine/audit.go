package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
)

// AuditReport is a consistent snapshot of where all collateral sits.
type AuditReport struct {
	FreeBalances *big.Int `json:"free_balances"`
	Bonds        *big.Int `json:"bonds"`
	Collateral   *big.Int `json:"collateral"`
	Treasury     *big.Int `json:"treasury"`
	Total        *big.Int `json:"total"`
	NetDeposits  *big.Int `json:"net_deposits"`
	LastSeq      uint64   `json:"last_seq"`
	Markets      int      `json:"markets"`
	Violations   []string `json:"violations,omitempty"`
}

// Balanced reports whether value was conserved and every market is backed.
func (r AuditReport) Balanced() bool {
	return len(r.Violations) == 0
}

// Audit stops all writers and checks conservation:
//
//	Σ free balances + Σ bonds + Σ market collateral + treasury
//	    == Σ deposits − Σ withdrawals
//
// and, per market, that collateral equals the outstanding token supply that
// can still be redeemed.
func (e *Engine) Audit(ctx context.Context) AuditReport {
	e.state.Lock()
	defer e.state.Unlock()

	r := AuditReport{
		FreeBalances: e.ledger.Total(),
		Bonds:        new(big.Int),
		Collateral:   new(big.Int),
		Treasury:     e.ledger.Treasury(),
		LastSeq:      e.seq.Load(),
	}
	e.flowMu.Lock()
	r.NetDeposits = new(big.Int).Set(e.netFlow)
	e.flowMu.Unlock()

	for addr, bal := range e.ledger.Snapshot() {
		if bal.Sign() < 0 {
			r.Violations = append(r.Violations, fmt.Sprintf("negative balance for %s", addr.Hex()))
		}
	}

	e.mu.RLock()
	slots := make([]*marketSlot, 0, len(e.markets))
	for _, s := range e.markets {
		slots = append(slots, s)
	}
	e.mu.RUnlock()
	r.Markets = len(slots)

	for _, s := range slots {
		s.mu.Lock()
		m := s.m
		r.Collateral.Add(r.Collateral, m.Collateral)
		if m.Proposal != nil {
			r.Bonds.Add(r.Bonds, m.Proposal.EscrowedBonds())
		}
		if v := backingViolation(m); v != "" {
			r.Violations = append(r.Violations, fmt.Sprintf("market %d: %s", m.ID, v))
		}
		s.mu.Unlock()
	}

	r.Total = new(big.Int).Add(r.FreeBalances, r.Bonds)
	r.Total.Add(r.Total, r.Collateral)
	r.Total.Add(r.Total, r.Treasury)
	if r.Total.Cmp(r.NetDeposits) != 0 {
		r.Violations = append(r.Violations, fmt.Sprintf("conservation: holdings %s != net deposits %s",
			domain.FormatUnits(r.Total), domain.FormatUnits(r.NetDeposits)))
	}

	if len(r.Violations) > 0 {
		e.logger.ErrorContext(ctx, "engine: audit failed",
			slog.Int("violations", len(r.Violations)),
			slog.String("first", r.Violations[0]),
		)
	}
	return r
}

// backingViolation checks that a market's collateral matches the tokens that
// can still claim it.
func backingViolation(m *domain.Market) string {
	yes := new(big.Int).Set(m.YesPool)
	no := new(big.Int).Set(m.NoPool)
	for _, p := range m.Positions {
		if p.YesShares.Sign() < 0 || p.NoShares.Sign() < 0 {
			return "negative shares for " + p.Participant.Hex()
		}
		yes.Add(yes, p.YesShares)
		no.Add(no, p.NoShares)
	}

	switch m.Status {
	case domain.MarketStatusOpen, domain.MarketStatusPendingResolution:
		if m.YesPool.Sign() <= 0 || m.NoPool.Sign() <= 0 {
			return "drained pool"
		}
		if yes.Cmp(m.Collateral) != 0 || no.Cmp(m.Collateral) != 0 {
			return fmt.Sprintf("token supply yes=%s no=%s does not match collateral %s",
				domain.FormatUnits(yes), domain.FormatUnits(no), domain.FormatUnits(m.Collateral))
		}
	case domain.MarketStatusResolved:
		winning := yes
		pool := m.YesPool
		if m.Outcome == domain.OutcomeNo {
			winning, pool = no, m.NoPool
		}
		owed := new(big.Int).Sub(winning, pool)
		if !m.LiquidityRedeemed {
			owed.Add(owed, pool)
		}
		if owed.Cmp(m.Collateral) != 0 {
			return fmt.Sprintf("owed %s does not match collateral %s",
				domain.FormatUnits(owed), domain.FormatUnits(m.Collateral))
		}
	case domain.MarketStatusVoided:
		if m.Collateral.Sign() != 0 {
			return "voided market still holds collateral"
		}
	}
	return ""
}
