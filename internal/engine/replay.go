package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
)

const replayPageSize = 1000

// Replay rebuilds in-memory state from the journal. It must run on an empty
// engine before any operation is accepted.
func (e *Engine) Replay(ctx context.Context) (int, error) {
	return e.ReplayFrom(ctx, e.journal)
}

// ReplayFrom rebuilds state from src, which must hold the complete history
// that the engine's own journal continues, for example archived segments
// followed by the live journal.
func (e *Engine) ReplayFrom(ctx context.Context, src domain.Journal) (int, error) {
	e.state.Lock()
	defer e.state.Unlock()

	if e.CountMarkets() > 0 || e.seq.Load() > 0 {
		return 0, fmt.Errorf("engine: replay: engine already has state")
	}

	var applied int
	var after uint64
	for {
		events, err := src.Read(ctx, domain.EventFilter{AfterSeq: after, Limit: replayPageSize})
		if err != nil {
			return applied, fmt.Errorf("engine: replay: read journal after %d: %w", after, err)
		}
		if len(events) == 0 {
			break
		}
		for i := range events {
			ev := &events[i]
			if ev.Seq <= after {
				return applied, fmt.Errorf("engine: replay: journal out of order at seq %d", ev.Seq)
			}
			if err := e.replayOne(ev); err != nil {
				return applied, err
			}
			after = ev.Seq
			applied++
		}
	}
	e.seq.Store(after)

	e.logger.InfoContext(ctx, "engine: journal replayed",
		slog.Int("events", applied),
		slog.Uint64("last_seq", after),
		slog.Int("markets", e.CountMarkets()),
	)
	return applied, nil
}

func (e *Engine) replayOne(ev *domain.Event) error {
	var s *marketSlot
	if ev.Market != nil {
		var ok bool
		s, ok = e.slot(ev.MarketID)
		switch {
		case ev.Type == domain.EventMarketCreated && ok:
			return fmt.Errorf("engine: replay: market %d created twice (seq %d)", ev.MarketID, ev.Seq)
		case ev.Type == domain.EventMarketCreated:
			s = &marketSlot{}
		case !ok:
			return fmt.Errorf("engine: replay: event %d references unknown market %d", ev.Seq, ev.MarketID)
		}
	}
	if err := e.ledger.Replay(ev.Moves); err != nil {
		return fmt.Errorf("engine: replay: seq %d: %w", ev.Seq, err)
	}
	if s != nil {
		s.mu.Lock()
		e.install(s, ev)
		s.mu.Unlock()
	} else {
		e.install(nil, ev)
	}
	return nil
}
