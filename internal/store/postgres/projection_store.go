package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
)

// ProjectionStore keeps the markets and positions tables in step with the
// change feed so analysts can query state without replaying the journal. It
// implements feed.Sink. Rows only move forward: an event older than the row
// it would overwrite is ignored, so redelivery is harmless.
type ProjectionStore struct {
	pool *pgxpool.Pool
}

// NewProjectionStore creates a new ProjectionStore backed by the given connection pool.
func NewProjectionStore(pool *pgxpool.Pool) *ProjectionStore {
	return &ProjectionStore{pool: pool}
}

const upsertMarketSQL = `
	INSERT INTO markets (
		id, creator, question, category, status, outcome, deadline,
		yes_pool, no_pool, collateral, total_volume,
		resolved_at, created_at, last_seq, updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7,
		$8::text::numeric, $9::text::numeric, $10::text::numeric, $11::text::numeric,
		$12, $13, $14, NOW()
	)
	ON CONFLICT (id) DO UPDATE SET
		status       = EXCLUDED.status,
		outcome      = EXCLUDED.outcome,
		yes_pool     = EXCLUDED.yes_pool,
		no_pool      = EXCLUDED.no_pool,
		collateral   = EXCLUDED.collateral,
		total_volume = EXCLUDED.total_volume,
		resolved_at  = EXCLUDED.resolved_at,
		last_seq     = EXCLUDED.last_seq,
		updated_at   = NOW()
	WHERE markets.last_seq < EXCLUDED.last_seq`

const upsertPositionSQL = `
	INSERT INTO positions (market_id, participant, yes_shares, no_shares, last_seq, updated_at)
	VALUES ($1, $2, $3::text::numeric, $4::text::numeric, $5, NOW())
	ON CONFLICT (market_id, participant) DO UPDATE SET
		yes_shares = EXCLUDED.yes_shares,
		no_shares  = EXCLUDED.no_shares,
		last_seq   = EXCLUDED.last_seq,
		updated_at = NOW()
	WHERE positions.last_seq < EXCLUDED.last_seq`

// Name implements feed.Sink.
func (s *ProjectionStore) Name() string { return "postgres_projection" }

// Deliver implements feed.Sink. Events that touch no market are skipped.
func (s *ProjectionStore) Deliver(ctx context.Context, ev domain.Event, _ []byte) error {
	batch := projectionBatch(ev)
	if batch.Len() == 0 {
		return nil
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: project event %d item %d: %w", ev.Seq, i, err)
		}
	}
	return nil
}

func projectionBatch(ev domain.Event) *pgx.Batch {
	batch := &pgx.Batch{}
	if ev.Market != nil {
		batch.Queue(upsertMarketSQL, marketArgs(ev.Market, ev.Seq)...)
	}
	for _, p := range ev.Positions {
		batch.Queue(upsertPositionSQL, positionArgs(p, ev.Seq)...)
	}
	return batch
}

func marketArgs(m *domain.Market, seq uint64) []any {
	return []any{
		int64(m.ID), m.Creator.Hex(), m.Question, string(m.Category),
		string(m.Status), string(m.Outcome), m.Deadline,
		numeric(m.YesPool), numeric(m.NoPool), numeric(m.Collateral), numeric(m.TotalVolume),
		m.ResolvedAt, m.CreatedAt, int64(seq),
	}
}

func positionArgs(p *domain.Position, seq uint64) []any {
	return []any{
		int64(p.MarketID), p.Participant.Hex(),
		numeric(p.YesShares), numeric(p.NoShares), int64(seq),
	}
}

// numeric renders a wei amount for a NUMERIC(78, 0) column.
func numeric(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
