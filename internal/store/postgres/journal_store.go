package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
)

// JournalStore implements domain.Journal using PostgreSQL.
type JournalStore struct {
	pool *pgxpool.Pool
}

// NewJournalStore creates a new JournalStore backed by the given connection pool.
func NewJournalStore(pool *pgxpool.Pool) *JournalStore {
	return &JournalStore{pool: pool}
}

// Append writes events in one transaction. A seq that already exists aborts
// the whole batch.
func (s *JournalStore) Append(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	const query = `
		INSERT INTO engine_events (seq, id, type, market_id, participant, at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	batch := &pgx.Batch{}
	for i := range events {
		ev := &events[i]
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("postgres: marshal event %d: %w", ev.Seq, err)
		}
		participant := ""
		if ev.Participant != (common.Address{}) {
			participant = ev.Participant.Hex()
		}
		batch.Queue(query,
			int64(ev.Seq), ev.ID, string(ev.Type), int64(ev.MarketID),
			participant, ev.At, payload,
		)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin journal append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	br := tx.SendBatch(ctx, batch)
	for i := range events {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("postgres: append event %d: %w", events[i].Seq, domain.ErrAlreadyExists)
			}
			return fmt.Errorf("postgres: append event %d: %w", events[i].Seq, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("postgres: close journal batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit journal append: %w", err)
	}
	return nil
}

// Read returns events in seq order.
func (s *JournalStore) Read(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error) {
	query := `SELECT seq, payload FROM engine_events WHERE seq > $1`
	args := []any{int64(filter.AfterSeq)}
	argIdx := 2

	if filter.MarketID != 0 {
		query += fmt.Sprintf(" AND market_id = $%d", argIdx)
		args = append(args, int64(filter.MarketID))
		argIdx++
	}
	if filter.Before != nil {
		query += fmt.Sprintf(" AND at < $%d", argIdx)
		args = append(args, *filter.Before)
		argIdx++
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: read journal: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var seq int64
		var payload []byte
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		var ev domain.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal event %d: %w", seq, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: read journal rows: %w", err)
	}
	return events, nil
}

// LastSeq returns the highest journaled seq, or zero for an empty journal.
func (s *JournalStore) LastSeq(ctx context.Context) (uint64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM engine_events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("postgres: last journal seq: %w", err)
	}
	return uint64(seq), nil
}

// DeleteBefore removes events with seq lower than the given value. It is
// called only after those events are archived.
func (s *JournalStore) DeleteBefore(ctx context.Context, seq uint64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM engine_events WHERE seq < $1`, int64(seq))
	if err != nil {
		return 0, fmt.Errorf("postgres: prune journal: %w", err)
	}
	return tag.RowsAffected(), nil
}
