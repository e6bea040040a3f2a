package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// AuditStore implements domain.AuditStore on the audit_log table.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates a new AuditStore backed by the given connection pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends an audit entry. Detail is stored as JSONB; a zero CreatedAt
// takes the database clock.
func (s *AuditStore) Log(ctx context.Context, e domain.AuditEntry) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}

	const query = `
		INSERT INTO audit_log (event, actor, market_id, detail, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, NOW()))`
	var at any
	if !e.CreatedAt.IsZero() {
		at = e.CreatedAt.UTC()
	}
	if _, err := s.pool.Exec(ctx, query, e.Event, e.Actor, int64(e.MarketID), detail, at); err != nil {
		return fmt.Errorf("postgres: log audit event %s: %w", e.Event, err)
	}
	return nil
}

// List returns audit entries matching q, newest first.
func (s *AuditStore) List(ctx context.Context, q domain.AuditQuery) ([]domain.AuditEntry, error) {
	query, args := auditListQuery(q)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.AuditEntry, error) {
		var (
			e        domain.AuditEntry
			marketID int64
			detail   []byte
		)
		if err := row.Scan(&e.ID, &e.Event, &e.Actor, &marketID, &detail, &e.CreatedAt); err != nil {
			return e, err
		}
		e.MarketID = uint64(marketID)
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return e, fmt.Errorf("unmarshal detail of entry %d: %w", e.ID, err)
			}
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan audit entries: %w", err)
	}
	return entries, nil
}

// auditListQuery builds the filtered SELECT for List.
func auditListQuery(q domain.AuditQuery) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.EventPrefix != "" {
		where = append(where, "event LIKE "+arg(likePrefix(q.EventPrefix))+` ESCAPE '\'`)
	}
	if q.MarketID != 0 {
		where = append(where, "market_id = "+arg(int64(q.MarketID)))
	}
	if q.Since != nil {
		where = append(where, "created_at >= "+arg(q.Since.UTC()))
	}
	if q.Until != nil {
		where = append(where, "created_at <= "+arg(q.Until.UTC()))
	}

	var b strings.Builder
	b.WriteString("SELECT id, event, actor, market_id, detail, created_at FROM audit_log")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC, id DESC LIMIT ")
	b.WriteString(arg(clampAuditLimit(q.Limit)))
	if q.Offset > 0 {
		b.WriteString(" OFFSET ")
		b.WriteString(arg(q.Offset))
	}
	return b.String(), args
}

func clampAuditLimit(n int) int {
	switch {
	case n <= 0:
		return defaultAuditLimit
	case n > maxAuditLimit:
		return maxAuditLimit
	}
	return n
}

// likePrefix escapes LIKE wildcards so prefix matches literally.
func likePrefix(p string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(p) + "%"
}
