// Package sqlite is the single-node durable backend: the engine journal and
// audit log in one SQLite file through GORM and a pure-Go driver.
package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
)

type eventRow struct {
	Seq         uint64    `gorm:"primaryKey;autoIncrement:false"`
	EventID     string    `gorm:"uniqueIndex;size:36"`
	Type        string    `gorm:"size:32"`
	MarketID    uint64    `gorm:"index"`
	Participant string    `gorm:"size:42"`
	At          time.Time `gorm:"index"`
	Payload     []byte
}

func (eventRow) TableName() string { return "engine_events" }

type auditRow struct {
	ID        int64  `gorm:"primaryKey"`
	Event     string `gorm:"index"`
	Actor     string `gorm:"size:42"`
	MarketID  uint64 `gorm:"index"`
	Detail    []byte
	CreatedAt time.Time `gorm:"index"`
}

func (auditRow) TableName() string { return "audit_log" }

// Store implements domain.Journal, domain.JournalPruner and
// domain.AuditStore.
type Store struct {
	db *gorm.DB
}

// Open opens (creating when needed) the database at path. Use ":memory:" for
// a throwaway database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create data dir: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise see its own empty database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlite: pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&eventRow{}, &auditRow{}); err != nil {
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append writes events in one transaction.
func (s *Store) Append(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]eventRow, 0, len(events))
	for i := range events {
		ev := &events[i]
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("sqlite: marshal event %d: %w", ev.Seq, err)
		}
		row := eventRow{
			Seq:      ev.Seq,
			EventID:  ev.ID.String(),
			Type:     string(ev.Type),
			MarketID: ev.MarketID,
			At:       ev.At.UTC(),
			Payload:  payload,
		}
		if ev.Participant != (common.Address{}) {
			row.Participant = ev.Participant.Hex()
		}
		rows = append(rows, row)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last uint64
		if err := tx.Model(&eventRow{}).Select("COALESCE(MAX(seq), 0)").Scan(&last).Error; err != nil {
			return fmt.Errorf("sqlite: last seq: %w", err)
		}
		if rows[0].Seq <= last {
			return fmt.Errorf("sqlite: append seq %d after %d: %w", rows[0].Seq, last, domain.ErrAlreadyExists)
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("sqlite: append events: %w", err)
		}
		return nil
	})
}

// Read returns events in seq order.
func (s *Store) Read(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error) {
	q := s.db.WithContext(ctx).Model(&eventRow{}).Where("seq > ?", filter.AfterSeq)
	if filter.MarketID != 0 {
		q = q.Where("market_id = ?", filter.MarketID)
	}
	if filter.Before != nil {
		q = q.Where("at < ?", filter.Before.UTC())
	}
	q = q.Order("seq ASC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []eventRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlite: read journal: %w", err)
	}
	events := make([]domain.Event, 0, len(rows))
	for _, r := range rows {
		var ev domain.Event
		if err := json.Unmarshal(r.Payload, &ev); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal event %d: %w", r.Seq, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// LastSeq returns the highest journaled seq.
func (s *Store) LastSeq(ctx context.Context) (uint64, error) {
	var last uint64
	err := s.db.WithContext(ctx).Model(&eventRow{}).Select("COALESCE(MAX(seq), 0)").Scan(&last).Error
	if err != nil {
		return 0, fmt.Errorf("sqlite: last seq: %w", err)
	}
	return last, nil
}

// DeleteBefore removes events with seq lower than the given value.
func (s *Store) DeleteBefore(ctx context.Context, seq uint64) (int64, error) {
	res := s.db.WithContext(ctx).Where("seq < ?", seq).Delete(&eventRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("sqlite: prune journal: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Log appends an audit entry, stamping it with the current time when
// CreatedAt is zero.
func (s *Store) Log(ctx context.Context, e domain.AuditEntry) error {
	data, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("sqlite: marshal audit detail: %w", err)
	}
	at := e.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	row := auditRow{Event: e.Event, Actor: e.Actor, MarketID: e.MarketID, Detail: data, CreatedAt: at.UTC()}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("sqlite: log audit event %s: %w", e.Event, err)
	}
	return nil
}

// List returns audit entries matching q, newest first.
func (s *Store) List(ctx context.Context, q domain.AuditQuery) ([]domain.AuditEntry, error) {
	tx := s.db.WithContext(ctx).Model(&auditRow{})
	if q.EventPrefix != "" {
		tx = tx.Where(`event LIKE ? ESCAPE '\'`, likePrefix(q.EventPrefix))
	}
	if q.MarketID != 0 {
		tx = tx.Where("market_id = ?", q.MarketID)
	}
	if q.Since != nil {
		tx = tx.Where("created_at >= ?", q.Since.UTC())
	}
	if q.Until != nil {
		tx = tx.Where("created_at <= ?", q.Until.UTC())
	}
	limit := q.Limit
	if limit <= 0 || limit > maxAuditLimit {
		limit = maxAuditLimit
	}
	tx = tx.Order("created_at DESC").Order("id DESC").Limit(limit)
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}

	var rows []auditRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}
	entries := make([]domain.AuditEntry, 0, len(rows))
	for _, r := range rows {
		e := domain.AuditEntry{ID: r.ID, Event: r.Event, Actor: r.Actor, MarketID: r.MarketID, CreatedAt: r.CreatedAt}
		if len(r.Detail) > 0 {
			if err := json.Unmarshal(r.Detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("sqlite: unmarshal audit detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

const maxAuditLimit = 1000

func likePrefix(p string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(p) + "%"
}
