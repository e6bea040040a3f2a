package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// Journal is the durable, append-only log of committed events. The engine
// appends before it applies a transition, and replays the journal in Seq
// order at startup.
type Journal interface {
	Append(ctx context.Context, events []Event) error
	Read(ctx context.Context, filter EventFilter) ([]Event, error)
	LastSeq(ctx context.Context) (uint64, error)
}

// JournalPruner removes events that have been archived to cold storage.
type JournalPruner interface {
	DeleteBefore(ctx context.Context, seq uint64) (int64, error)
}

// Audit trail events.
const (
	AuditMarketVoided       = "admin.market_voided"
	AuditDisputeAdjudicated = "admin.dispute_adjudicated"
	AuditTreasurySwept      = "admin.treasury_swept"
	AuditJournalArchived    = "archive.journal"
)

// AuditEntry is one row of the operator audit trail. Actor is the address
// that authorised the action; background jobs leave it empty.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Actor     string         `json:"actor,omitempty"`
	MarketID  uint64         `json:"market_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditQuery selects audit entries, newest first. EventPrefix and MarketID
// narrow the result when set.
type AuditQuery struct {
	EventPrefix string
	MarketID    uint64
	Since       *time.Time
	Until       *time.Time
	Limit       int
	Offset      int
}

// AuditStore persists the append-only trail of privileged actions and
// background jobs. Log stamps entries without a CreatedAt.
type AuditStore interface {
	Log(ctx context.Context, entry AuditEntry) error
	List(ctx context.Context, q AuditQuery) ([]AuditEntry, error)
}
