package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
)

// AuditLog is an in-process domain.AuditStore. Details are kept encoded, as
// in the journal.
type AuditLog struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
	details [][]byte
}

// NewAuditLog creates an empty audit log.
func NewAuditLog() *AuditLog {
	return &AuditLog{}
}

// Log implements domain.AuditStore.
func (a *AuditLog) Log(_ context.Context, e domain.AuditEntry) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("memory: marshal audit detail: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.Detail = nil

	a.mu.Lock()
	defer a.mu.Unlock()
	e.ID = int64(len(a.entries) + 1)
	a.entries = append(a.entries, e)
	a.details = append(a.details, detail)
	return nil
}

// List implements domain.AuditStore. Entries come back in reverse insertion
// order.
func (a *AuditLog) List(_ context.Context, q domain.AuditQuery) ([]domain.AuditEntry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []domain.AuditEntry
	skipped := 0
	for i := len(a.entries) - 1; i >= 0; i-- {
		e := a.entries[i]
		if !auditMatches(e, q) {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		if err := json.Unmarshal(a.details[i], &e.Detail); err != nil {
			return nil, fmt.Errorf("memory: unmarshal audit detail: %w", err)
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func auditMatches(e domain.AuditEntry, q domain.AuditQuery) bool {
	switch {
	case q.EventPrefix != "" && !strings.HasPrefix(e.Event, q.EventPrefix):
		return false
	case q.MarketID != 0 && e.MarketID != q.MarketID:
		return false
	case q.Since != nil && e.CreatedAt.Before(*q.Since):
		return false
	case q.Until != nil && e.CreatedAt.After(*q.Until):
		return false
	}
	return true
}

var _ domain.AuditStore = (*AuditLog)(nil)
