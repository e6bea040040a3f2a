// Package memory implements an in-process journal and audit log. They are
// used by tests and by the single-node development mode.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
)

type record struct {
	seq      uint64
	marketID uint64
	data     []byte
}

// Journal keeps events as encoded JSON so callers never share memory with
// the stored copy.
type Journal struct {
	mu      sync.RWMutex
	records []record
	failErr error
}

// NewJournal creates an empty journal.
func NewJournal() *Journal {
	return &Journal{}
}

// FailWith makes every subsequent Append return err. Pass nil to recover.
func (j *Journal) FailWith(err error) {
	j.mu.Lock()
	j.failErr = err
	j.mu.Unlock()
}

// Append stores events. Sequence numbers must be strictly increasing.
func (j *Journal) Append(_ context.Context, events []domain.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failErr != nil {
		return j.failErr
	}

	last := j.lastSeqLocked()
	batch := make([]record, 0, len(events))
	for i := range events {
		ev := &events[i]
		if ev.Seq <= last {
			return fmt.Errorf("memory: append seq %d after %d: %w", ev.Seq, last, domain.ErrAlreadyExists)
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("memory: encode event %d: %w", ev.Seq, err)
		}
		batch = append(batch, record{seq: ev.Seq, marketID: ev.MarketID, data: data})
		last = ev.Seq
	}
	j.records = append(j.records, batch...)
	return nil
}

// Read returns events matching filter in seq order.
func (j *Journal) Read(_ context.Context, filter domain.EventFilter) ([]domain.Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	start := sort.Search(len(j.records), func(i int) bool { return j.records[i].seq > filter.AfterSeq })
	var out []domain.Event
	for _, r := range j.records[start:] {
		if filter.MarketID != 0 && r.marketID != filter.MarketID {
			continue
		}
		var ev domain.Event
		if err := json.Unmarshal(r.data, &ev); err != nil {
			return nil, fmt.Errorf("memory: decode event %d: %w", r.seq, err)
		}
		if filter.Before != nil && !ev.At.Before(*filter.Before) {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// LastSeq returns the highest stored seq, or zero when empty.
func (j *Journal) LastSeq(_ context.Context) (uint64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.lastSeqLocked(), nil
}

// DeleteBefore drops events with seq below the given value.
func (j *Journal) DeleteBefore(_ context.Context, seq uint64) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := sort.Search(len(j.records), func(i int) bool { return j.records[i].seq >= seq })
	j.records = append([]record(nil), j.records[n:]...)
	return int64(n), nil
}

func (j *Journal) lastSeqLocked() uint64 {
	if len(j.records) == 0 {
		return 0
	}
	return j.records[len(j.records)-1].seq
}
