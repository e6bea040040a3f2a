package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"

	// DefaultPrefix is the key prefix of journal segments.
	DefaultPrefix = "archive/journal"

	archivePageSize = 1000
	// multipartThreshold switches uploads to the multipart manager.
	multipartThreshold = 16 * 1024 * 1024
)

// ArchiverConfig configures a JournalArchiver.
type ArchiverConfig struct {
	Prefix string
	// Prune deletes archived events from the primary journal after a
	// successful upload. A pruned journal must be restored before replay.
	Prune bool
}

// JournalArchiver implements domain.Archiver. It copies journal events older
// than a cutoff to one JSONL segment per run, keyed by month and seq range:
//
//	archive/journal/2026-03/00000000000000000001-00000000000000004182.jsonl
//
// Segments are immutable; rerunning over the same range finds the existing
// object and skips the upload.
type JournalArchiver struct {
	journal domain.Journal
	pruner  domain.JournalPruner
	writer  domain.BlobWriter
	reader  domain.BlobReader
	audit   domain.AuditStore
	cfg     ArchiverConfig
	logger  *slog.Logger
}

// NewArchiver creates a JournalArchiver. pruner and audit may be nil.
func NewArchiver(
	journal domain.Journal,
	pruner domain.JournalPruner,
	writer domain.BlobWriter,
	reader domain.BlobReader,
	audit domain.AuditStore,
	cfg ArchiverConfig,
	logger *slog.Logger,
) *JournalArchiver {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JournalArchiver{
		journal: journal,
		pruner:  pruner,
		writer:  writer,
		reader:  reader,
		audit:   audit,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveJournal uploads every journaled event stamped before the cutoff.
// It returns a zero result when there is nothing to archive.
func (a *JournalArchiver) ArchiveJournal(ctx context.Context, before time.Time) (domain.ArchiveResult, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	var res domain.ArchiveResult
	var after uint64
	for {
		events, err := a.journal.Read(ctx, domain.EventFilter{AfterSeq: after, Before: &before, Limit: archivePageSize})
		if err != nil {
			return domain.ArchiveResult{}, fmt.Errorf("s3blob: archive read journal: %w", err)
		}
		if len(events) == 0 {
			break
		}
		for i := range events {
			if err := enc.Encode(&events[i]); err != nil {
				return domain.ArchiveResult{}, fmt.Errorf("s3blob: archive encode event %d: %w", events[i].Seq, err)
			}
			if res.Events == 0 {
				res.FirstSeq = events[i].Seq
			}
			res.LastSeq = events[i].Seq
			res.Events++
		}
		after = res.LastSeq
	}
	if res.Events == 0 {
		return res, nil
	}

	res.Path = segmentPath(a.cfg.Prefix, before, res.FirstSeq, res.LastSeq)
	exists, err := a.reader.Exists(ctx, res.Path)
	if err != nil {
		return domain.ArchiveResult{}, err
	}
	if !exists {
		if buf.Len() > multipartThreshold {
			err = a.writer.PutMultipart(ctx, res.Path, &buf, minPartSize)
		} else {
			err = a.writer.Put(ctx, res.Path, &buf, jsonlContentType)
		}
		if err != nil {
			return domain.ArchiveResult{}, fmt.Errorf("s3blob: archive upload: %w", err)
		}
	}

	var pruned int64
	if a.cfg.Prune && a.pruner != nil {
		pruned, err = a.pruner.DeleteBefore(ctx, res.LastSeq+1)
		if err != nil {
			return res, fmt.Errorf("s3blob: archive prune: %w", err)
		}
	}

	a.logger.InfoContext(ctx, "journal segment archived",
		slog.String("path", res.Path),
		slog.Int64("events", res.Events),
		slog.Uint64("first_seq", res.FirstSeq),
		slog.Uint64("last_seq", res.LastSeq),
		slog.Bool("already_stored", exists),
		slog.Int64("pruned", pruned),
	)
	if a.audit != nil {
		if err := a.audit.Log(ctx, domain.AuditEntry{
			Event: domain.AuditJournalArchived,
			Detail: map[string]any{
				"path":      res.Path,
				"events":    res.Events,
				"first_seq": res.FirstSeq,
				"last_seq":  res.LastSeq,
				"pruned":    pruned,
				"before":    before.UTC().Format(time.RFC3339),
			},
		}); err != nil {
			return res, fmt.Errorf("s3blob: archive audit log: %w", err)
		}
	}
	return res, nil
}

// Restore appends archived segments to target in seq order, skipping events
// target already holds. It returns the number of events restored.
func (a *JournalArchiver) Restore(ctx context.Context, target domain.Journal) (int64, error) {
	last, err := target.LastSeq(ctx)
	if err != nil {
		return 0, fmt.Errorf("s3blob: restore last seq: %w", err)
	}
	infos, err := a.reader.List(ctx, a.cfg.Prefix+"/")
	if err != nil {
		return 0, err
	}
	// Zero-padded seq ranges sort lexicographically within a month, and
	// months sort the same way.
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })

	var restored int64
	for _, info := range infos {
		if !strings.HasSuffix(info.Path, ".jsonl") {
			continue
		}
		n, newLast, err := a.restoreSegment(ctx, target, info.Path, last)
		if err != nil {
			return restored, err
		}
		restored += n
		last = newLast
	}
	a.logger.InfoContext(ctx, "journal restored from archive",
		slog.Int("segments", len(infos)),
		slog.Int64("events", restored),
		slog.Uint64("last_seq", last),
	)
	return restored, nil
}

func (a *JournalArchiver) restoreSegment(ctx context.Context, target domain.Journal, path string, last uint64) (int64, uint64, error) {
	body, err := a.reader.Get(ctx, path)
	if err != nil {
		return 0, last, err
	}
	defer body.Close()

	var batch []domain.Event
	var n int64
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := target.Append(ctx, batch); err != nil {
			return fmt.Errorf("s3blob: restore append from %s: %w", path, err)
		}
		n += int64(len(batch))
		batch = batch[:0]
		return nil
	}

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev domain.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return n, last, fmt.Errorf("s3blob: restore decode %s: %w", path, err)
		}
		if ev.Seq <= last {
			continue
		}
		batch = append(batch, ev)
		last = ev.Seq
		if len(batch) == archivePageSize {
			if err := flush(); err != nil {
				return n, last, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return n, last, fmt.Errorf("s3blob: restore read %s: %w", path, err)
	}
	if err := flush(); err != nil {
		return n, last, err
	}
	return n, last, nil
}

func segmentPath(prefix string, before time.Time, first, last uint64) string {
	return fmt.Sprintf("%s/%s/%020d-%020d.jsonl", prefix, before.UTC().Format("2006-01"), first, last)
}

var _ domain.Archiver = (*JournalArchiver)(nil)
