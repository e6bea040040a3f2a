package s3blob

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
	"github.com/alanyoungcy/oraclemarket/internal/store/memory"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: map[string][]byte{}} }

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	m.puts++
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, jsonlContentType)
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for p, b := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(b))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path > out[j].Path })
	return out, nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

type memAudit struct{ events []string }

func (a *memAudit) Log(_ context.Context, e domain.AuditEntry) error {
	a.events = append(a.events, e.Event)
	return nil
}

func (a *memAudit) List(context.Context, domain.AuditQuery) ([]domain.AuditEntry, error) {
	return nil, nil
}

var march = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func seed(t *testing.T, j *memory.Journal, from, to uint64) {
	t.Helper()
	for seq := from; seq <= to; seq++ {
		require.NoError(t, j.Append(context.Background(), []domain.Event{{
			Seq:    seq,
			Type:   domain.EventDeposited,
			At:     march.Add(time.Duration(seq) * time.Hour),
			Amount: domain.Units(int64(seq)),
		}}))
	}
}

func TestArchiveJournalWritesSegment(t *testing.T) {
	ctx := context.Background()
	j := memory.NewJournal()
	seed(t, j, 1, 5)
	blobs := newMemBlobs()
	audit := &memAudit{}
	a := NewArchiver(j, j, blobs, blobs, audit, ArchiverConfig{}, nil)

	cutoff := march.Add(3*time.Hour + time.Minute)
	res, err := a.ArchiveJournal(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Events)
	assert.Equal(t, uint64(1), res.FirstSeq)
	assert.Equal(t, uint64(3), res.LastSeq)
	assert.Equal(t, "archive/journal/2026-03/00000000000000000001-00000000000000000003.jsonl", res.Path)
	assert.Equal(t, 3, bytes.Count(blobs.objects[res.Path], []byte("\n")))
	assert.Equal(t, []string{"archive.journal"}, audit.events)

	// Without pruning the journal is untouched and a rerun is a no-op upload.
	last, err := j.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), last)
	_, err = a.ArchiveJournal(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, blobs.puts)
}

func TestArchiveJournalNothingToDo(t *testing.T) {
	j := memory.NewJournal()
	blobs := newMemBlobs()
	a := NewArchiver(j, nil, blobs, blobs, nil, ArchiverConfig{}, nil)

	res, err := a.ArchiveJournal(context.Background(), march)
	require.NoError(t, err)
	assert.Zero(t, res.Events)
	assert.Empty(t, blobs.objects)
}

func TestArchivePruneAndRestore(t *testing.T) {
	ctx := context.Background()
	j := memory.NewJournal()
	seed(t, j, 1, 6)
	blobs := newMemBlobs()
	a := NewArchiver(j, j, blobs, blobs, nil, ArchiverConfig{Prune: true}, nil)

	_, err := a.ArchiveJournal(ctx, march.Add(2*time.Hour+time.Minute))
	require.NoError(t, err)
	_, err = a.ArchiveJournal(ctx, march.Add(4*time.Hour+time.Minute))
	require.NoError(t, err)

	live, err := j.Read(ctx, domain.EventFilter{})
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, uint64(5), live[0].Seq)

	restored := memory.NewJournal()
	n, err := a.Restore(ctx, restored)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	events, err := restored.Read(ctx, domain.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, 0, ev.Amount.Cmp(domain.Units(int64(i+1))))
	}

	again, err := a.Restore(ctx, restored)
	require.NoError(t, err)
	assert.Zero(t, again)
}
