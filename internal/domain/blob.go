package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// ArchiveResult summarises one archive run.
type ArchiveResult struct {
	Path     string
	Events   int64
	FirstSeq uint64
	LastSeq  uint64
}

// Archiver moves settled journal segments to cold storage.
type Archiver interface {
	ArchiveJournal(ctx context.Context, before time.Time) (ArchiveResult, error)
}
