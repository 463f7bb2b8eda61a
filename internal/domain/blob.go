package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes one stored evidence object. Path is relative to the
// storage namespace.
type BlobInfo struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// BlobWriter stores objects.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader reads objects back. Get on a missing path returns ErrNotFound.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// ArtifactArchiver lays out audit evidence in object storage: exploit
// sources, execution traces and whole audit results. Each method returns
// the key it wrote.
type ArtifactArchiver interface {
	ArchiveArtifact(ctx context.Context, auditID string, art ExploitArtifact) (string, error)
	ArchiveTrace(ctx context.Context, auditID string, res ExecutionResult) (string, error)
	ArchiveResult(ctx context.Context, result AuditResult) (string, error)
	// ResultKey is the key ArchiveResult writes result to.
	ResultKey(result AuditResult) string
	// EvidencePrefixes are the prefixes holding auditID's artifacts and
	// traces.
	EvidencePrefixes(auditID string) []string
}
