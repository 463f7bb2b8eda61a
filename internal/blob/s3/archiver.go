package s3blob

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

// multipartWriter is implemented by writers that can split large uploads.
type multipartWriter interface {
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// multipartThreshold routes payloads above it through PutMultipart.
const multipartThreshold = 16 << 20

// ArtifactStore implements domain.ArtifactArchiver on object storage. Keys
// are partitioned by audit so one audit's evidence can be listed together:
//
//	artifacts/{audit}/{artifact}.sol
//	artifacts/{audit}/{artifact}.json
//	traces/{audit}/{artifact}.json
//	audits/{yyyy-mm}/{audit}.json
type ArtifactStore struct {
	writer domain.BlobWriter
}

// NewArtifactStore creates an ArtifactStore over writer.
func NewArtifactStore(writer domain.BlobWriter) *ArtifactStore {
	return &ArtifactStore{writer: writer}
}

// artifactMeta is the JSON sidecar stored next to an artifact's source.
type artifactMeta struct {
	domain.ExploitArtifact
	Bytecode string `json:"bytecode,omitempty"`
}

// ArchiveArtifact stores the Solidity source and a metadata sidecar. It
// returns the source key.
func (a *ArtifactStore) ArchiveArtifact(ctx context.Context, auditID string, art domain.ExploitArtifact) (string, error) {
	if art.ID == "" {
		return "", fmt.Errorf("s3blob: archive artifact: empty id: %w", domain.ErrInvalidInput)
	}
	base := fmt.Sprintf("artifacts/%s/%s", auditID, art.ID)

	srcKey := base + ".sol"
	if err := a.writer.Put(ctx, srcKey, bytes.NewReader([]byte(art.Source)), "text/plain; charset=utf-8"); err != nil {
		return "", fmt.Errorf("s3blob: archive artifact %s: %w", art.ID, err)
	}

	meta := artifactMeta{ExploitArtifact: art}
	if art.Compiled() {
		meta.Bytecode = "0x" + hex.EncodeToString(art.Bytecode)
	}
	if err := a.putJSON(ctx, base+".json", meta); err != nil {
		return "", fmt.Errorf("s3blob: archive artifact meta %s: %w", art.ID, err)
	}
	return srcKey, nil
}

// ArchiveTrace stores an execution result including its raw trace.
func (a *ArtifactStore) ArchiveTrace(ctx context.Context, auditID string, res domain.ExecutionResult) (string, error) {
	key := fmt.Sprintf("traces/%s/%s.json", auditID, res.ArtifactID)
	if err := a.putJSON(ctx, key, res); err != nil {
		return "", fmt.Errorf("s3blob: archive trace %s: %w", res.ArtifactID, err)
	}
	return key, nil
}

// ArchiveResult stores a complete audit result, partitioned by the month it
// completed.
func (a *ArtifactStore) ArchiveResult(ctx context.Context, r domain.AuditResult) (string, error) {
	key := a.ResultKey(r)
	if err := a.putJSON(ctx, key, r); err != nil {
		return "", fmt.Errorf("s3blob: archive result %s: %w", r.ID, err)
	}
	return key, nil
}

// ResultKey returns where ArchiveResult stores r. Results without a
// completion time are filed under the current month.
func (a *ArtifactStore) ResultKey(r domain.AuditResult) string {
	completed := r.CompletedAt
	if completed.IsZero() {
		completed = time.Now()
	}
	return resultPath(r.ID, completed)
}

// EvidencePrefixes returns the artifact and trace prefixes of auditID.
func (a *ArtifactStore) EvidencePrefixes(auditID string) []string {
	return []string{"artifacts/" + auditID + "/", "traces/" + auditID + "/"}
}

func (a *ArtifactStore) putJSON(ctx context.Context, key string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if mw, ok := a.writer.(multipartWriter); ok && buf.Len() > multipartThreshold {
		return mw.PutMultipart(ctx, key, bytes.NewReader(buf.Bytes()), minPartSize)
	}
	return a.writer.Put(ctx, key, &buf, "application/json")
}

// resultPath builds the key of an archived audit result.
//
//	audits/2025-01/0b6c....json
func resultPath(id string, completed time.Time) string {
	return fmt.Sprintf("audits/%s/%s.json", completed.UTC().Format("2006-01"), id)
}

var _ domain.ArtifactArchiver = (*ArtifactStore)(nil)
