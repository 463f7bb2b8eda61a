package s3blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

// minPartSize is the S3 minimum multipart part size (5 MiB).
const minPartSize int64 = 5 << 20

// Writer implements domain.BlobWriter. Evidence objects are write-once and
// uploaded with an immutable Cache-Control.
type Writer struct {
	c *Client
}

// NewWriter creates a Writer on c.
func NewWriter(c *Client) *Writer {
	return &Writer{c: c}
}

const evidenceCacheControl = "public, max-age=31536000, immutable"

// Put uploads data in a single request.
func (w *Writer) Put(ctx context.Context, p string, data io.Reader, contentType string) error {
	_, err := w.c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(w.c.bucket),
		Key:          aws.String(w.c.key(p)),
		Body:         data,
		ContentType:  aws.String(contentType),
		CacheControl: aws.String(evidenceCacheControl),
	})
	if err != nil {
		return fmt.Errorf("s3blob: put %s: %w", p, err)
	}
	return nil
}

// PutMultipart uploads data in concurrent parts of at least partSize bytes.
// Large execution traces go through here.
func (w *Writer) PutMultipart(ctx context.Context, p string, data io.Reader, partSize int64) error {
	uploader := manager.NewUploader(w.c.s3, func(u *manager.Uploader) {
		u.PartSize = max(partSize, minPartSize)
	})
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(w.c.bucket),
		Key:          aws.String(w.c.key(p)),
		Body:         data,
		ContentType:  aws.String("application/json"),
		CacheControl: aws.String(evidenceCacheControl),
	})
	if err != nil {
		return fmt.Errorf("s3blob: multipart upload %s: %w", p, err)
	}
	return nil
}

var _ domain.BlobWriter = (*Writer)(nil)
