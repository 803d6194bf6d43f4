package s3blob

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/natebag/trenchtools/internal/domain"
)

// minPartSize is the smallest part S3 accepts in a multipart upload.
const minPartSize int64 = 5 * 1024 * 1024

// Writer uploads archive objects through the S3 upload manager. Bodies
// smaller than one part go up in a single PutObject; larger ones are split.
type Writer struct {
	uploader *manager.Uploader
	client   *Client
}

// NewWriter creates a Writer for the client's bucket. partSize is clamped to
// the S3 minimum.
func NewWriter(c *Client, partSize int64) *Writer {
	if partSize < minPartSize {
		partSize = minPartSize
	}
	return &Writer{
		uploader: manager.NewUploader(c.s3, func(u *manager.Uploader) {
			u.PartSize = partSize
			u.Concurrency = 2
		}),
		client: c,
	}
}

// Put uploads data to key, under the client prefix, with meta attached as
// object metadata.
func (w *Writer) Put(ctx context.Context, key string, data io.Reader, meta domain.ObjectMeta) error {
	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.client.bucket),
		Key:         aws.String(w.client.ObjectKey(key)),
		Body:        data,
		ContentType: aws.String(contentType),
		Metadata:    objectMetadata(meta),
	}
	if _, err := w.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("s3blob: upload %s: %w", key, err)
	}
	return nil
}

func objectMetadata(meta domain.ObjectMeta) map[string]string {
	md := map[string]string{
		"records": strconv.Itoa(meta.Records),
	}
	if !meta.Cutoff.IsZero() {
		md["cutoff"] = meta.Cutoff.UTC().Format(time.RFC3339)
	}
	return md
}

var _ domain.BlobWriter = (*Writer)(nil)
