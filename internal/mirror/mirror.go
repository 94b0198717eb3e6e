// Package mirror copies finished snapshot files to a Google Cloud Storage
// bucket. The local file stays authoritative; a failed upload never undoes a
// persisted snapshot.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

// DefaultUploadTimeout bounds one upload.
const DefaultUploadTimeout = 2 * time.Minute

// Uploader writes one object. It is the seam between Mirror and the storage
// client.
type Uploader interface {
	Upload(ctx context.Context, bucket, object string, r io.Reader) error
}

// Mirror uploads snapshots to gs://{Bucket}/{Prefix}/{file name}.
type Mirror struct {
	Bucket  string
	Prefix  string
	Timeout time.Duration

	up     Uploader
	closer io.Closer
}

// New connects to GCS with Application Default Credentials.
func New(ctx context.Context, bucket, prefix string) (*Mirror, error) {
	if bucket == "" {
		return nil, errors.New("mirror: bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("mirror: create storage client: %w", err)
	}
	m := NewWithUploader(bucket, prefix, &gcsUploader{client: client})
	m.closer = client
	return m, nil
}

// NewWithUploader builds a Mirror over an arbitrary Uploader.
func NewWithUploader(bucket, prefix string, up Uploader) *Mirror {
	return &Mirror{
		Bucket:  bucket,
		Prefix:  strings.Trim(prefix, "/"),
		Timeout: DefaultUploadTimeout,
		up:      up,
	}
}

// ObjectName returns the object name used for a local snapshot path.
func (m *Mirror) ObjectName(localPath string) string {
	base := filepath.Base(localPath)
	if m.Prefix == "" {
		return base
	}
	return path.Join(m.Prefix, base)
}

// Upload copies the file at localPath and returns its gs:// URI.
func (m *Mirror) Upload(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("mirror: open %q: %w", localPath, err)
	}
	defer f.Close()

	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}

	object := m.ObjectName(localPath)
	if err := m.up.Upload(ctx, m.Bucket, object, f); err != nil {
		return "", fmt.Errorf("mirror: upload %s: %w", object, err)
	}
	return "gs://" + m.Bucket + "/" + object, nil
}

// Close releases the storage client, if any.
func (m *Mirror) Close() error {
	if m.closer == nil {
		return nil
	}
	return m.closer.Close()
}

type gcsUploader struct {
	client *storage.Client
}

// Upload refuses to replace an existing object, matching local snapshot
// immutability.
func (g *gcsUploader) Upload(ctx context.Context, bucket, object string, r io.Reader) error {
	obj := g.client.Bucket(bucket).Object(object).If(storage.Conditions{DoesNotExist: true})

	w := obj.NewWriter(ctx)
	w.ContentType = "text/csv"

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("copy to writer: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize upload: %w", err)
	}
	return nil
}
