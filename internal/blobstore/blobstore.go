// Package blobstore reads and writes submission artifacts: attack files and
// zipped defense build contexts. Keys are opaque; the ingest pipeline that
// writes them lives outside this codebase.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotExist is returned when the requested object is missing from the
// store.
var ErrNotExist = errors.New("object does not exist")

// Store is the read/write surface the evaluation pipeline needs.
type Store interface {
	// Download returns the full object body.
	Download(ctx context.Context, key string) ([]byte, error)
	// DownloadTo streams the object body into w and returns the bytes copied.
	DownloadTo(ctx context.Context, key string, w io.Writer) (int64, error)
	// Upload writes an object of the given size.
	Upload(ctx context.Context, key string, r io.Reader, size int64) error
}

// Config carries the S3-compatible endpoint settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIO is the production Store against any S3-compatible endpoint.
type MinIO struct {
	client *minio.Client
	bucket string
}

// NewMinIO connects to the configured endpoint. The connection is lazy;
// failures surface on the first operation.
func NewMinIO(cfg Config) (*MinIO, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: connect to %s: %w", cfg.Endpoint, err)
	}
	return &MinIO{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the configured bucket if it does not exist yet.
// Used by local development tooling; production buckets are provisioned
// out of band.
func (s *MinIO) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("blobstore: check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("blobstore: create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Download returns the full object body.
func (s *MinIO) Download(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("blobstore: download %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("blobstore: download %s: %w", key, translateMinioErr(err))
	}
	return data, nil
}

// DownloadTo streams the object body into w.
func (s *MinIO) DownloadTo(ctx context.Context, key string, w io.Writer) (int64, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return 0, fmt.Errorf("blobstore: download %s: %w", key, err)
	}
	defer obj.Close()

	n, err := io.Copy(w, obj)
	if err != nil {
		return n, fmt.Errorf("blobstore: download %s: %w", key, translateMinioErr(err))
	}
	return n, nil
}

// Upload writes an object of the given size.
func (s *MinIO) Upload(ctx context.Context, key string, r io.Reader, size int64) error {
	if _, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{}); err != nil {
		return fmt.Errorf("blobstore: upload %s: %w", key, err)
	}
	return nil
}

// translateMinioErr maps the S3 "NoSuchKey" response onto ErrNotExist so
// callers can treat missing objects uniformly across Store implementations.
func translateMinioErr(err error) error {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) && (resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket") {
		return fmt.Errorf("%w: %s", ErrNotExist, resp.Code)
	}
	return err
}
