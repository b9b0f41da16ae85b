// Package blob abstracts the shared object store that holds staged
// artifacts, run logs and the rendered dashboard.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotExist is returned by Stat and Download when no object lives at
// the given path.
var ErrNotExist = errors.New("object does not exist")

// ObjectInfo carries the metadata the freshness gate needs.
type ObjectInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// Store is the object-store capability consumed by the pipeline: an
// existence/metadata check, upload, download and public-URL issuance.
type Store interface {
	Stat(ctx context.Context, path string) (ObjectInfo, error)
	Upload(ctx context.Context, path string, data []byte, contentType string) error
	Download(ctx context.Context, path string) ([]byte, error)
	PublicURL(ctx context.Context, path string) (string, error)
}

// MinioStore implements Store against an S3-compatible endpoint.
type MinioStore struct {
	client        *minio.Client
	bucket        string
	publicBaseURL string
}

// MinioOptions configures NewMinio.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicBaseURL, when set, is joined with object paths instead of
	// issuing presigned URLs.
	PublicBaseURL string
}

// NewMinio connects to the object store and ensures the bucket exists.
func NewMinio(ctx context.Context, opts MinioOptions) (*MinioStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}

	return &MinioStore{
		client:        client,
		bucket:        opts.Bucket,
		publicBaseURL: strings.TrimRight(opts.PublicBaseURL, "/"),
	}, nil
}

// Stat returns object metadata, or ErrNotExist.
func (s *MinioStore) Stat(ctx context.Context, path string) (ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, path, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return ObjectInfo{}, ErrNotExist
		}
		return ObjectInfo{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return ObjectInfo{
		Path:         path,
		Size:         info.Size,
		LastModified: info.LastModified,
		ContentType:  info.ContentType,
	}, nil
}

// Upload writes the object, overwriting any previous version.
func (s *MinioStore) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, path, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	return nil
}

// Download reads the whole object into memory. Staged artifacts are
// bounded (one product or one week of sensor readings), so streaming is
// not needed.
func (s *MinioStore) Download(ctx context.Context, path string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", path, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("download %s: %w", path, err)
	}
	return data, nil
}

// PublicURL returns a link a browser can open: either the configured
// public base joined with the path, or a presigned URL valid for a week.
func (s *MinioStore) PublicURL(ctx context.Context, path string) (string, error) {
	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/" + strings.TrimLeft(path, "/"), nil
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, path, 7*24*time.Hour, nil)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", path, err)
	}
	return u.String(), nil
}
