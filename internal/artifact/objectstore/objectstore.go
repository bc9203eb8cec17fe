// Package objectstore stores finished clips in an S3-compatible bucket
// through the MinIO client.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/jo-hoe/clipforge/internal/artifact"
	"github.com/jo-hoe/clipforge/internal/config"
	"github.com/jo-hoe/clipforge/internal/faults"
)

// objectAPI is the subset of *minio.Client used by Store.
type objectAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	PresignedGetObject(ctx context.Context, bucket, object string, expiry time.Duration, params url.Values) (*url.URL, error)
}

// Store uploads clips as <prefix>/<jobID>/clip.<ext>.
type Store struct {
	client        objectAPI
	bucket        string
	prefix        string
	publicBaseURL string
	presignExpiry time.Duration
}

var _ artifact.Store = (*Store)(nil)

// New connects to the configured endpoint and makes sure the bucket exists.
func New(ctx context.Context, cfg config.MinIOConfig) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio connection: %w", err)
	}
	s := newStore(client, cfg)
	if err := s.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	return s, nil
}

func newStore(client objectAPI, cfg config.MinIOConfig) *Store {
	base := strings.TrimRight(cfg.PublicBaseURL, "/")
	if base == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket)
	}
	return &Store{
		client:        client,
		bucket:        cfg.Bucket,
		prefix:        strings.Trim(cfg.Prefix, "/"),
		publicBaseURL: base,
		presignExpiry: cfg.PresignExpiry,
	}
}

func (s *Store) ensureBucket(ctx context.Context, region string) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if ok {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Key returns the object key for a clip of jobID.
func (s *Store) Key(jobID, localPath string) string {
	return path.Join(s.prefix, artifact.ObjectName(jobID, localPath))
}

func (s *Store) jobPrefix(jobID string) string {
	return path.Join(s.prefix, jobID) + "/"
}

// Store uploads the clip. On any failure the object is removed so a retry
// starts clean.
func (s *Store) Store(ctx context.Context, localPath, jobID string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", faults.StoreError("open clip", err)
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return "", faults.StoreError("stat clip", err)
	}

	key := s.Key(jobID, localPath)
	_, err = s.client.PutObject(ctx, s.bucket, key, f, stat.Size(), minio.PutObjectOptions{
		ContentType: artifact.ContentType(filepath.Ext(localPath)),
	})
	if err != nil {
		s.removeKey(ctx, key)
		return "", faults.StoreError("upload clip", err)
	}
	u, err := s.url(ctx, key)
	if err != nil {
		s.removeKey(ctx, key)
		return "", err
	}
	return u, nil
}

func (s *Store) removeKey(ctx context.Context, key string) {
	_ = s.client.RemoveObject(context.WithoutCancel(ctx), s.bucket, key, minio.RemoveObjectOptions{})
}

func (s *Store) url(ctx context.Context, key string) (string, error) {
	if s.presignExpiry > 0 {
		u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.presignExpiry, nil)
		if err != nil {
			return "", faults.StoreError("presign clip url", err)
		}
		return u.String(), nil
	}
	return s.publicBaseURL + "/" + key, nil
}

// Delete removes every object stored for jobID.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	if jobID == "" {
		return faults.Internal("store", errors.New("empty job id"))
	}
	var errs []error
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: s.jobPrefix(jobID), Recursive: true}) {
		if obj.Err != nil {
			errs = append(errs, obj.Err)
			continue
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return faults.StoreError("delete clip objects", err)
	}
	return nil
}
