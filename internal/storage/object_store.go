package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/nexvision/intake/internal/config"
)

var ErrObjectNotFound = errors.New("object not found")

// Object kinds, used as the first path segment of a key.
const (
	KindOriginal  = "original"
	KindCorrected = "corrected"
	KindReimagine = "reimagine"
)

type ObjectStore struct {
	client *minio.Client
	cfg    config.StorageConfig
}

func NewObjectStore(cfg config.StorageConfig) (*ObjectStore, error) {
	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL

	if strings.HasPrefix(endpoint, "http") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse endpoint: %w", err)
		}
		endpoint = u.Host
		useSSL = u.Scheme == "https"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}

	return &ObjectStore{
		client: client,
		cfg:    cfg,
	}, nil
}

func (s *ObjectStore) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.cfg.BucketOriginals, s.cfg.BucketVariants} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("bucket exists %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
	}
	return nil
}

func (s *ObjectStore) OriginalsBucket() string { return s.cfg.BucketOriginals }

func (s *ObjectStore) VariantsBucket() string { return s.cfg.BucketVariants }

func (s *ObjectStore) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put object %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *ObjectStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s/%s: %w", bucket, key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("read object %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func (s *ObjectStore) Remove(ctx context.Context, bucket, key string) error {
	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s/%s: %w", bucket, key, err)
	}
	return nil
}

// RemovePrefix deletes every object under prefix.
func (s *ObjectStore) RemovePrefix(ctx context.Context, bucket, prefix string) error {
	objects := s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	for rerr := range s.client.RemoveObjects(ctx, bucket, objects, minio.RemoveObjectsOptions{}) {
		if rerr.Err != nil {
			return fmt.Errorf("remove %s/%s: %w", bucket, rerr.ObjectName, rerr.Err)
		}
	}
	return nil
}

// URL returns a presigned GET URL valid for the configured TTL.
func (s *ObjectStore) URL(ctx context.Context, bucket, key string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, bucket, key, s.presignTTL(), url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s/%s: %w", bucket, key, err)
	}
	return u.String(), nil
}

func (s *ObjectStore) presignTTL() time.Duration {
	if s.cfg.PresignTTL <= 0 {
		return time.Hour
	}
	return s.cfg.PresignTTL
}

// ReimaginePrefix is the key prefix holding every generated variant of an upload.
func ReimaginePrefix(uploadID string) string {
	return KindReimagine + "/" + uploadID + "/"
}

// ReimagineKey builds reimagine/<upload id>/<result id>.ext.
func ReimagineKey(uploadID, resultID, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "png"
	}
	return ReimaginePrefix(uploadID) + resultID + "." + ext
}

// ObjectKey builds kind/yyyy/mm/dd/id.ext for an upload.
func ObjectKey(kind, uploadID, ext string, at time.Time) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "bin"
	}
	return path.Join(kind, at.UTC().Format("2006/01/02"), fmt.Sprintf("%s.%s", uploadID, ext))
}
