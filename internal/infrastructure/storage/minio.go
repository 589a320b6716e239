package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/tags"

	"github.com/microfarm/microfarm/internal/infrastructure/configs"
)

// PartSize is the multipart chunk used for streams of unknown length.
const PartSize = 5 << 20

type Config struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Insecure       bool
	ForcePathStyle bool
	// DisableContentSHA256 sends parts unsigned instead of aws-chunked
	// streaming signatures, for stores that do not decode that framing.
	DisableContentSHA256 bool
	PartSize             uint64
	Transport            http.RoundTripper
}

func ConfigFrom(cfg configs.StorageConfig) Config {
	return Config{
		Endpoint:       cfg.Endpoint,
		Region:         cfg.Region,
		AccessKey:      cfg.AccessKey,
		SecretKey:      cfg.SecretKey,
		Insecure:       cfg.Insecure,
		ForcePathStyle: cfg.ForcePathStyle,

		DisableContentSHA256: cfg.DisableContentSHA256,
	}
}

// MinioStore implements ObjectStore on any S3-compatible endpoint.
type MinioStore struct {
	client *minio.Client
	cfg    Config
}

func NewMinioStore(cfg Config) (*MinioStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("storage: endpoint is required")
	}
	if cfg.PartSize == 0 {
		cfg.PartSize = PartSize
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}

	var creds *credentials.Credentials
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
		})
	}

	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(cfg.Endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("storage: create client: %w", err)
	}
	return &MinioStore{client: client, cfg: cfg}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	clone.MaxIdleConnsPerHost = 64
	clone.IdleConnTimeout = 90 * time.Second
	return clone
}

// Client exposes the underlying MinIO client.
func (s *MinioStore) Client() *minio.Client { return s.client }

func (s *MinioStore) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("storage: bucket exists %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		// Lost a race with another uploader.
		if exists, existsErr := s.client.BucketExists(ctx, bucket); existsErr == nil && exists {
			return nil
		}
		return fmt.Errorf("storage: make bucket %s: %w", bucket, err)
	}
	return nil
}

func (s *MinioStore) Put(ctx context.Context, bucket, key string, r io.Reader, contentType string, metadata map[string]string) (ObjectInfo, error) {
	info, err := s.client.PutObject(ctx, bucket, key, r, -1, minio.PutObjectOptions{
		ContentType:          contentType,
		UserMetadata:         metadata,
		PartSize:             s.cfg.PartSize,
		DisableContentSha256: s.cfg.DisableContentSHA256,
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("storage: put %s/%s: %w", bucket, key, err)
	}
	return ObjectInfo{Bucket: info.Bucket, Key: info.Key, ETag: info.ETag, Size: info.Size}, nil
}

func (s *MinioStore) Tag(ctx context.Context, bucket, key string, values map[string]string) error {
	t, err := tags.NewTags(values, true)
	if err != nil {
		return fmt.Errorf("storage: tags: %w", err)
	}
	if err := s.client.PutObjectTagging(ctx, bucket, key, t, minio.PutObjectTaggingOptions{}); err != nil {
		return fmt.Errorf("storage: tag %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *MinioStore) Remove(ctx context.Context, bucket, key string) error {
	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
		}
		return fmt.Errorf("storage: remove %s/%s: %w", bucket, key, err)
	}
	return nil
}
