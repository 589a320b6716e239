package storage

import (
	"context"
	"errors"
	"io"
)

var ErrObjectNotFound = errors.New("storage: object not found")

type ObjectInfo struct {
	Bucket string
	Key    string
	ETag   string
	Size   int64
}

// ObjectStore is the S3-compatible surface the upload pipeline needs.
type ObjectStore interface {
	EnsureBucket(ctx context.Context, bucket string) error
	// Put streams r until EOF; the length is not known up front.
	Put(ctx context.Context, bucket, key string, r io.Reader, contentType string, metadata map[string]string) (ObjectInfo, error)
	Tag(ctx context.Context, bucket, key string, tags map[string]string) error
	Remove(ctx context.Context, bucket, key string) error
}
