package storage

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/microfarm/microfarm/internal/infrastructure/logging"
	"github.com/microfarm/microfarm/internal/infrastructure/metrics"
)

const (
	DefaultChunkSize     = 64 << 10
	DefaultQueueCapacity = 3

	// ChecksumTag holds the base64 SHA-256 of the stored object.
	ChecksumTag = "sha256"
	// FilenameMetadata carries the client's original file name.
	FilenameMetadata = "filename"
)

var (
	ErrUploadFailed     = errors.New("storage: upload failed")
	ErrChecksumMismatch = errors.New("storage: checksum mismatch")
	// ErrCleanupFailed is joined to ErrChecksumMismatch when the rejected
	// object could not be removed and is left orphaned in the bucket.
	ErrCleanupFailed = errors.New("storage: cleanup failed")
)

type UploadRequest struct {
	Bucket      string
	Key         string
	ContentType string
	Filename    string
	// Checksum is the base64 SHA-256 the caller expects, if any.
	Checksum string
	Source   io.Reader
}

type UploadResult struct {
	ETag        string
	Bucket      string
	Key         string
	ContentHash string
	Size        int64
}

type UploaderOptions struct {
	ChunkSize     int
	QueueCapacity int
	Limiter       *rate.Limiter
	Logger        logging.Logger
	Metrics       *metrics.Metrics
}

// Uploader streams a request body to the object store while hashing it.
// At most QueueCapacity chunks sit between the reader and the store.
type Uploader struct {
	store    ObjectStore
	chunk    int
	capacity int
	limiter  *rate.Limiter
	logger   logging.Logger
	metrics  *metrics.Metrics
}

func NewUploader(store ObjectStore, opts UploaderOptions) *Uploader {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	return &Uploader{
		store:    store,
		chunk:    opts.ChunkSize,
		capacity: opts.QueueCapacity,
		limiter:  opts.Limiter,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

type chunk struct {
	data []byte
	eof  bool
}

func (u *Uploader) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	start := time.Now()
	res, err := u.upload(ctx, req)

	outcome := "success"
	switch {
	case errors.Is(err, ErrCleanupFailed):
		outcome = "orphaned"
	case errors.Is(err, ErrChecksumMismatch):
		outcome = "checksum_mismatch"
	case err != nil:
		outcome = "failed"
	}
	u.metrics.ObserveUpload(outcome, res.Size, time.Since(start))

	extra := map[logging.ExtraKey]any{
		logging.Bucket:    req.Bucket,
		logging.ObjectKey: req.Key,
		logging.Latency:   time.Since(start).String(),
	}
	if err != nil {
		extra[logging.ErrorMessage] = err.Error()
		u.logger.Error(logging.Storage, logging.Upload, "upload failed", extra)
		return res, err
	}
	u.logger.Info(logging.Storage, logging.Upload, "upload stored", extra)
	return res, nil
}

func (u *Uploader) upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	if req.Source == nil {
		return UploadResult{}, fmt.Errorf("%w: no source", ErrUploadFailed)
	}
	result := UploadResult{Bucket: req.Bucket, Key: req.Key}

	chunks := make(chan chunk, u.capacity)
	pr, pw := io.Pipe()
	hash := sha256.New()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var src io.Reader = req.Source
		if u.limiter != nil {
			src = &RateLimitReader{Reader: src, Limiter: u.limiter, Ctx: gctx}
		}
		for {
			buf := make([]byte, u.chunk)
			n, err := io.ReadFull(src, buf)
			if n > 0 {
				hash.Write(buf[:n])
				result.Size += int64(n)
				select {
				case chunks <- chunk{data: buf[:n]}:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			switch {
			case err == io.EOF || err == io.ErrUnexpectedEOF:
				select {
				case chunks <- chunk{eof: true}:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			case err != nil:
				return fmt.Errorf("read source: %w", err)
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case c := <-chunks:
				if c.eof {
					return pw.Close()
				}
				if _, err := pw.Write(c.data); err != nil {
					return err
				}
			case <-gctx.Done():
				pw.CloseWithError(gctx.Err())
				return gctx.Err()
			}
		}
	})

	g.Go(func() error {
		metadata := map[string]string{}
		if req.Filename != "" {
			metadata[FilenameMetadata] = req.Filename
		}
		info, err := u.store.Put(gctx, req.Bucket, req.Key, pr, req.ContentType, metadata)
		if err != nil {
			pr.CloseWithError(err)
			return err
		}
		// A store that stops reading early must not leave the writer blocked.
		pr.Close()
		result.ETag = info.ETag
		return nil
	})

	if err := g.Wait(); err != nil {
		return result, fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}

	result.ContentHash = base64.StdEncoding.EncodeToString(hash.Sum(nil))

	if req.Checksum != "" && req.Checksum != result.ContentHash {
		mismatch := fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, req.Checksum, result.ContentHash)
		if err := u.store.Remove(ctx, req.Bucket, req.Key); err != nil {
			return result, fmt.Errorf("%w: %w: %w", mismatch, ErrCleanupFailed, err)
		}
		return result, mismatch
	}

	if err := u.store.Tag(ctx, req.Bucket, req.Key, map[string]string{ChecksumTag: result.ContentHash}); err != nil {
		return result, fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	return result, nil
}
