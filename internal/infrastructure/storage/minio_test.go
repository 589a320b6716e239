package storage

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	minio "github.com/minio/minio-go/v7"

	"github.com/microfarm/microfarm/internal/infrastructure/configs"
)

func setupFakeS3(t *testing.T) (*httptest.Server, Config) {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	endpoint := strings.TrimPrefix(server.URL, "http://")
	cfg := Config{
		Endpoint:       endpoint,
		Region:         "us-east-1",
		AccessKey:      "test",
		SecretKey:      "test",
		Insecure:       true,
		ForcePathStyle: true,

		DisableContentSHA256: true,
	}
	return server, cfg
}

func TestMinioStoreLifecycle(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	store, err := NewMinioStore(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	if err := store.EnsureBucket(ctx, "uploads"); err != nil {
		t.Fatalf("ensure bucket: %v", err)
	}
	if err := store.EnsureBucket(ctx, "uploads"); err != nil {
		t.Fatalf("ensure existing bucket: %v", err)
	}

	// Put always streams with an unknown length.
	data := payload(1 << 16)
	info, err := store.Put(ctx, "uploads", "a1/file", io.MultiReader(bytes.NewReader(data)), "application/octet-stream", map[string]string{FilenameMetadata: "file.bin"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.ETag == "" {
		t.Fatalf("expected an etag")
	}

	obj, err := store.Client().GetObject(ctx, "uploads", "a1/file", minio.GetObjectOptions{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got, err := io.ReadAll(obj)
	obj.Close()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("stored object differs: %d bytes vs %d", len(got), len(data))
	}
	stat, err := store.Client().StatObject(ctx, "uploads", "a1/file", minio.StatObjectOptions{})
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if stat.Size != int64(len(data)) {
		t.Fatalf("stored size %d, want %d", stat.Size, len(data))
	}

	if err := store.Remove(ctx, "uploads", "a1/file"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := store.Client().StatObject(ctx, "uploads", "a1/file", minio.StatObjectOptions{}); err == nil {
		t.Fatalf("object still present after remove")
	}
}

func TestNewMinioStoreRequiresEndpoint(t *testing.T) {
	if _, err := NewMinioStore(Config{}); err == nil {
		t.Fatalf("expected an error without endpoint")
	}
}

func TestConfigFromStorageConfig(t *testing.T) {
	cfg := ConfigFrom(configs.StorageConfig{
		Endpoint:             "minio:9000",
		Insecure:             true,
		ForcePathStyle:       true,
		DisableContentSHA256: true,
	})
	if cfg.Endpoint != "minio:9000" || !cfg.Insecure || !cfg.ForcePathStyle || !cfg.DisableContentSHA256 {
		t.Fatalf("unexpected config %+v", cfg)
	}
}
