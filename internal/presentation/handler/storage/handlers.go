package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/microfarm/microfarm/internal/infrastructure/json"
	"github.com/microfarm/microfarm/internal/infrastructure/logging"
	objectstore "github.com/microfarm/microfarm/internal/infrastructure/storage"
)

const (
	HeaderUserID           = "X-User-ID"
	HeaderOriginalName     = "X-Original-Name"
	HeaderChecksum         = "X-Checksum-SHA256"
	HeaderFolderDefinition = "X-Folder-Definition"

	folderDefinitionBody = "body"
)

type Uploader interface {
	Upload(ctx context.Context, req objectstore.UploadRequest) (objectstore.UploadResult, error)
}

type BucketEnsurer interface {
	EnsureBucket(ctx context.Context, bucket string) error
}

type Handler struct {
	uploader Uploader
	buckets  BucketEnsurer
	logger   logging.Logger
}

func NewHandler(uploader Uploader, buckets BucketEnsurer, logger logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handler{uploader: uploader, buckets: buckets, logger: logger}
}

// UploadHandler streams the request body into the caller's bucket under
// {folder}/. Each user owns one bucket named after their id.
// The server write deadline is lifted so a slow client still gets its
// response once the body is stored.
func (h *Handler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Warn(logging.Storage, logging.Upload, "failed to clear write deadline", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
	}
	userID := strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderUserID)))
	if userID == "" {
		json.WriteError(w, http.StatusUnauthorized, "Missing user identity.")
		return
	}
	folder := chi.URLParam(r, "folder")
	if folder == "" || strings.Contains(folder, "/") {
		json.WriteBadRequestError(w, "Invalid folder.")
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		json.WriteBadRequestError(w, "Content-Type is missing.")
		return
	}

	var key, filename string
	switch r.Header.Get(HeaderFolderDefinition) {
	case "":
		name, err := url.PathUnescape(r.Header.Get(HeaderOriginalName))
		if err != nil || name == "" {
			json.WriteBadRequestError(w, "X-Original-Name is missing.")
			return
		}
		key = folder + "/" + strings.ReplaceAll(uuid.NewString(), "-", "")
		filename = name
	case folderDefinitionBody:
		key = folder + "/body"
		filename = "body.html"
	default:
		json.WriteBadRequestError(w, "Unknown folder definition.")
		return
	}

	checksum := r.Header.Get(HeaderChecksum)
	if checksum != "" {
		raw, err := base64.StdEncoding.DecodeString(checksum)
		if err != nil || len(raw) != 32 {
			json.WriteBadRequestError(w, "X-Checksum-SHA256 must be a base64 SHA-256 digest.")
			return
		}
	}

	if err := h.buckets.EnsureBucket(r.Context(), userID); err != nil {
		h.logger.Error(logging.Storage, logging.Upload, "failed to ensure bucket", map[logging.ExtraKey]any{
			logging.Bucket:       userID,
			logging.ErrorMessage: err.Error(),
		})
		json.WriteError(w, http.StatusBadGateway, "Storage is unavailable.")
		return
	}

	res, err := h.uploader.Upload(r.Context(), objectstore.UploadRequest{
		Bucket:      userID,
		Key:         key,
		ContentType: contentType,
		Filename:    filename,
		Checksum:    checksum,
		Source:      r.Body,
	})
	switch {
	case errors.Is(err, objectstore.ErrChecksumMismatch):
		json.WriteUnprocessableError(w, "SHA256 checksum does not match the uploaded content.")
		return
	case err != nil:
		json.WriteError(w, http.StatusBadGateway, "Upload failed.")
		return
	}

	json.Write(w, http.StatusOK, uploadResponse{
		ETag:   res.ETag,
		UserID: res.Bucket,
		FileID: res.Key,
	})
}
