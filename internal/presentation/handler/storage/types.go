package storage

type uploadResponse struct {
	ETag   string `json:"etag"`
	UserID string `json:"userid"`
	FileID string `json:"fileid"`
}
