package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	ContentTypeJSON    = "application/json"
	ContentTypeMsgpack = "application/msgpack"
)

func Encode(contentType string, v any) ([]byte, error) {
	switch contentType {
	case ContentTypeJSON:
		return json.Marshal(v)
	case ContentTypeMsgpack:
		return msgpack.Marshal(v)
	default:
		return nil, fmt.Errorf("unsupported content type %q", contentType)
	}
}

// Decode falls back to fallback when the delivery carries no content type.
func Decode(contentType, fallback string, body []byte, v any) error {
	if contentType == "" {
		contentType = fallback
	}
	switch contentType {
	case ContentTypeJSON:
		return json.Unmarshal(body, v)
	case ContentTypeMsgpack:
		return msgpack.Unmarshal(body, v)
	default:
		return fmt.Errorf("unsupported content type %q", contentType)
	}
}
