package storage

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

// Object identifies a stored temporary object.
type Object struct {
	FileURL      string `json:"file_url"`
	FilePublicID string `json:"file_public_id"`
}

// TempStore is an intermediary object store for inputs too large to send
// inline to the inference backend.
type TempStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (Object, error)
	Delete(ctx context.Context, publicID string) error
}

// TempKey builds a unique key under prefix keeping the extension of filename.
func TempKey(prefix, filename, contentType string) string {
	ext := strings.ToLower(path.Ext(filename))
	if ext == "" {
		ext = extensionForMIME(contentType)
	}
	if ext == "" {
		ext = ".bin"
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "tmp"
	}
	return fmt.Sprintf("%s/%s%s", prefix, uuid.NewString(), ext)
}

func extensionForMIME(mime string) string {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "video/quicktime":
		return ".mov"
	case "video/webm":
		return ".webm"
	case "application/json":
		return ".json"
	default:
		return ""
	}
}
