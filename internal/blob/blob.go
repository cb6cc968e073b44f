package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ErrNotFound is returned when a key does not exist
var ErrNotFound = errors.New("blob not found")

// Store keeps rendered artifacts and template backgrounds
type Store interface {
	// Put writes data under key, replacing any previous object, and returns
	// the public URL of the object
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	URL(key string) string
}

// CleanKey rejects keys that could escape the store root
func CleanKey(key string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("empty blob key")
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return cleaned, nil
}

func joinURL(base, key string) string {
	return strings.TrimSuffix(base, "/") + "/" + key
}
