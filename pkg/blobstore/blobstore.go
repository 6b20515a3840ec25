// Package blobstore keeps original scan images so they can be reprocessed.
package blobstore

import (
	"context"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store saves image bytes and returns an opaque reference for Fetch.
type Store interface {
	Store(ctx context.Context, data []byte, contentType string) (string, error)
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// newKey returns a date-partitioned unique object key.
func newKey(now time.Time, contentType string) string {
	return fmt.Sprintf("scans/%d/%02d/%02d/%s%s", now.Year(), now.Month(), now.Day(), uuid.New(), extFor(contentType))
}

func extFor(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "":
		return ".bin"
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

// validKey rejects empty keys and path traversal.
func validKey(key string) error {
	if key == "" {
		return ErrEmptyRef
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." || seg == "." {
			return ErrInvalidRef
		}
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return ErrInvalidRef
	}
	return nil
}
