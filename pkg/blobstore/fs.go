package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const fsScheme = "fs:"

// FS stores blobs below a base directory on local disk.
type FS struct {
	base   string
	logger *slog.Logger
	now    func() time.Time
}

// NewFS creates the base directory if needed.
func NewFS(base string, logger *slog.Logger) (*FS, error) {
	if base == "" {
		base = "uploads"
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create upload base dir %s: %w", base, err)
	}
	return &FS{base: base, logger: logger.With("system", "blobstore", "backend", "fs"), now: time.Now}, nil
}

func (s *FS) Store(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyData
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := newKey(s.now(), contentType)
	full := filepath.Join(s.base, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("mkdir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	s.logger.Debug("stored blob", "key", key, "bytes", len(data))
	return fsScheme + key, nil
}

func (s *FS) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" {
		return nil, ErrEmptyRef
	}
	if !strings.HasPrefix(ref, fsScheme) {
		return nil, ErrInvalidRef
	}
	key := strings.TrimPrefix(ref, fsScheme)
	if err := validKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.base, filepath.FromSlash(key)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}
