// Package archive keeps raw snapshots of fetched sources. Snapshots are
// content addressed, so archiving an unchanged page twice writes nothing new.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JonMunkholm/allocsync/internal/config"
	"github.com/JonMunkholm/allocsync/internal/core"
)

// Key returns the snapshot key for content: snapshots/<slug>/<sha256>.<ext>.
func Key(slug, ext string, content []byte) string {
	sum := sha256.Sum256(content)
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "bin"
	}
	return "snapshots/" + slug + "/" + hex.EncodeToString(sum[:]) + "." + ext
}

// contentType maps a snapshot extension to a MIME type.
func contentType(ext string) string {
	switch strings.TrimPrefix(ext, ".") {
	case "html":
		return "text/html; charset=utf-8"
	case "pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}

// LocalArchiver writes snapshots under a root directory.
type LocalArchiver struct {
	root string
}

var _ core.Archiver = (*LocalArchiver)(nil)

// NewLocalArchiver creates an archiver rooted at dir.
func NewLocalArchiver(dir string) *LocalArchiver {
	return &LocalArchiver{root: dir}
}

// Archive stores content and returns its key. Existing snapshots are left alone.
func (a *LocalArchiver) Archive(_ context.Context, slug, ext string, content []byte) (string, error) {
	key := Key(slug, ext, content)
	path := filepath.Join(a.root, filepath.FromSlash(key))

	if _, err := os.Stat(path); err == nil {
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot_*")
	if err != nil {
		return "", fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	_, err = tmp.Write(content)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("move snapshot: %w", err)
	}
	return key, nil
}

// New builds the archiver selected by cfg. The "none" backend returns nil,
// which the coordinator treats as archiving disabled.
func New(ctx context.Context, cfg config.ArchiveConfig) (core.Archiver, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "none":
		return nil, nil
	case "local":
		return NewLocalArchiver(cfg.Dir), nil
	case "s3":
		a, err := NewS3Archiver(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}
