// Package storage builds the optional mirror that copies merged files to object storage.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	gcsclient "cloud.google.com/go/storage"
	"github.com/klauspost/compress/gzip"

	"github.com/JakeFAU/sensor-archive-downloader/internal/archive"
	"github.com/JakeFAU/sensor-archive-downloader/internal/storage/bucket"
	"github.com/JakeFAU/sensor-archive-downloader/internal/storage/gcs"
)

// Mirror backends.
const (
	BackendNone   = "none"
	BackendGCS    = "gcs"
	BackendBucket = "bucket"
)

// MirrorConfig selects and configures the mirror backend.
type MirrorConfig struct {
	Backend   string `mapstructure:"backend"`
	Bucket    string `mapstructure:"bucket"`
	URL       string `mapstructure:"url"`
	Prefix    string `mapstructure:"prefix"`
	Gzip      bool   `mapstructure:"gzip"`
	GzipLevel int    `mapstructure:"gzip_level"`
}

// Validate checks backend-specific requirements.
func (c MirrorConfig) Validate() error {
	switch strings.ToLower(c.Backend) {
	case "", BackendNone:
		return nil
	case BackendGCS:
		if c.Bucket == "" {
			return fmt.Errorf("mirror.bucket is required for the gcs backend")
		}
	case BackendBucket:
		if c.URL == "" {
			return fmt.Errorf("mirror.url is required for the bucket backend")
		}
	default:
		return fmt.Errorf("unknown mirror.backend %q", c.Backend)
	}
	if c.Gzip && (c.GzipLevel < gzip.HuffmanOnly || c.GzipLevel > gzip.BestCompression) {
		return fmt.Errorf("mirror.gzip_level must be between %d and %d", gzip.HuffmanOnly, gzip.BestCompression)
	}
	return nil
}

// NewMirror builds the configured mirror. It returns a nil mirror for the none
// backend. The returned close function is always safe to call.
func NewMirror(ctx context.Context, cfg MirrorConfig) (archive.Mirror, func() error, error) {
	noop := func() error { return nil }
	if err := cfg.Validate(); err != nil {
		return nil, noop, err
	}

	var (
		mirror  archive.Mirror
		closeFn = noop
	)
	switch strings.ToLower(cfg.Backend) {
	case "", BackendNone:
		return nil, noop, nil
	case BackendGCS:
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("create gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		mirror, closeFn = store, client.Close
	case BackendBucket:
		store, err := bucket.Open(ctx, cfg.URL, cfg.Prefix)
		if err != nil {
			return nil, noop, err
		}
		mirror, closeFn = store, store.Close
	}

	if cfg.Gzip {
		mirror = NewGzipMirror(mirror, cfg.GzipLevel)
	}
	return mirror, closeFn, nil
}

// GzipMirror compresses objects before handing them to the next mirror and
// appends ".gz" to their names.
type GzipMirror struct {
	next  archive.Mirror
	level int
}

// NewGzipMirror wraps next. A zero level selects gzip.DefaultCompression.
func NewGzipMirror(next archive.Mirror, level int) *GzipMirror {
	if level == 0 {
		level = gzip.DefaultCompression
	}
	return &GzipMirror{next: next, level: level}
}

// PutObject compresses r and stores it as name.gz.
func (m *GzipMirror) PutObject(ctx context.Context, name string, _ string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, m.level)
	if err != nil {
		return "", fmt.Errorf("create gzip writer: %w", err)
	}
	if _, err := io.Copy(zw, r); err != nil {
		return "", fmt.Errorf("compress %s: %w", name, err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("finish gzip stream: %w", err)
	}
	uri, err := m.next.PutObject(ctx, name+".gz", "application/gzip", &buf)
	if err != nil {
		return "", fmt.Errorf("mirror compressed object: %w", err)
	}
	return uri, nil
}
