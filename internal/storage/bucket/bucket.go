// Package bucket mirrors produced files to any gocloud.dev blob bucket
// (file://, gs://, mem://) opened by URL.
package bucket

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
)

// Store writes objects into an opened bucket.
type Store struct {
	bucket *blob.Bucket
	url    string
	prefix string
}

// Open opens the bucket at url. Close must be called when done.
func Open(ctx context.Context, url, prefix string) (*Store, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("bucket url is required")
	}
	b, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", url, err)
	}
	return New(b, url, prefix), nil
}

// New wraps an already opened bucket.
func New(b *blob.Bucket, url, prefix string) *Store {
	return &Store{
		bucket: b,
		url:    url,
		prefix: strings.Trim(prefix, "/"),
	}
}

// PutObject copies r to prefix/name and returns the object URI.
func (s *Store) PutObject(ctx context.Context, name string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("path is required")
	}
	key := path.Join(s.prefix, filepath.ToSlash(name))
	w, err := s.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close writer for %s: %w", key, err)
	}
	return s.uri(key), nil
}

// Close releases the bucket.
func (s *Store) Close() error {
	if err := s.bucket.Close(); err != nil {
		return fmt.Errorf("close bucket: %w", err)
	}
	return nil
}

func (s *Store) uri(key string) string {
	base := s.url
	if i := strings.Index(base, "?"); i >= 0 {
		base = base[:i]
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + key
}
