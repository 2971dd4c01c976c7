package storage_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sensor-archive-downloader/internal/storage"
)

type recordingMirror struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func (m *recordingMirror) PutObject(_ context.Context, name, contentType string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string][]byte{}
		m.types = map[string]string{}
	}
	m.objects[name] = data
	m.types[name] = contentType
	return "mem://" + name, nil
}

func TestGzipMirrorCompresses(t *testing.T) {
	t.Parallel()

	next := &recordingMirror{}
	mirror := storage.NewGzipMirror(next, 0)

	payload := strings.Repeat("2024-01-01T00:00:00;12345;sds011;1.0\n", 50)
	uri, err := mirror.PutObject(context.Background(), "a/2024-01_merged.csv", "text/csv", strings.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "mem://a/2024-01_merged.csv.gz", uri)
	assert.Equal(t, "application/gzip", next.types["a/2024-01_merged.csv.gz"])

	zr, err := gzip.NewReader(bytes.NewReader(next.objects["a/2024-01_merged.csv.gz"]))
	require.NoError(t, err)
	got, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, payload, string(got))
}

func TestMirrorConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     storage.MirrorConfig
		wantErr bool
	}{
		{"none", storage.MirrorConfig{}, false},
		{"explicit none", storage.MirrorConfig{Backend: "none"}, false},
		{"gcs without bucket", storage.MirrorConfig{Backend: "gcs"}, true},
		{"gcs", storage.MirrorConfig{Backend: "gcs", Bucket: "b"}, false},
		{"bucket without url", storage.MirrorConfig{Backend: "bucket"}, true},
		{"bad gzip level", storage.MirrorConfig{Backend: "bucket", URL: "mem://", Gzip: true, GzipLevel: 42}, true},
		{"unknown", storage.MirrorConfig{Backend: "ftp"}, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestNewMirrorNone(t *testing.T) {
	t.Parallel()

	mirror, closeFn, err := storage.NewMirror(context.Background(), storage.MirrorConfig{Backend: "none"})
	require.NoError(t, err)
	assert.Nil(t, mirror)
	assert.NoError(t, closeFn())
}

func TestNewMirrorBucketWithGzip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	mirror, closeFn, err := storage.NewMirror(context.Background(), storage.MirrorConfig{
		Backend: "bucket",
		URL:     "file://" + filepath.ToSlash(dir),
		Prefix:  "copies",
		Gzip:    true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeFn() })

	_, err = mirror.PutObject(context.Background(), "x.csv", "text/csv", strings.NewReader("a;b\n"))
	require.NoError(t, err)

	// #nosec G304 -- test reads from the controlled temp directory.
	raw, err := os.ReadFile(filepath.Join(dir, "copies", "x.csv.gz"))
	require.NoError(t, err)
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	got, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "a;b\n", string(got))
}
