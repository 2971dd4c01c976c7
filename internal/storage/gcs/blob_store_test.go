package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestClient(t *testing.T, handler http.Handler) *storage.Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client := newTestClient(t, http.NotFoundHandler())
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestPutObjectUploadsUnderPrefix(t *testing.T) {
	t.Parallel()

	name := filepath.Join("StationX_uid1", "sensor_1", "merged", "2024-01_merged.csv")
	wantKey := "mirror/StationX_uid1/sensor_1/merged/2024-01_merged.csv"
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/bucket/o")
		assert.Equal(t, wantKey, r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "timestamp;P1")
		fmt.Fprintln(w, `{ "name": "`+wantKey+`" }`)
	})

	store, err := New(newTestClient(t, handler), Config{Bucket: "bucket", Prefix: "/mirror/"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), name, "text/csv", strings.NewReader("timestamp;P1\n"))
	require.NoError(t, err)
	require.Equal(t, "gs://bucket/"+wantKey, uri)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	store, err := New(newTestClient(t, handler), Config{Bucket: "bucket"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "a.csv", "text/csv", strings.NewReader("x"))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), " ", "text/csv", strings.NewReader("x"))
	require.Error(t, err)
}
