package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestUploader(t *testing.T, handler http.Handler, cfg Config) *Uploader {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	u, err := New(client, cfg)
	require.NoError(t, err)
	return u
}

func writeArtifact(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "alice-job1.mp4")
	require.NoError(t, os.WriteFile(path, []byte("clip-bytes"), 0o600))
	return path
}

func TestUploadReturnsPublicLink(t *testing.T) {
	t.Parallel()

	var gotName, gotBody string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotName = r.URL.Query().Get("name")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		fmt.Fprintf(w, `{"bucket":"clips-bucket","name":%q}`, gotName)
	})
	u := newTestUploader(t, handler, Config{Bucket: "clips-bucket", Prefix: "clips"})

	link, err := u.Upload(context.Background(), writeArtifact(t), "video/mp4", map[string]string{"job_id": "job1"})
	require.NoError(t, err)
	require.Equal(t, "https://storage.googleapis.com/clips-bucket/clips/alice-job1.mp4", link)
	require.Equal(t, "clips/alice-job1.mp4", gotName)
	require.True(t, strings.Contains(gotBody, "clip-bytes"))
	require.Contains(t, gotBody, "video/mp4")
}

func TestUploadServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	u := newTestUploader(t, handler, Config{Bucket: "clips-bucket", PublicBaseURL: "https://cdn.test/"})

	_, err := u.Upload(context.Background(), writeArtifact(t), "video/mp4", nil)
	require.Error(t, err)
	require.Equal(t, "https://cdn.test/x.mp4", u.link("x.mp4"))
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
}
