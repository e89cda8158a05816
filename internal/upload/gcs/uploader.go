// Package gcs uploads artifacts to a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/goalclip/internal/upload"
)

// Config captures the bucket layout.
type Config struct {
	Bucket string
	Prefix string
	// PublicBaseURL replaces https://storage.googleapis.com/<bucket> in returned links.
	PublicBaseURL string
}

// Uploader writes artifacts to the configured bucket.
type Uploader struct {
	client *storage.Client
	cfg    Config
}

// New creates a GCS-backed uploader.
func New(client *storage.Client, cfg Config) (*Uploader, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("upload.gcs_bucket is required")
	}
	return &Uploader{client: client, cfg: cfg}, nil
}

// Upload streams the file at path into the bucket and returns its public link.
func (u *Uploader) Upload(ctx context.Context, path, mimeType string, metadata map[string]string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	f, err := os.Open(path) // #nosec G304 -- path is produced by the capture pipeline.
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	name := upload.ObjectName(u.cfg.Prefix, path)
	writer := u.client.Bucket(u.cfg.Bucket).Object(name).NewWriter(ctx)
	writer.ContentType = mimeType
	writer.Metadata = metadata
	if _, err := io.Copy(writer, f); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return u.link(name), nil
}

func (u *Uploader) link(name string) string {
	base := strings.TrimRight(u.cfg.PublicBaseURL, "/")
	if base == "" {
		base = "https://storage.googleapis.com/" + u.cfg.Bucket
	}
	return base + "/" + name
}
