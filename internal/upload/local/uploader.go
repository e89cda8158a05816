// Package local hosts artifacts in a directory served by the HTTP API.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/goalclip/internal/upload"
)

// Config captures the local hosting layout.
type Config struct {
	// BaseDir is the directory served under /clips/.
	BaseDir string
	Prefix  string
	// PublicBaseURL is the externally reachable address of the API server.
	PublicBaseURL string
}

// Uploader copies artifacts into BaseDir.
type Uploader struct {
	cfg Config
}

// New creates BaseDir when needed and verifies it is writable.
func New(cfg Config) (*Uploader, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("upload.local_dir is required")
	}
	if strings.TrimSpace(cfg.PublicBaseURL) == "" {
		return nil, fmt.Errorf("upload.public_base_url is required")
	}
	info, err := os.Stat(cfg.BaseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}
	probe := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("clean up test file: %w", err)
	}
	return &Uploader{cfg: cfg}, nil
}

// Dir returns the directory artifacts are copied into.
func (u *Uploader) Dir() string { return u.cfg.BaseDir }

// Upload copies the file at path into BaseDir and returns its /clips/ link.
func (u *Uploader) Upload(_ context.Context, path, _ string, _ map[string]string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	name := upload.ObjectName(u.cfg.Prefix, path)
	dest := filepath.Join(u.cfg.BaseDir, filepath.FromSlash(name))
	base := filepath.Clean(u.cfg.BaseDir)
	if !strings.HasPrefix(filepath.Clean(dest), base+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}
	if err := copyFile(path, dest); err != nil {
		return "", err
	}
	return strings.TrimRight(u.cfg.PublicBaseURL, "/") + "/clips/" + name, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src) // #nosec G304 -- src is produced by the capture pipeline.
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer func() {
		_ = in.Close()
	}()
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("copy artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename artifact: %w", err)
	}
	return nil
}
