// Package artifacts stores generated report files and resolves their public URLs.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
)

var (
	// ErrInvalidPath indicates an empty or escaping artifact path.
	ErrInvalidPath = errors.New("artifacts: invalid path")
	// ErrNotFound indicates no artifact exists at the path.
	ErrNotFound = errors.New("artifacts: not found")
)

// Store uploads bytes at a path and exposes them under a public URL.
type Store interface {
	Upload(ctx context.Context, artifactPath, contentType string, data []byte) error
	PublicURL(artifactPath string) string
	Open(ctx context.Context, artifactPath string) (io.ReadCloser, error)
}

type FileStoreConfig struct {
	// Fs is the backing filesystem. Defaults to the host filesystem rooted at Root.
	Fs      afero.Fs
	Root    string
	BaseURL string
}

// FileStore keeps artifacts on a filesystem. Uploads overwrite.
type FileStore struct {
	fs      afero.Fs
	baseURL string
}

func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	fs := cfg.Fs
	if fs == nil {
		if strings.TrimSpace(cfg.Root) == "" {
			return nil, fmt.Errorf("artifacts: root directory is required")
		}
		if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
			return nil, fmt.Errorf("artifacts: create root: %w", err)
		}
		fs = afero.NewBasePathFs(afero.NewOsFs(), cfg.Root)
	}
	return &FileStore{fs: fs, baseURL: strings.TrimRight(cfg.BaseURL, "/")}, nil
}

func (s *FileStore) Upload(_ context.Context, artifactPath, _ string, data []byte) error {
	cleaned, err := cleanPath(artifactPath)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(path.Dir(cleaned), 0o755); err != nil {
		return fmt.Errorf("artifacts: create directory: %w", err)
	}
	if err := afero.WriteFile(s.fs, cleaned, data, 0o644); err != nil {
		return fmt.Errorf("artifacts: write %s: %w", cleaned, err)
	}
	return nil
}

// PublicURL joins the configured base URL with artifactPath.
func (s *FileStore) PublicURL(artifactPath string) string {
	return s.baseURL + "/" + strings.TrimLeft(artifactPath, "/")
}

func (s *FileStore) Open(_ context.Context, artifactPath string) (io.ReadCloser, error) {
	cleaned, err := cleanPath(artifactPath)
	if err != nil {
		return nil, err
	}
	file, err := s.fs.Open(cleaned)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("artifacts: open %s: %w", cleaned, err)
	}
	return file, nil
}

func cleanPath(artifactPath string) (string, error) {
	trimmed := strings.TrimSpace(artifactPath)
	if trimmed == "" {
		return "", ErrInvalidPath
	}
	cleaned := path.Clean("/" + trimmed)
	if cleaned == "/" || strings.Contains(trimmed, "..") {
		return "", ErrInvalidPath
	}
	return cleaned, nil
}
