package client

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalStorage stores objects on disk and hands out links served by the API
// under /files. It stands in for R2 in development.
type LocalStorage struct {
	root    string
	baseURL string
}

var _ StorageClient = (*LocalStorage)(nil)

func NewLocalStorage(root, baseURL string) *LocalStorage {
	return &LocalStorage{root: root, baseURL: strings.TrimRight(baseURL, "/")}
}

// Root is the directory objects are written to.
func (s *LocalStorage) Root() string { return s.root }

func (s *LocalStorage) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *LocalStorage) Upload(ctx context.Context, key string, body io.Reader, contentType string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create object dir: %w", err)
	}
	f, err := os.Create(p)
	if err != nil {
		return fmt.Errorf("failed to create object: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return fmt.Errorf("failed to write object: %w", err)
	}
	return f.Close()
}

func (s *LocalStorage) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

func (s *LocalStorage) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if _, err := s.path(key); err != nil {
		return "", err
	}
	expires := time.Now().Add(expiry).Unix()
	return fmt.Sprintf("%s/files/%s?expires=%d", s.baseURL, (&url.URL{Path: key}).EscapedPath(), expires), nil
}

func (s *LocalStorage) Ping(ctx context.Context) error {
	return os.MkdirAll(s.root, 0o755)
}
