package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalStore implements Uploader on the local filesystem. Files are
// content-addressed by SHA-256 hash under preset subdirectories, which
// makes uploads idempotent.
type LocalStore struct {
	root    string
	baseURL string
}

func NewLocalStore(root, baseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &LocalStore{root: root, baseURL: baseURL}, nil
}

func (s *LocalStore) path(preset, hash string) string {
	if len(hash) < 2 {
		return filepath.Join(s.root, preset, hash)
	}
	return filepath.Join(s.root, preset, hash[:2], hash)
}

func (s *LocalStore) Upload(ctx context.Context, name string, payload []byte, preset string) (string, error) {
	if len(payload) == 0 {
		return "", fmt.Errorf("empty payload for %q", name)
	}
	if preset == "" {
		preset = "default"
	}

	sum := sha256.Sum256(payload)
	hash := hex.EncodeToString(sum[:])
	path := s.path(preset, hash)
	url := fmt.Sprintf("%s/media/%s/%s", s.baseURL, preset, hash)

	// Idempotency check
	if _, err := os.Stat(path); err == nil {
		return url, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// Write to temporary file first, then rename atomically.
	tmp, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name()) // Clean up if rename fails
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(payload)); err != nil {
		return "", fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to rename file: %w", err)
	}

	return url, nil
}

// Open returns the stored content for a previously uploaded hash.
func (s *LocalStore) Open(preset, hash string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(preset, hash))
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", hash, err)
	}
	return f, nil
}
