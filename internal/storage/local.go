package storage

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"ladderlegends/internal/logging"
)

const localScheme = "local://"

// LocalStore keeps gzip-compressed replay files under a base directory.
// Writes go to a temp file first and are renamed into place.
type LocalStore struct {
	mu      sync.Mutex
	baseDir string
	tmpDir  string
	logger  *slog.Logger
}

// NewLocalStore creates the directory layout under baseDir.
func NewLocalStore(baseDir string, logger *slog.Logger) (*LocalStore, error) {
	tmpDir := filepath.Join(baseDir, "tmp")
	for _, dir := range []string{baseDir, tmpDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return &LocalStore{
		baseDir: baseDir,
		tmpDir:  tmpDir,
		logger:  logging.Component(logger, "blob_local"),
	}, nil
}

func (s *LocalStore) Put(ctx context.Context, userID, replayID, filename string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key, err := ObjectKey(userID, replayID, filename)
	if err != nil {
		return "", err
	}
	dst := s.pathFor(key)

	tmp, err := os.CreateTemp(s.tmpDir, "upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	gzWriter := gzip.NewWriter(tmp)
	gzWriter.Name = filepath.Base(key)
	if _, err := gzWriter.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to compress blob: %w", err)
	}
	if err := gzWriter.Close(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return "", fmt.Errorf("failed to move blob into place: %w", err)
	}

	s.logger.Debug("blob_stored", "key", key, "bytes", len(data))
	return localScheme + key, nil
}

func (s *LocalStore) Get(ctx context.Context, url string) ([]byte, error) {
	p, err := s.resolve(url)
	if err != nil {
		return nil, err
	}
	src, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	defer src.Close()

	gzReader, err := gzip.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gzReader.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, gzReader); err != nil {
		return nil, fmt.Errorf("failed to decompress blob: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *LocalStore) Delete(ctx context.Context, url string) error {
	p, err := s.resolve(url)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrBlobNotFound
		}
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	// drop the now empty replay directory; ignore failure
	os.Remove(filepath.Dir(p))

	s.logger.Debug("blob_deleted", "url", url)
	return nil
}

func (s *LocalStore) pathFor(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(key)) + ".gz"
}

// resolve maps a local:// URL to a path inside baseDir.
func (s *LocalStore) resolve(url string) (string, error) {
	key, ok := strings.CutPrefix(url, localScheme)
	if !ok || key == "" {
		return "", fmt.Errorf("not a local blob url: %q", url)
	}
	p := s.pathFor(key)
	rel, err := filepath.Rel(s.baseDir, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("blob url escapes store: %q", url)
	}
	return p, nil
}
