package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"ladderlegends/internal/logging"
)

// GCSStore keeps replay files in a Google Cloud Storage bucket.
type GCSStore struct {
	client     *storage.Client
	bucketName string
	logger     *slog.Logger
}

// NewGCSStore connects with a service account key file, or with application
// default credentials when credentialsFile is empty.
func NewGCSStore(ctx context.Context, bucketName, credentialsFile string, logger *slog.Logger) (*GCSStore, error) {
	if bucketName == "" {
		return nil, errors.New("gcs bucket name is empty")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", credentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSStore{client: client, bucketName: bucketName, logger: logging.Component(logger, "blob_gcs")}, nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) Put(ctx context.Context, userID, replayID, filename string, data []byte) (string, error) {
	key, err := ObjectKey(userID, replayID, filename)
	if err != nil {
		return "", err
	}

	writer := s.client.Bucket(s.bucketName).Object(key).NewWriter(ctx)
	writer.ContentType = "application/octet-stream"
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return "", fmt.Errorf("failed to write GCS object %s: %w", key, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close GCS writer for %s: %w", key, err)
	}

	s.logger.Debug("blob_stored", "bucket", s.bucketName, "key", key, "bytes", len(data))
	return fmt.Sprintf("gs://%s/%s", s.bucketName, key), nil
}

func (s *GCSStore) Get(ctx context.Context, url string) ([]byte, error) {
	key, err := s.keyFor(url)
	if err != nil {
		return nil, err
	}
	reader, err := s.client.Bucket(s.bucketName).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open GCS object %s: %w", key, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object %s: %w", key, err)
	}
	return data, nil
}

func (s *GCSStore) Delete(ctx context.Context, url string) error {
	key, err := s.keyFor(url)
	if err != nil {
		return err
	}
	err = s.client.Bucket(s.bucketName).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrBlobNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete GCS object %s: %w", key, err)
	}
	s.logger.Debug("blob_deleted", "url", url)
	return nil
}

func (s *GCSStore) keyFor(url string) (string, error) {
	rest, ok := strings.CutPrefix(url, "gs://")
	if !ok {
		return "", fmt.Errorf("not a gcs url: %q", url)
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket != s.bucketName || key == "" {
		return "", fmt.Errorf("gcs url outside bucket %s: %q", s.bucketName, url)
	}
	return key, nil
}
