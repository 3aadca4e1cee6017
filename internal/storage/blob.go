// Package storage keeps the uploaded replay files. Objects are addressed by
// URL: local://<key> for the filesystem store, gs://<bucket>/<key> for GCS.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// BlobStore stores replay files.
type BlobStore interface {
	Put(ctx context.Context, userID, replayID, filename string, data []byte) (url string, err error)
	Get(ctx context.Context, url string) ([]byte, error)
	Delete(ctx context.Context, url string) error
}

// ErrBlobNotFound is returned by Get and Delete for a missing object.
var ErrBlobNotFound = errors.New("blob not found")

// ObjectKey returns the key for a replay file: replays/<user>/<replay>/<file>.
func ObjectKey(userID, replayID, filename string) (string, error) {
	for _, part := range []string{userID, replayID} {
		if part == "" || strings.ContainsAny(part, `/\`) || part == "." || part == ".." {
			return "", fmt.Errorf("invalid object key part %q", part)
		}
	}
	name := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		name = "replay.SC2Replay"
	}
	return path.Join("replays", userID, replayID, name), nil
}
