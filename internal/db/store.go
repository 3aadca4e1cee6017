// Package db persists replay records, per-user indexes and the content-hash
// manifest. SQLStore serves SQLite and Turso; PostgresStore serves Postgres.
package db

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"ladderlegends/internal/replay"
)

// Store is the full persistence surface used by the server.
type Store interface {
	PutRecord(ctx context.Context, r *replay.UserReplayData) error
	GetRecord(ctx context.Context, userID, replayID string) (*replay.UserReplayData, error)
	DeleteRecord(ctx context.Context, userID, replayID string) error
	ListRecords(ctx context.Context, userID string) ([]*replay.UserReplayData, error)
	ListRecordIDs(ctx context.Context, userID string) ([]string, error)
	ListUsers(ctx context.Context) ([]string, error)

	LoadIndex(ctx context.Context, userID string) (*replay.Index, error)
	SaveIndex(ctx context.Context, idx *replay.Index, prevVersion int64) error

	AppendHash(ctx context.Context, userID, hash, replayID string) error
	LookupHash(ctx context.Context, userID, hash string) (string, bool, error)
	ListHashes(ctx context.Context, userID string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open connects to the configured backend and ensures the schema exists.
func Open(ctx context.Context, driver, url, authToken string) (Store, error) {
	var (
		s   Store
		err error
	)
	switch driver {
	case "postgres", "":
		s, err = OpenPostgres(ctx, url)
	case "sqlite":
		s, err = OpenSQLite(ctx, url)
	case "turso":
		s, err = OpenTurso(ctx, url, authToken)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func encodeRecord(r *replay.UserReplayData) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record %s: %w", r.ID, err)
	}
	return data, nil
}

// decodeRecord normalizes every fingerprint as part of decoding.
func decodeRecord(data []byte) (*replay.UserReplayData, error) {
	var r replay.UserReplayData
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &r, nil
}

func encodeEntries(entries []replay.IndexEntry) ([]byte, error) {
	if entries == nil {
		entries = []replay.IndexEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal index entries: %w", err)
	}
	return data, nil
}

func decodeEntries(data []byte) ([]replay.IndexEntry, error) {
	entries := []replay.IndexEntry{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal index entries: %w", err)
	}
	return entries, nil
}

// fixed-width so text columns sort chronologically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	return t, nil
}
