package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"

	apperrors "ladderlegends/internal/errors"
	"ladderlegends/internal/replay"
)

// SQLStore implements Store on database/sql for SQLite and Turso (libSQL).
type SQLStore struct {
	db *sql.DB
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS replays (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		uploaded_at TEXT NOT NULL,
		filename TEXT NOT NULL,
		blob_url TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL DEFAULT '',
		data TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_replays_user ON replays(user_id, uploaded_at)`,
	`CREATE TABLE IF NOT EXISTS replay_indexes (
		user_id TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		last_updated TEXT NOT NULL,
		replay_count INTEGER NOT NULL,
		entries TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS replay_hashes (
		user_id TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		replay_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (user_id, content_hash)
	)`,
}

// OpenSQLite opens (or creates) a local SQLite database file.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", path, err)
	}
	// one writer at a time; avoids SQLITE_BUSY under concurrent uploads
	db.SetMaxOpenConns(1)
	return newSQLStore(ctx, db, "sqlite")
}

// OpenTurso connects to a hosted libSQL database.
func OpenTurso(ctx context.Context, url, authToken string) (*SQLStore, error) {
	connStr := url
	if authToken != "" {
		connStr = fmt.Sprintf("%s?authToken=%s", url, authToken)
	}
	db, err := sql.Open("libsql", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Turso: %w", err)
	}
	return newSQLStore(ctx, db, "Turso")
}

func newSQLStore(ctx context.Context, db *sql.DB, name string) (*SQLStore, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", name, err)
	}
	s := &SQLStore{db: db}
	if err := s.CreateTables(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// CreateTables creates the required tables if they don't exist.
func (s *SQLStore) CreateTables(ctx context.Context) error {
	for _, query := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) PutRecord(ctx context.Context, r *replay.UserReplayData) error {
	data, err := encodeRecord(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO replays (id, user_id, uploaded_at, filename, blob_url, content_hash, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			uploaded_at = excluded.uploaded_at,
			filename = excluded.filename,
			blob_url = excluded.blob_url,
			content_hash = excluded.content_hash,
			data = excluded.data
		WHERE replays.user_id = excluded.user_id
	`, r.ID, r.UserID, formatTime(r.UploadedAt), r.Filename, r.BlobURL, r.ContentHash, string(data))
	if err != nil {
		return fmt.Errorf("failed to insert replay %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLStore) GetRecord(ctx context.Context, userID, replayID string) (*replay.UserReplayData, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM replays WHERE user_id = ? AND id = ?`, userID, replayID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query replay %s: %w", replayID, err)
	}
	return decodeRecord([]byte(data))
}

func (s *SQLStore) DeleteRecord(ctx context.Context, userID, replayID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM replays WHERE user_id = ? AND id = ?`, userID, replayID)
	if err != nil {
		return fmt.Errorf("failed to delete replay %s: %w", replayID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (s *SQLStore) ListRecords(ctx context.Context, userID string) ([]*replay.UserReplayData, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM replays WHERE user_id = ? ORDER BY uploaded_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query replays: %w", err)
	}
	defer rows.Close()

	var records []*replay.UserReplayData
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan replay: %w", err)
		}
		r, err := decodeRecord([]byte(data))
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLStore) ListRecordIDs(ctx context.Context, userID string) ([]string, error) {
	return s.queryStrings(ctx, `SELECT id FROM replays WHERE user_id = ?`, userID)
}

// ListUsers returns every user with a record or an index row, so a stale
// index left behind by deleted records is still visited by reindex.
func (s *SQLStore) ListUsers(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, `
		SELECT user_id FROM replays UNION SELECT user_id FROM replay_indexes ORDER BY user_id
	`)
}

func (s *SQLStore) LoadIndex(ctx context.Context, userID string) (*replay.Index, error) {
	var (
		idx         replay.Index
		lastUpdated string
		entries     string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, version, last_updated, replay_count, entries
		FROM replay_indexes WHERE user_id = ?
	`, userID).Scan(&idx.UserID, &idx.Version, &lastUpdated, &idx.ReplayCount, &entries)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query index for %s: %w", userID, err)
	}
	if idx.LastUpdated, err = parseTime(lastUpdated); err != nil {
		return nil, err
	}
	if idx.Entries, err = decodeEntries([]byte(entries)); err != nil {
		return nil, err
	}
	return &idx, nil
}

// SaveIndex writes idx only if the stored version still equals prevVersion.
// prevVersion 0 means the index must not exist yet.
func (s *SQLStore) SaveIndex(ctx context.Context, idx *replay.Index, prevVersion int64) error {
	entries, err := encodeEntries(idx.Entries)
	if err != nil {
		return err
	}
	var res sql.Result
	if prevVersion == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO replay_indexes (user_id, version, last_updated, replay_count, entries)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (user_id) DO NOTHING
		`, idx.UserID, idx.Version, formatTime(idx.LastUpdated), idx.ReplayCount, string(entries))
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE replay_indexes
			SET version = ?, last_updated = ?, replay_count = ?, entries = ?
			WHERE user_id = ? AND version = ?
		`, idx.Version, formatTime(idx.LastUpdated), idx.ReplayCount, string(entries), idx.UserID, prevVersion)
	}
	if err != nil {
		return fmt.Errorf("failed to save index for %s: %w", idx.UserID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save index for %s: %w", idx.UserID, err)
	}
	if n == 0 {
		return apperrors.ErrVersionConflict
	}
	return nil
}

// AppendHash records hash -> replayID. A hash still pointing at a live replay
// is a duplicate; one pointing at a deleted replay is taken over.
func (s *SQLStore) AppendHash(ctx context.Context, userID, hash, replayID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	res, err := tx.ExecContext(ctx, `
		INSERT INTO replay_hashes (user_id, content_hash, replay_id, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, content_hash) DO NOTHING
	`, userID, hash, replayID, now)
	if err != nil {
		return fmt.Errorf("failed to append hash: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to append hash: %w", err)
	}
	if inserted == 0 {
		var existing string
		err = tx.QueryRowContext(ctx,
			`SELECT replay_id FROM replay_hashes WHERE user_id = ? AND content_hash = ?`, userID, hash).Scan(&existing)
		if err != nil {
			return fmt.Errorf("failed to query hash: %w", err)
		}
		if existing == replayID {
			return nil
		}
		var live int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM replays WHERE user_id = ? AND id = ?`, userID, existing).Scan(&live)
		if err != nil {
			return fmt.Errorf("failed to query replay %s: %w", existing, err)
		}
		if live > 0 {
			return apperrors.DuplicateReplayError{ReplayID: existing}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE replay_hashes SET replay_id = ?, created_at = ? WHERE user_id = ? AND content_hash = ?
		`, replayID, now, userID, hash)
		if err != nil {
			return fmt.Errorf("failed to take over hash: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit hash: %w", err)
	}
	return nil
}

func (s *SQLStore) LookupHash(ctx context.Context, userID, hash string) (string, bool, error) {
	var replayID string
	err := s.db.QueryRowContext(ctx,
		`SELECT replay_id FROM replay_hashes WHERE user_id = ? AND content_hash = ?`, userID, hash).Scan(&replayID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query hash: %w", err)
	}
	return replayID, true, nil
}

func (s *SQLStore) ListHashes(ctx context.Context, userID string) ([]string, error) {
	return s.queryStrings(ctx, `SELECT content_hash FROM replay_hashes WHERE user_id = ?`, userID)
}

func (s *SQLStore) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
