// Package index maintains each user's replay index: a cheap, versioned list of
// replay summaries that can always be rebuilt from the record store.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "ladderlegends/internal/errors"
	"ladderlegends/internal/logging"
	"ladderlegends/internal/metrics"
	"ladderlegends/internal/replay"
)

// Rebuild reasons reported by Fetch.
const (
	ReasonInitial = "initial"
	ReasonForced  = "forced"
	ReasonInvalid = "invalid"
)

// maxConflictRetries bounds retries when a versioned write loses a race with
// a writer that did not hold the lock (for example after a lock expired).
const maxConflictRetries = 3

// Records is the authoritative record store, read-only from here.
type Records interface {
	ListRecords(ctx context.Context, userID string) ([]*replay.UserReplayData, error)
	ListRecordIDs(ctx context.Context, userID string) ([]string, error)
}

// Indexes persists one versioned index per user.
type Indexes interface {
	LoadIndex(ctx context.Context, userID string) (*replay.Index, error)
	SaveIndex(ctx context.Context, idx *replay.Index, prevVersion int64) error
}

// EventKind names an index change.
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventRemoved EventKind = "removed"
	EventRebuilt EventKind = "rebuilt"
)

// Event describes a committed index change.
type Event struct {
	UserID      string    `json:"user_id"`
	Kind        EventKind `json:"kind"`
	ReplayID    string    `json:"replay_id,omitempty"`
	Version     int64     `json:"version"`
	ReplayCount int       `json:"replay_count"`
	At          time.Time `json:"at"`
}

// Options configures a Service.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
	// OnChange is called after every committed change, outside the user lock.
	OnChange func(Event)
}

type Service struct {
	records  Records
	indexes  Indexes
	locker   Locker
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	onChange func(Event)
}

func NewService(records Records, indexes Indexes, locker Locker, opts Options) *Service {
	if locker == nil {
		locker = NewKeyedLocker()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		records:  records,
		indexes:  indexes,
		locker:   locker,
		logger:   logging.Component(opts.Logger, "index"),
		metrics:  opts.Metrics,
		now:      now,
		onChange: opts.OnChange,
	}
}

// Get returns the stored index, or nil if it was never built. It takes no lock.
func (s *Service) Get(ctx context.Context, userID string) (*replay.Index, error) {
	idx, err := s.indexes.LoadIndex(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load index: %w", err)
	}
	return idx, nil
}

// Validate reports whether the stored index matches the record store exactly.
// An absent index is not valid.
func (s *Service) Validate(ctx context.Context, userID string) (bool, error) {
	idx, err := s.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	if idx == nil {
		return false, nil
	}
	ids, err := s.records.ListRecordIDs(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to list record ids: %w", err)
	}
	if reason := mismatch(idx, ids); reason != "" {
		s.logger.Warn("index_invalid", "user_id", userID, "reason", reason)
		return false, nil
	}
	return true, nil
}

// mismatch returns why idx disagrees with the record ids, or "".
func mismatch(idx *replay.Index, ids []string) string {
	if !idx.Consistent() {
		return fmt.Sprintf("replay_count %d != %d entries", idx.ReplayCount, len(idx.Entries))
	}
	if len(idx.Entries) != len(ids) {
		return fmt.Sprintf("%d entries for %d records", len(idx.Entries), len(ids))
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for _, e := range idx.Entries {
		if _, ok := want[e.ID]; !ok {
			return "entry without record: " + e.ID
		}
		// duplicates would otherwise hide a missing entry
		delete(want, e.ID)
	}
	if len(want) > 0 {
		return fmt.Sprintf("%d records without entry", len(want))
	}
	return ""
}

// Rebuild recomputes the index from every record of the user in one pass and
// replaces the stored index.
func (s *Service) Rebuild(ctx context.Context, userID string) (*replay.Index, error) {
	return s.rebuild(ctx, userID, ReasonForced)
}

func (s *Service) rebuild(ctx context.Context, userID, reason string) (*replay.Index, error) {
	unlock, err := s.locker.Lock(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock index: %w", err)
	}
	defer unlock()

	records, err := s.records.ListRecords(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	entries := make([]replay.IndexEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, replay.BuildEntry(r))
	}
	replay.SortEntries(entries)

	var next *replay.Index
	for attempt := 0; ; attempt++ {
		cur, err := s.indexes.LoadIndex(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to load index: %w", err)
		}
		var prev int64
		if cur != nil {
			prev = cur.Version
		}
		next = &replay.Index{
			UserID:      userID,
			Version:     prev + 1,
			LastUpdated: s.now(),
			ReplayCount: len(entries),
			Entries:     entries,
		}
		err = s.indexes.SaveIndex(ctx, next, prev)
		if err == nil {
			break
		}
		if !errors.Is(err, apperrors.ErrVersionConflict) || attempt >= maxConflictRetries {
			return nil, fmt.Errorf("failed to save index: %w", err)
		}
		s.metrics.IndexConflict()
	}

	s.metrics.IndexRebuild(reason)
	s.logger.Info("index_rebuilt", "user_id", userID, "reason", reason,
		"replay_count", next.ReplayCount, "version", next.Version)
	s.emit(Event{UserID: userID, Kind: EventRebuilt, Version: next.Version, ReplayCount: next.ReplayCount})
	return next, nil
}

// AddEntry puts entry first in the user's index, replacing an entry with the
// same id. The index is created when absent.
func (s *Service) AddEntry(ctx context.Context, userID string, entry replay.IndexEntry) (*replay.Index, error) {
	next, err := s.mutate(ctx, userID, true, func(cur *replay.Index, now time.Time) *replay.Index {
		return cur.WithEntry(entry, now)
	})
	if err != nil {
		return nil, err
	}
	s.emit(Event{UserID: userID, Kind: EventAdded, ReplayID: entry.ID, Version: next.Version, ReplayCount: next.ReplayCount})
	return next, nil
}

// RemoveEntry drops the entry with replayID. Removing a missing entry is not an
// error and still bumps the version; a missing index is left absent.
func (s *Service) RemoveEntry(ctx context.Context, userID, replayID string) (*replay.Index, error) {
	next, err := s.mutate(ctx, userID, false, func(cur *replay.Index, now time.Time) *replay.Index {
		return cur.WithoutEntry(replayID, now)
	})
	if err != nil || next == nil {
		return nil, err
	}
	s.emit(Event{UserID: userID, Kind: EventRemoved, ReplayID: replayID, Version: next.Version, ReplayCount: next.ReplayCount})
	return next, nil
}

// mutate applies fn to the current index under the user lock with a
// compare-and-swap write. It returns nil without writing when the index is
// absent and create is false.
func (s *Service) mutate(ctx context.Context, userID string, create bool, fn func(*replay.Index, time.Time) *replay.Index) (*replay.Index, error) {
	unlock, err := s.locker.Lock(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock index: %w", err)
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		cur, err := s.indexes.LoadIndex(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to load index: %w", err)
		}
		if cur == nil {
			if !create {
				return nil, nil
			}
			cur = &replay.Index{UserID: userID}
		}
		next := fn(cur, s.now())
		err = s.indexes.SaveIndex(ctx, next, cur.Version)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, apperrors.ErrVersionConflict) || attempt >= maxConflictRetries {
			return nil, fmt.Errorf("failed to save index: %w", err)
		}
		s.metrics.IndexConflict()
		s.logger.Warn("index_version_conflict", "user_id", userID, "attempt", attempt+1)
	}
}

// FetchOptions select the read behavior of Fetch.
type FetchOptions struct {
	Rebuild  bool // always rebuild
	Validate bool // rebuild when the stored index is invalid
}

// FetchResult is an index plus whether and why it was rebuilt.
type FetchResult struct {
	Index   *replay.Index `json:"index"`
	Rebuilt bool          `json:"rebuilt"`
	Reason  string        `json:"reason,omitempty"`
}

// Fetch returns the user's index, building it on first access. Validation is
// opt-in; an invalid index is rebuilt rather than reported.
func (s *Service) Fetch(ctx context.Context, userID string, opts FetchOptions) (FetchResult, error) {
	if opts.Rebuild {
		return s.fetchRebuilt(ctx, userID, ReasonForced)
	}

	idx, err := s.Get(ctx, userID)
	if err != nil {
		return FetchResult{}, err
	}
	if idx == nil {
		return s.fetchRebuilt(ctx, userID, ReasonInitial)
	}
	if opts.Validate {
		ok, err := s.Validate(ctx, userID)
		if err != nil {
			return FetchResult{}, err
		}
		if !ok {
			s.logger.Info("index_rebuild_scheduled", "error", apperrors.ConsistencyError{UserID: userID, Reason: "validation failed"})
			return s.fetchRebuilt(ctx, userID, ReasonInvalid)
		}
	}
	return FetchResult{Index: idx}, nil
}

func (s *Service) fetchRebuilt(ctx context.Context, userID, reason string) (FetchResult, error) {
	idx, err := s.rebuild(ctx, userID, reason)
	if err != nil {
		return FetchResult{}, err
	}
	return FetchResult{Index: idx, Rebuilt: true, Reason: reason}, nil
}

func (s *Service) emit(ev Event) {
	if s.onChange == nil {
		return
	}
	ev.At = s.now()
	s.onChange(ev)
}
