package series

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"ladderlegends/internal/index"
	"ladderlegends/internal/logging"
	"ladderlegends/internal/metrics"
	"ladderlegends/internal/replay"
)

// IndexSource supplies a user's index, building it on first access.
type IndexSource interface {
	Fetch(ctx context.Context, userID string, opts index.FetchOptions) (index.FetchResult, error)
}

// Filters narrow the entries a series is built from. Zero values match all.
type Filters struct {
	Matchup string
	From    time.Time // inclusive
	To      time.Time // exclusive
}

func (f Filters) key() string {
	var from, to string
	if !f.From.IsZero() {
		from = f.From.UTC().Format(time.RFC3339)
	}
	if !f.To.IsZero() {
		to = f.To.UTC().Format(time.RFC3339)
	}
	return strings.Join([]string{strings.ToUpper(f.Matchup), from, to}, "|")
}

func (f Filters) match(e replay.IndexEntry) bool {
	if f.Matchup != "" && !strings.EqualFold(e.Matchup, f.Matchup) {
		return false
	}
	t := e.BucketTime()
	if !f.From.IsZero() && t.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !t.Before(f.To) {
		return false
	}
	return true
}

// Service serves series for users, reading their index and caching results.
type Service struct {
	source  IndexSource
	cache   Cache
	flight  singleflight.Group
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewService returns a Service; cache may be nil.
func NewService(source IndexSource, cache Cache, logger *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		source:  source,
		cache:   cache,
		logger:  logging.Component(logger, "series"),
		metrics: m,
	}
}

// Series returns the user's series for period over the filtered entries. A
// cached value is used only when it was computed from exactly the current
// filtered replay ids.
func (s *Service) Series(ctx context.Context, userID string, period Period, f Filters) (TimeSeries, error) {
	res, err := s.source.Fetch(ctx, userID, index.FetchOptions{})
	if err != nil {
		return TimeSeries{}, fmt.Errorf("failed to load index: %w", err)
	}
	var entries []replay.IndexEntry
	if res.Index != nil {
		for _, e := range res.Index.Entries {
			if f.match(e) {
				entries = append(entries, e)
			}
		}
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	sort.Strings(ids)

	key := Key{UserID: userID, Period: period, Filter: f.key()}
	if cached, ok := s.lookup(ctx, key, ids); ok {
		return cached, nil
	}

	flightKey := key.String() + "|" + strings.Join(ids, ",")
	v, err, _ := s.flight.Do(flightKey, func() (any, error) {
		ts, err := BuildSeries(entries, period)
		if err != nil {
			return TimeSeries{}, err
		}
		s.store(ctx, key, Cached{ReplayIDs: ids, Series: ts})
		return ts, nil
	})
	if err != nil {
		return TimeSeries{}, err
	}
	return v.(TimeSeries), nil
}

func (s *Service) lookup(ctx context.Context, key Key, ids []string) (TimeSeries, bool) {
	if s.cache == nil {
		return TimeSeries{}, false
	}
	cached, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("series_cache_get_failed", "key", key.String(), "error", err)
		return TimeSeries{}, false
	}
	hit := ok && cached.Matches(ids)
	s.metrics.SeriesCache(hit)
	if ok && !hit {
		s.logger.Debug("series_cache_stale", "key", key.String(), "cached_ids", len(cached.ReplayIDs), "current_ids", len(ids))
	}
	if !hit {
		return TimeSeries{}, false
	}
	return cached.Series, true
}

func (s *Service) store(ctx context.Context, key Key, value Cached) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, value); err != nil {
		s.logger.Warn("series_cache_set_failed", "key", key.String(), "error", err)
	}
}
