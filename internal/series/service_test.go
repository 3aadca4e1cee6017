package series

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ladderlegends/internal/index"
	"ladderlegends/internal/logging"
	"ladderlegends/internal/replay"
)

type fakeSource struct {
	mu      sync.Mutex
	entries []replay.IndexEntry
	err     error
}

func (f *fakeSource) Fetch(context.Context, string, index.FetchOptions) (index.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return index.FetchResult{}, f.err
	}
	entries := append([]replay.IndexEntry(nil), f.entries...)
	return index.FetchResult{Index: &replay.Index{UserID: "u1", Entries: entries, ReplayCount: len(entries)}}, nil
}

func (f *fakeSource) set(entries []replay.IndexEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = entries
}

// TestService_CacheInvalidatedByIDChange tests that a changed id set is never served from cache
func TestService_CacheInvalidatedByIDChange(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{entries: threeWeeks()}
	cache := NewMemoryCache(10, time.Hour)
	svc := NewService(src, cache, logging.Discard(), nil)

	first, err := svc.Series(ctx, "u1", Weekly, Filters{})
	require.NoError(t, err)
	assert.Equal(t, 4, first.ReplayCount)

	// same ids: the cached value is served
	key := Key{UserID: "u1", Period: Weekly, Filter: Filters{}.key()}
	cached, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	cached.Series.ReplayCount = 999
	require.NoError(t, cache.Set(ctx, key, cached))

	again, err := svc.Series(ctx, "u1", Weekly, Filters{})
	require.NoError(t, err)
	assert.Equal(t, 999, again.ReplayCount)

	// one more replay: the cached value must not be reused
	src.set(append(threeWeeks(), entry("e", time.Date(2026, 3, 19, 0, 0, 0, 0, time.UTC), "Win")))
	changed, err := svc.Series(ctx, "u1", Weekly, Filters{})
	require.NoError(t, err)
	assert.Equal(t, 5, changed.ReplayCount)

	// same count, different ids: still a miss
	swapped := threeWeeks()
	swapped[0].ID = "z"
	src.set(swapped)
	got, err := svc.Series(ctx, "u1", Weekly, Filters{})
	require.NoError(t, err)
	assert.Equal(t, 4, got.ReplayCount)
}

// TestService_Filters tests matchup and date range filtering
func TestService_Filters(t *testing.T) {
	ctx := context.Background()
	entries := threeWeeks()
	entries[0].Matchup = "TvP"
	svc := NewService(&fakeSource{entries: entries}, nil, logging.Discard(), nil)

	ts, err := svc.Series(ctx, "u1", AllTime, Filters{Matchup: "tvz"})
	require.NoError(t, err)
	assert.Equal(t, 3, ts.ReplayCount)

	ts, err = svc.Series(ctx, "u1", Weekly, Filters{
		From: time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, ts.Buckets, 1)
	assert.Equal(t, "2026-W11", ts.Buckets[0].Label)
}

// TestService_EmptyIndex tests a user with no replays
func TestService_EmptyIndex(t *testing.T) {
	svc := NewService(&fakeSource{}, NewMemoryCache(1, time.Minute), logging.Discard(), nil)
	ts, err := svc.Series(context.Background(), "u1", Daily, Filters{})
	require.NoError(t, err)
	assert.Empty(t, ts.Buckets)
}

// TestService_SourceError tests index failures propagate
func TestService_SourceError(t *testing.T) {
	svc := NewService(&fakeSource{err: errors.New("db down")}, nil, logging.Discard(), nil)
	_, err := svc.Series(context.Background(), "u1", Daily, Filters{})
	assert.Error(t, err)
}
