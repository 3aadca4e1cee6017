package index

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "ladderlegends/internal/errors"
	"ladderlegends/internal/logging"
	"ladderlegends/internal/replay"
)

// memStore is an in-memory Records and Indexes with versioned index writes.
type memStore struct {
	mu      sync.Mutex
	records map[string]map[string]*replay.UserReplayData
	indexes map[string]*replay.Index

	loadDelay time.Duration // widens the read-modify-write window
	failSave  error
	saves     int
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[string]map[string]*replay.UserReplayData),
		indexes: make(map[string]*replay.Index),
	}
}

func (m *memStore) put(r *replay.UserReplayData) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records[r.UserID] == nil {
		m.records[r.UserID] = make(map[string]*replay.UserReplayData)
	}
	m.records[r.UserID][r.ID] = r
}

func (m *memStore) drop(userID, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records[userID], id)
}

func (m *memStore) ListRecords(_ context.Context, userID string) ([]*replay.UserReplayData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*replay.UserReplayData
	for _, r := range m.records[userID] {
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) ListRecordIDs(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := []string{}
	for id := range m.records[userID] {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *memStore) LoadIndex(_ context.Context, userID string) (*replay.Index, error) {
	m.mu.Lock()
	idx := m.indexes[userID].Clone()
	delay := m.loadDelay
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return idx, nil
}

func (m *memStore) SaveIndex(_ context.Context, idx *replay.Index, prev int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave != nil {
		return m.failSave
	}
	var cur int64
	if existing := m.indexes[idx.UserID]; existing != nil {
		cur = existing.Version
	}
	if cur != prev {
		return apperrors.ErrVersionConflict
	}
	m.indexes[idx.UserID] = idx.Clone()
	m.saves++
	return nil
}

func record(user, id string, uploaded time.Time) *replay.UserReplayData {
	return &replay.UserReplayData{ID: id, UserID: user, UploadedAt: uploaded, Filename: id + ".SC2Replay",
		GameMetadata: replay.GameMetadata{Matchup: "TvZ", Result: "Win"}}
}

func newTestService(store *memStore, onChange func(Event)) *Service {
	return NewService(store, store, NewKeyedLocker(), Options{Logger: logging.Discard(), OnChange: onChange})
}

// TestService_GetAbsent tests that an unbuilt index reads as nil
func TestService_GetAbsent(t *testing.T) {
	svc := newTestService(newMemStore(), nil)
	idx, err := svc.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, idx)

	ok, err := svc.Validate(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestService_AddEntryCreates tests that the first add creates a one-entry index
func TestService_AddEntryCreates(t *testing.T) {
	ctx := context.Background()
	var events []Event
	svc := newTestService(newMemStore(), func(ev Event) { events = append(events, ev) })

	idx, err := svc.AddEntry(ctx, "u1", replay.IndexEntry{ID: "a"})
	require.NoError(t, err)
	assert.Equal(t, 1, idx.ReplayCount)
	assert.Equal(t, int64(1), idx.Version)
	require.Len(t, events, 1)
	assert.Equal(t, EventAdded, events[0].Kind)
	assert.Equal(t, "a", events[0].ReplayID)

	idx, err = svc.AddEntry(ctx, "u1", replay.IndexEntry{ID: "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, idx.IDs())
	assert.Equal(t, int64(2), idx.Version)
}

// TestService_RemoveEntry tests idempotent removal
func TestService_RemoveEntry(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := newTestService(store, nil)

	idx, err := svc.RemoveEntry(ctx, "u1", "a")
	require.NoError(t, err)
	assert.Nil(t, idx, "removal never creates an index")
	stored, _ := store.LoadIndex(ctx, "u1")
	assert.Nil(t, stored)

	_, err = svc.AddEntry(ctx, "u1", replay.IndexEntry{ID: "a"})
	require.NoError(t, err)
	idx, err = svc.RemoveEntry(ctx, "u1", "a")
	require.NoError(t, err)
	assert.Equal(t, 0, idx.ReplayCount)
	assert.Equal(t, int64(2), idx.Version)

	idx, err = svc.RemoveEntry(ctx, "u1", "a")
	require.NoError(t, err)
	assert.Equal(t, 0, idx.ReplayCount)
	assert.Equal(t, int64(3), idx.Version)
}

// TestService_CountInvariant tests replay_count == len(entries) over a mixed sequence
func TestService_CountInvariant(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(newMemStore(), nil)

	ops := []struct {
		add bool
		id  string
	}{
		{true, "a"}, {true, "b"}, {true, "a"}, {false, "c"}, {true, "c"},
		{false, "a"}, {false, "a"}, {true, "d"}, {false, "b"}, {true, "b"},
	}
	for i, op := range ops {
		var (
			idx *replay.Index
			err error
		)
		if op.add {
			idx, err = svc.AddEntry(ctx, "u1", replay.IndexEntry{ID: op.id})
		} else {
			idx, err = svc.RemoveEntry(ctx, "u1", op.id)
		}
		require.NoError(t, err, "op %d", i)
		assert.Equal(t, len(idx.Entries), idx.ReplayCount, "op %d", i)
		assert.Equal(t, int64(i+1), idx.Version, "op %d", i)
	}
	idx, _ := svc.Get(ctx, "u1")
	assert.ElementsMatch(t, []string{"b", "d", "c"}, idx.IDs())
}

// TestService_ConcurrentAddEntry tests that concurrent adds never lose an update
func TestService_ConcurrentAddEntry(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.loadDelay = 2 * time.Millisecond
	svc := newTestService(store, nil)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.AddEntry(ctx, "u1", replay.IndexEntry{ID: fmt.Sprintf("r%02d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	idx, err := svc.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, n, idx.ReplayCount)
	assert.Len(t, idx.Entries, n)
	assert.Equal(t, int64(n), idx.Version)
}

// TestService_ConcurrentWithoutLock tests that the versioned write alone
// prevents lost updates when two services share a store but not a lock
func TestService_ConcurrentWithoutLock(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.loadDelay = time.Millisecond
	a := NewService(store, store, NewKeyedLocker(), Options{Logger: logging.Discard()})
	b := NewService(store, store, NewKeyedLocker(), Options{Logger: logging.Discard()})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := a.AddEntry(ctx, "u1", replay.IndexEntry{ID: "from-a"})
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := b.AddEntry(ctx, "u1", replay.IndexEntry{ID: "from-b"})
		assert.NoError(t, err)
	}()
	wg.Wait()

	idx, err := a.Get(ctx, "u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"from-a", "from-b"}, idx.IDs())
	assert.Equal(t, 2, idx.ReplayCount)
}

// TestService_RebuildAndValidate tests rebuild from records and stale detection
func TestService_RebuildAndValidate(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := newTestService(store, nil)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.put(record("u1", "a", t0))
	store.put(record("u1", "b", t0.Add(time.Hour)))
	store.put(record("u2", "x", t0))

	idx, err := svc.Rebuild(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, idx.IDs())
	assert.Equal(t, 2, idx.ReplayCount)
	assert.Equal(t, int64(1), idx.Version)

	ok, err := svc.Validate(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	// a record written without its index entry makes the index stale
	store.put(record("u1", "c", t0.Add(2*time.Hour)))
	ok, err = svc.Validate(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	idx, err = svc.Rebuild(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, idx.IDs())
	assert.Equal(t, int64(2), idx.Version)

	// an entry whose record is gone also makes it stale
	store.drop("u1", "b")
	ok, err = svc.Validate(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestService_ValidateCountMismatch tests the replay_count check
func TestService_ValidateCountMismatch(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := newTestService(store, nil)
	store.put(record("u1", "a", time.Now()))
	store.indexes["u1"] = &replay.Index{UserID: "u1", Version: 4, ReplayCount: 2,
		Entries: []replay.IndexEntry{{ID: "a"}}}

	ok, err := svc.Validate(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestService_Fetch tests the rebuild reasons of the read path
func TestService_Fetch(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := newTestService(store, nil)
	store.put(record("u1", "a", time.Now()))

	res, err := svc.Fetch(ctx, "u1", FetchOptions{})
	require.NoError(t, err)
	assert.True(t, res.Rebuilt)
	assert.Equal(t, ReasonInitial, res.Reason)
	assert.Equal(t, 1, res.Index.ReplayCount)

	res, err = svc.Fetch(ctx, "u1", FetchOptions{Validate: true})
	require.NoError(t, err)
	assert.False(t, res.Rebuilt)
	assert.Empty(t, res.Reason)

	store.put(record("u1", "b", time.Now()))
	res, err = svc.Fetch(ctx, "u1", FetchOptions{})
	require.NoError(t, err)
	assert.False(t, res.Rebuilt, "validation is opt-in")
	assert.Equal(t, 1, res.Index.ReplayCount)

	res, err = svc.Fetch(ctx, "u1", FetchOptions{Validate: true})
	require.NoError(t, err)
	assert.True(t, res.Rebuilt)
	assert.Equal(t, ReasonInvalid, res.Reason)
	assert.Equal(t, 2, res.Index.ReplayCount)

	res, err = svc.Fetch(ctx, "u1", FetchOptions{Rebuild: true})
	require.NoError(t, err)
	assert.Equal(t, ReasonForced, res.Reason)
}

// TestService_SaveFailure tests that store errors are returned, not retried
func TestService_SaveFailure(t *testing.T) {
	store := newMemStore()
	store.failSave = errors.New("disk full")
	svc := newTestService(store, nil)

	_, err := svc.AddEntry(context.Background(), "u1", replay.IndexEntry{ID: "a"})
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 0, store.saves)
}
