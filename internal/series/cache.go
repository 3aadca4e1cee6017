package series

import (
	"container/list"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/valkey-io/valkey-go"

	"ladderlegends/internal/valkeyx"
)

// Key identifies a cached series. The replay-id set is not part of the key;
// it is stored with the value and compared on every read.
type Key struct {
	UserID string
	Period Period
	Filter string
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s", k.UserID, k.Period, k.Filter)
}

// Cached is a computed series plus the sorted ids it was computed from.
type Cached struct {
	ReplayIDs []string   `json:"replay_ids"`
	Series    TimeSeries `json:"series"`
}

// Matches reports whether the cached value was computed from exactly ids.
// ids must be sorted.
func (c Cached) Matches(ids []string) bool {
	return slices.Equal(c.ReplayIDs, ids)
}

// Cache stores computed series.
type Cache interface {
	Get(ctx context.Context, key Key) (Cached, bool, error)
	Set(ctx context.Context, key Key, value Cached) error
	Delete(ctx context.Context, key Key) error
}

// MemoryCache is a size-bounded LRU with a TTL.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
}

type memoryEntry struct {
	key      string
	value    Cached
	storedAt time.Time
}

// NewMemoryCache returns an LRU holding at most maxEntries for ttl each.
func NewMemoryCache(maxEntries int, ttl time.Duration) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MemoryCache{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key Key) (Cached, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key.String()]
	if !ok {
		return Cached{}, false, nil
	}
	entry := el.Value.(*memoryEntry)
	if c.now().Sub(entry.storedAt) > c.ttl {
		c.removeElement(el)
		return Cached{}, false, nil
	}
	c.lru.MoveToFront(el)
	return entry.value, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key Key, value Cached) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key.String()
	if el, ok := c.entries[k]; ok {
		entry := el.Value.(*memoryEntry)
		entry.value = value
		entry.storedAt = c.now()
		c.lru.MoveToFront(el)
		return nil
	}

	for c.lru.Len() >= c.maxEntries {
		c.removeElement(c.lru.Back())
	}
	c.entries[k] = c.lru.PushFront(&memoryEntry{key: k, value: value, storedAt: c.now()})
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key.String()]; ok {
		c.removeElement(el)
	}
	return nil
}

// Len returns the number of entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *MemoryCache) removeElement(el *list.Element) {
	entry := c.lru.Remove(el).(*memoryEntry)
	delete(c.entries, entry.key)
}

const valkeyKeyPrefix = "series"

// ValkeyCache stores series in Valkey so every instance shares them.
type ValkeyCache struct {
	client valkey.Client
	ttl    time.Duration
}

func NewValkeyCache(client valkey.Client, ttl time.Duration) *ValkeyCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ValkeyCache{client: client, ttl: ttl}
}

func (c *ValkeyCache) key(k Key) string {
	return valkeyx.BuildKey(valkeyKeyPrefix, k.UserID, string(k.Period), k.Filter)
}

func (c *ValkeyCache) Get(ctx context.Context, key Key) (Cached, bool, error) {
	cmd := c.client.B().Get().Key(c.key(key)).Build()
	raw, err := c.client.Do(ctx, cmd).ToString()
	if err != nil {
		if valkeyx.IsNil(err) {
			return Cached{}, false, nil
		}
		return Cached{}, false, fmt.Errorf("failed to get cached series: %w", err)
	}

	var v Cached
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		// unreadable values are treated as a miss and overwritten
		return Cached{}, false, nil
	}
	return v, true, nil
}

func (c *ValkeyCache) Set(ctx context.Context, key Key, value Cached) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal series: %w", err)
	}
	cmd := c.client.B().Set().Key(c.key(key)).Value(string(data)).Ex(c.ttl).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to cache series: %w", err)
	}
	return nil
}

func (c *ValkeyCache) Delete(ctx context.Context, key Key) error {
	if err := c.client.Do(ctx, c.client.B().Del().Key(c.key(key)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete cached series: %w", err)
	}
	return nil
}
