package replay

import (
	"sort"
	"time"
)

// Index is a user's list of replay summaries, most recent upload first.
// ReplayCount always equals len(Entries).
type Index struct {
	UserID      string       `json:"user_id"`
	Version     int64        `json:"version"`
	LastUpdated time.Time    `json:"last_updated"`
	ReplayCount int          `json:"replay_count"`
	Entries     []IndexEntry `json:"entries"`
}

// Clone returns a deep copy that shares nothing with idx.
func (idx *Index) Clone() *Index {
	if idx == nil {
		return nil
	}
	c := *idx
	c.Entries = make([]IndexEntry, len(idx.Entries))
	copy(c.Entries, idx.Entries)
	return &c
}

// IDs returns the entry ids in index order.
func (idx *Index) IDs() []string {
	ids := make([]string, len(idx.Entries))
	for i, e := range idx.Entries {
		ids[i] = e.ID
	}
	return ids
}

// Consistent reports whether the count matches the entries.
func (idx *Index) Consistent() bool {
	return idx.ReplayCount == len(idx.Entries)
}

// WithEntry returns a copy with e prepended, replacing any entry with the same id.
func (idx *Index) WithEntry(e IndexEntry, now time.Time) *Index {
	next := &Index{
		UserID:      idx.UserID,
		Version:     idx.Version + 1,
		LastUpdated: now,
		Entries:     make([]IndexEntry, 0, len(idx.Entries)+1),
	}
	next.Entries = append(next.Entries, e)
	for _, old := range idx.Entries {
		if old.ID != e.ID {
			next.Entries = append(next.Entries, old)
		}
	}
	next.ReplayCount = len(next.Entries)
	return next
}

// WithoutEntry returns a copy without the entry id. The version is bumped
// even when no entry matched.
func (idx *Index) WithoutEntry(id string, now time.Time) *Index {
	next := &Index{
		UserID:      idx.UserID,
		Version:     idx.Version + 1,
		LastUpdated: now,
		Entries:     make([]IndexEntry, 0, len(idx.Entries)),
	}
	for _, old := range idx.Entries {
		if old.ID != id {
			next.Entries = append(next.Entries, old)
		}
	}
	next.ReplayCount = len(next.Entries)
	return next
}

// SortEntries orders entries most recent upload first, then by id.
func SortEntries(entries []IndexEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.UploadedAt.Equal(b.UploadedAt) {
			return a.UploadedAt.After(b.UploadedAt)
		}
		return a.ID < b.ID
	})
}
