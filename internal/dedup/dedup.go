// Package dedup answers "has this user already uploaded this exact file".
//
// A per-user bloom filter, warmed lazily from the hash manifest, lets most
// fresh uploads skip the database. Positives are confirmed against the
// manifest and the record store, so a false positive or a stale manifest row
// never rejects an upload.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	apperrors "ladderlegends/internal/errors"
	"ladderlegends/internal/replay"
)

// Manifest is the read side of the content-hash manifest.
type Manifest interface {
	LookupHash(ctx context.Context, userID, hash string) (replayID string, ok bool, err error)
	ListHashes(ctx context.Context, userID string) ([]string, error)
}

// RecordChecker reports whether a replay still exists.
type RecordChecker interface {
	GetRecord(ctx context.Context, userID, replayID string) (*replay.UserReplayData, error)
}

const (
	defaultExpected = 10000
	defaultFPRate   = 0.001
)

// Checker detects duplicate uploads.
type Checker struct {
	manifest Manifest
	records  RecordChecker
	expected uint
	fpRate   float64

	mu      sync.Mutex
	filters map[string]*userFilter
}

type userFilter struct {
	mu     sync.Mutex
	warm   bool
	filter *bloom.BloomFilter
}

// NewChecker returns a Checker sized for expected hashes per user.
func NewChecker(manifest Manifest, records RecordChecker, expected uint) *Checker {
	if expected == 0 {
		expected = defaultExpected
	}
	return &Checker{
		manifest: manifest,
		records:  records,
		expected: expected,
		fpRate:   defaultFPRate,
		filters:  make(map[string]*userFilter),
	}
}

// Hash returns the hex SHA-256 of a replay file.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Check returns a DuplicateReplayError when hash belongs to a live replay of
// userID. A manifest row whose replay was deleted is not a duplicate.
func (c *Checker) Check(ctx context.Context, userID, hash string) error {
	f := c.filterFor(userID)

	f.mu.Lock()
	if !f.warm {
		hashes, err := c.manifest.ListHashes(ctx, userID)
		if err != nil {
			f.mu.Unlock()
			return apperrors.DependencyError{Dependency: "manifest", Op: "list", Err: err}
		}
		for _, h := range hashes {
			f.filter.AddString(h)
		}
		f.warm = true
	}
	maybe := f.filter.TestString(hash)
	f.mu.Unlock()

	if !maybe {
		return nil
	}

	replayID, ok, err := c.manifest.LookupHash(ctx, userID, hash)
	if err != nil {
		return apperrors.DependencyError{Dependency: "manifest", Op: "lookup", Err: err}
	}
	if !ok {
		return nil
	}
	alive, err := c.alive(ctx, userID, replayID)
	if err != nil {
		return err
	}
	if !alive {
		return nil
	}
	return apperrors.DuplicateReplayError{ReplayID: replayID}
}

// Add records a hash after its replay was stored.
func (c *Checker) Add(userID, hash string) {
	f := c.filterFor(userID)
	f.mu.Lock()
	f.filter.AddString(hash)
	f.mu.Unlock()
}

// Reset drops the cached filter of a user. The next Check rewarms it.
func (c *Checker) Reset(userID string) {
	c.mu.Lock()
	delete(c.filters, userID)
	c.mu.Unlock()
}

func (c *Checker) filterFor(userID string) *userFilter {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.filters[userID]
	if !ok {
		f = &userFilter{filter: bloom.NewWithEstimates(c.expected, c.fpRate)}
		c.filters[userID] = f
	}
	return f
}

func (c *Checker) alive(ctx context.Context, userID, replayID string) (bool, error) {
	_, err := c.records.GetRecord(ctx, userID, replayID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.DependencyError{Dependency: "record_store", Op: "get", Err: err}
	}
	return true, nil
}

// IsDuplicate reports whether err marks a duplicate upload and returns the
// id of the original replay.
func IsDuplicate(err error) (string, bool) {
	var dup apperrors.DuplicateReplayError
	if errors.As(err, &dup) {
		return dup.ReplayID, true
	}
	return "", false
}
