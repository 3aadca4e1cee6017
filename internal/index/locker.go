package index

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/valkey-io/valkey-go"

	"ladderlegends/internal/logging"
	"ladderlegends/internal/valkeyx"
)

// Locker serializes index mutations per user. Lock blocks until the lock is
// held or ctx is done; the returned func releases it.
type Locker interface {
	Lock(ctx context.Context, userID string) (unlock func(), err error)
}

// KeyedLocker is an in-process Locker holding one mutex per active user.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{} // buffered(1); holding the token means holding the lock
	refs int
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyedLock)}
}

func (l *KeyedLocker) Lock(ctx context.Context, userID string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[userID]
	if !ok {
		kl = &keyedLock{ch: make(chan struct{}, 1)}
		l.locks[userID] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(userID, kl, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(userID, kl, true) })
	}, nil
}

func (l *KeyedLocker) release(userID string, kl *keyedLock, held bool) {
	if held {
		<-kl.ch
	}
	l.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, userID)
	}
	l.mu.Unlock()
}

// active returns the number of users with a held or awaited lock.
func (l *KeyedLocker) active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// ErrLockTimeout is returned when a distributed lock could not be acquired in time.
var ErrLockTimeout = errors.New("index lock timeout")

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// ValkeyLocker is a Locker shared by every server instance: SET NX PX with a
// random token, released only by the holder of that token.
type ValkeyLocker struct {
	client  valkey.Client
	prefix  string
	ttl     time.Duration
	wait    time.Duration
	retry   time.Duration
	release *valkey.Lua
	logger  *slog.Logger
}

// NewValkeyLocker returns a lock that expires after ttl if never released and
// gives up acquiring after wait.
func NewValkeyLocker(client valkey.Client, ttl, wait time.Duration, logger *slog.Logger) *ValkeyLocker {
	return &ValkeyLocker{
		client:  client,
		prefix:  "lock:replay-index",
		ttl:     ttl,
		wait:    wait,
		retry:   25 * time.Millisecond,
		release: valkey.NewLuaScript(releaseScript),
		logger:  logging.Component(logger, "index_lock"),
	}
}

func (l *ValkeyLocker) Lock(ctx context.Context, userID string) (func(), error) {
	key := valkeyx.BuildKey(l.prefix, userID)
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(l.wait)
	for {
		cmd := l.client.B().Set().Key(key).Value(token).Nx().PxMilliseconds(l.ttl.Milliseconds()).Build()
		err := l.client.Do(ctx, cmd).Error()
		if err == nil {
			break
		}
		if !valkeyx.IsNil(err) {
			return nil, fmt.Errorf("failed to acquire index lock: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// release even when the caller's context is already done
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			l.unlock(rctx, userID, key, token)
		})
	}, nil
}

// unlock deletes key if it still holds token. Failures are logged; the lock
// then lingers until its TTL.
func (l *ValkeyLocker) unlock(ctx context.Context, userID, key, token string) {
	deleted, err := l.release.Exec(ctx, l.client, []string{key}, []string{token}).AsInt64()
	switch {
	case err != nil:
		l.logger.Warn("index_lock_release_failed", "user_id", userID, "ttl", l.ttl, "error", err)
	case deleted == 0:
		l.logger.Warn("index_lock_lost", "user_id", userID, "ttl", l.ttl)
	}
}

func newToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate lock token: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
