package index

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ladderlegends/internal/valkeyx"
)

// TestKeyedLocker_Serializes tests mutual exclusion per user
func TestKeyedLocker_Serializes(t *testing.T) {
	l := NewKeyedLocker()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "u1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, l.active(), "idle users are forgotten")
}

// TestKeyedLocker_IndependentUsers tests that users do not block each other
func TestKeyedLocker_IndependentUsers(t *testing.T) {
	l := NewKeyedLocker()
	ctx := context.Background()

	unlockA, err := l.Lock(ctx, "a")
	require.NoError(t, err)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB, err := l.Lock(ctx, "b")
		assert.NoError(t, err)
		unlockB()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock for b blocked on a")
	}
}

// TestKeyedLocker_ContextCancel tests giving up while waiting
func TestKeyedLocker_ContextCancel(t *testing.T) {
	l := NewKeyedLocker()
	unlock, err := l.Lock(context.Background(), "u1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "u1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // second call is a no-op
	assert.Equal(t, 0, l.active())
}

func newValkeyLocker(t *testing.T, ttl, wait time.Duration) (*ValkeyLocker, *miniredis.Miniredis) {
	t.Helper()
	return newValkeyLockerWithLogger(t, ttl, wait, nil)
}

func newValkeyLockerWithLogger(t *testing.T, ttl, wait time.Duration, logger *slog.Logger) (*ValkeyLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := valkeyx.NewClient(valkeyx.Config{Addr: mr.Addr(), DisableCache: true})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return NewValkeyLocker(client, ttl, wait, logger), mr
}

// TestValkeyLocker_MutualExclusion tests SET NX acquisition and release
func TestValkeyLocker_MutualExclusion(t *testing.T) {
	l, mr := newValkeyLocker(t, 10*time.Second, 60*time.Millisecond)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:replay-index:u1"))

	_, err = l.Lock(ctx, "u1")
	assert.ErrorIs(t, err, ErrLockTimeout)

	other, err := l.Lock(ctx, "u2")
	require.NoError(t, err)
	other()

	unlock()
	assert.False(t, mr.Exists("lock:replay-index:u1"))

	again, err := l.Lock(ctx, "u1")
	require.NoError(t, err)
	again()
}

// TestValkeyLocker_TokenRelease tests that an expired holder cannot release a newer lock
func TestValkeyLocker_TokenRelease(t *testing.T) {
	l, mr := newValkeyLocker(t, time.Second, 50*time.Millisecond)
	ctx := context.Background()

	stale, err := l.Lock(ctx, "u1")
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	fresh, err := l.Lock(ctx, "u1")
	require.NoError(t, err)

	stale()
	assert.True(t, mr.Exists("lock:replay-index:u1"), "stale unlock must not delete the new lock")

	fresh()
	assert.False(t, mr.Exists("lock:replay-index:u1"))
}

// TestValkeyLocker_LogsFailedRelease tests that a lost or unreachable lock is logged on release
func TestValkeyLocker_LogsFailedRelease(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	l, mr := newValkeyLockerWithLogger(t, time.Second, 50*time.Millisecond, logger)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "u1")
	require.NoError(t, err)
	unlock()
	assert.Empty(t, buf.String())

	unlock, err = l.Lock(ctx, "u1")
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)
	unlock()
	assert.Contains(t, buf.String(), "index_lock_lost")
	assert.Contains(t, buf.String(), "user_id=u1")

	buf.Reset()
	unlock, err = l.Lock(ctx, "u2")
	require.NoError(t, err)
	mr.Close()
	unlock()
	assert.Contains(t, buf.String(), "index_lock_release_failed")
}
