package runlock

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/yakuin/internal/testutil"
)

var testRedis *redis.Client

func TestMain(m *testing.M) {
	rc := testutil.MustStartRedis()
	testRedis = rc.Client
	code := m.Run()
	rc.Terminate()
	os.Exit(code)
}

func lockers(t *testing.T) map[string]Locker {
	t.Helper()
	r := NewRedis(testRedis, fmt.Sprintf("test-%d:", time.Now().UnixNano()), time.Minute, testutil.TestLogger())
	r.poll = 10 * time.Millisecond
	return map[string]Locker{"memory": NewMemory(), "redis": r}
}

func TestAcquireBusyWithoutWait(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			release, err := l.Acquire(ctx, "agent-1", false)
			require.NoError(t, err)

			_, err = l.Acquire(ctx, "agent-1", false)
			assert.ErrorIs(t, err, ErrBusy)

			other, err := l.Acquire(ctx, "agent-2", false)
			require.NoError(t, err, "different keys are independent")
			other()

			release()
			again, err := l.Acquire(ctx, "agent-1", false)
			require.NoError(t, err)
			again()
		})
	}
}

func TestAcquireWaitBlocksUntilRelease(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			release, err := l.Acquire(ctx, "agent-1", false)
			require.NoError(t, err)

			acquired := make(chan struct{})
			go func() {
				r, err := l.Acquire(ctx, "agent-1", true)
				if err == nil {
					close(acquired)
					r()
				}
			}()

			select {
			case <-acquired:
				t.Fatal("waiter acquired a held lock")
			case <-time.After(50 * time.Millisecond):
			}

			release()
			select {
			case <-acquired:
			case <-time.After(2 * time.Second):
				t.Fatal("waiter never acquired the released lock")
			}
		})
	}
}

func TestAcquireWaitHonoursContext(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			release, err := l.Acquire(context.Background(), "agent-1", false)
			require.NoError(t, err)
			defer release()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
			defer cancel()
			_, err = l.Acquire(ctx, "agent-1", true)
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		})
	}
}

func TestMemoryMutualExclusion(t *testing.T) {
	m := NewMemory()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.Acquire(context.Background(), "k", true)
			if err != nil {
				return
			}
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
}

func TestMemoryReleaseIdempotent(t *testing.T) {
	m := NewMemory()
	release, err := m.Acquire(context.Background(), "k", false)
	require.NoError(t, err)
	release()
	release()

	next, err := m.Acquire(context.Background(), "k", false)
	require.NoError(t, err)
	next()
}

func TestRedisReleaseOnlyOwnToken(t *testing.T) {
	ctx := context.Background()
	prefix := fmt.Sprintf("test-own-%d:", time.Now().UnixNano())
	r := NewRedis(testRedis, prefix, 60*time.Millisecond, testutil.TestLogger())

	release, err := r.Acquire(ctx, "k", false)
	require.NoError(t, err)

	// The key vanishes (eviction, failover) and another holder takes it.
	require.NoError(t, testRedis.Del(ctx, prefix+"k").Err())
	second, err := r.Acquire(ctx, "k", false)
	require.NoError(t, err)

	// The first holder's watchdog must not extend a lock it no longer owns.
	time.Sleep(100 * time.Millisecond)
	val, err := testRedis.Get(ctx, prefix+"k").Result()
	require.NoError(t, err)
	assert.NotEmpty(t, val)

	// The stale release must not free the new holder's lock.
	release()
	_, err = r.Acquire(ctx, "k", false)
	assert.ErrorIs(t, err, ErrBusy)
	second()
}

func TestRedisWatchdogKeepsLockPastTTL(t *testing.T) {
	ctx := context.Background()
	prefix := fmt.Sprintf("test-dog-%d:", time.Now().UnixNano())
	r := NewRedis(testRedis, prefix, 90*time.Millisecond, testutil.TestLogger())

	release, err := r.Acquire(ctx, "k", false)
	require.NoError(t, err)

	// Several TTLs pass while the run is still going.
	time.Sleep(400 * time.Millisecond)
	_, err = r.Acquire(ctx, "k", false)
	require.ErrorIs(t, err, ErrBusy, "a live holder keeps its lock")

	ttl, err := testRedis.PTTL(ctx, prefix+"k").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	release()
	release()
	exists, err := testRedis.Exists(ctx, prefix+"k").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)

	again, err := r.Acquire(ctx, "k", false)
	require.NoError(t, err)
	again()
}
