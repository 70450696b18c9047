package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pensionops/rebalancer/internal/model"
	"github.com/pensionops/rebalancer/internal/scheduler"
	"github.com/pensionops/rebalancer/internal/store"
	"github.com/pensionops/rebalancer/internal/transaction"
)

const lockKey = "rebalancer:lock:job"

func newRedisLock(t *testing.T) (*scheduler.RedisLock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return scheduler.NewRedisLock(rdb), mr
}

func TestRedisLock_ExclusiveUntilReleased(t *testing.T) {
	lock, mr := newRedisLock(t)
	ctx := context.Background()

	lease, ok, err := lock.TryAcquire(ctx, "job", time.Minute, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists(lockKey))

	_, ok, err = lock.TryAcquire(ctx, "job", time.Minute, 0)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	_, ok, err = lock.TryAcquire(ctx, "other-job", time.Minute, 0)
	require.NoError(t, err)
	assert.True(t, ok, "names are independent")

	require.NoError(t, lease.Release(ctx))
	assert.False(t, mr.Exists(lockKey))

	_, ok, err = lock.TryAcquire(ctx, "job", time.Minute, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_ReleaseHonorsMinimumHold(t *testing.T) {
	lock, mr := newRedisLock(t)
	ctx := context.Background()

	lease, ok, err := lock.TryAcquire(ctx, "job", 10*time.Minute, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, lease.Release(ctx))

	// The key now lives out the rest of the minimum hold only.
	ttl := mr.TTL(lockKey)
	assert.Greater(t, ttl, 25*time.Second)
	assert.LessOrEqual(t, ttl, 30*time.Second)

	_, ok, _ = lock.TryAcquire(ctx, "job", 10*time.Minute, 30*time.Second)
	assert.False(t, ok, "lock stays held until the minimum hold passes")

	mr.FastForward(30 * time.Second)
	_, ok, err = lock.TryAcquire(ctx, "job", 10*time.Minute, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_ExpiresAfterMaximumHold(t *testing.T) {
	lock, mr := newRedisLock(t)
	ctx := context.Background()

	stale, ok, err := lock.TryAcquire(ctx, "job", time.Minute, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Minute, mr.TTL(lockKey))

	mr.FastForward(time.Minute)
	fresh, ok, err := lock.TryAcquire(ctx, "job", time.Minute, 0)
	require.NoError(t, err)
	require.True(t, ok, "expired lock can be taken over")
	owner, err := mr.Get(lockKey)
	require.NoError(t, err)

	require.NoError(t, stale.Release(ctx))
	current, err := mr.Get(lockKey)
	require.NoError(t, err)
	assert.Equal(t, owner, current, "stale lease must not release the new holder")

	_, ok, _ = lock.TryAcquire(ctx, "job", time.Minute, 0)
	assert.False(t, ok)

	require.NoError(t, fresh.Release(ctx))
	assert.False(t, mr.Exists(lockKey))
}

func TestRedisLock_RejectsNonPositiveMaxHold(t *testing.T) {
	lock, _ := newRedisLock(t)
	_, _, err := lock.TryAcquire(context.Background(), "job", 0, 0)
	assert.Error(t, err)
}

func TestRedisLock_AcquireFailsWhenRedisIsDown(t *testing.T) {
	lock, mr := newRedisLock(t)
	mr.Close()

	_, ok, err := lock.TryAcquire(context.Background(), "job", time.Minute, 0)
	assert.Error(t, err)
	assert.False(t, ok)
}

// cancellingProcessor cancels the run while a command is in flight, the
// way SIGTERM does in the server.
type cancellingProcessor struct {
	*recordingProcessor
	cancel context.CancelFunc
}

func (p *cancellingProcessor) ProcessCommand(ctx context.Context, cmd *model.TransactionCommand) (*transaction.ProcessResult, error) {
	p.cancel()
	return p.recordingProcessor.ProcessCommand(context.WithoutCancel(ctx), cmd)
}

func TestRunOnce_ReleasesLockAfterCancellation(t *testing.T) {
	lock, mr := newRedisLock(t)
	st := store.NewMemoryStore()
	pendingCommand(t, st, "cmd-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := &cancellingProcessor{recordingProcessor: newRecordingProcessor(st), cancel: cancel}

	opts := scheduler.DefaultOptions()
	opts.LockName = "job"
	opts.LockAtLeast = 0
	_, _ = scheduler.NewDriver(st, p, lock, opts).RunOnce(ctx)

	require.Error(t, ctx.Err())
	assert.Equal(t, []string{"cmd-1"}, p.commands)
	assert.False(t, mr.Exists(lockKey), "lock must not wait out the maximum hold")
}
