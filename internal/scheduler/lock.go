package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lock grants fleet-wide mutual exclusion for named jobs.
//
// A lease expires on its own after atMost. Releasing it early keeps the
// lock held until atLeast has passed since acquisition, so instances with
// slightly skewed tickers do not run the same job back to back.
type Lock interface {
	TryAcquire(ctx context.Context, name string, atMost, atLeast time.Duration) (Lease, bool, error)
}

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// --- Redis ---

const lockKeyPrefix = "rebalancer:lock:"

// releaseScript drops the lock only if we still own it. A positive
// keep-for value shortens the expiry to the remaining minimum hold.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
local keep = tonumber(ARGV[2])
if keep > 0 then
	return redis.call("PEXPIRE", KEYS[1], keep)
end
return redis.call("DEL", KEYS[1])
`)

// RedisLock implements Lock with SET NX PX on a shared Redis.
type RedisLock struct {
	rdb   *redis.Client
	clock func() time.Time
}

// NewRedisLock creates a Redis-backed lock.
func NewRedisLock(rdb *redis.Client) *RedisLock {
	return &RedisLock{rdb: rdb, clock: time.Now}
}

// TryAcquire sets the lock key if absent. It reports false when another
// holder owns it.
func (l *RedisLock) TryAcquire(ctx context.Context, name string, atMost, atLeast time.Duration) (Lease, bool, error) {
	if atMost <= 0 {
		return nil, false, fmt.Errorf("scheduler: lock %s: non-positive max hold %s", name, atMost)
	}
	key := lockKeyPrefix + name
	token := uuid.New().String()
	acquiredAt := l.clock()

	ok, err := l.rdb.SetNX(ctx, key, token, atMost).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{lock: l, key: key, token: token, releaseAfter: acquiredAt.Add(atLeast)}, true, nil
}

type redisLease struct {
	lock         *RedisLock
	key          string
	token        string
	releaseAfter time.Time
}

func (r *redisLease) Release(ctx context.Context) error {
	keep := r.releaseAfter.Sub(r.lock.clock()).Milliseconds()
	if keep < 0 {
		keep = 0
	}
	err := releaseScript.Run(ctx, r.lock.rdb, []string{r.key}, r.token, keep).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", r.key, err)
	}
	return nil
}

// --- In-memory ---

// MemoryLock implements Lock for a single process.
type MemoryLock struct {
	mu    sync.Mutex
	held  map[string]memoryHold
	clock func() time.Time
}

type memoryHold struct {
	token   string
	expires time.Time
}

// NewMemoryLock creates an in-process lock. A nil clock uses time.Now.
func NewMemoryLock(clock func() time.Time) *MemoryLock {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryLock{held: make(map[string]memoryHold), clock: clock}
}

// TryAcquire takes the lock if it is free or its previous hold expired.
func (l *MemoryLock) TryAcquire(_ context.Context, name string, atMost, atLeast time.Duration) (Lease, bool, error) {
	if atMost <= 0 {
		return nil, false, fmt.Errorf("scheduler: lock %s: non-positive max hold %s", name, atMost)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if h, ok := l.held[name]; ok && now.Before(h.expires) {
		return nil, false, nil
	}
	token := uuid.New().String()
	l.held[name] = memoryHold{token: token, expires: now.Add(atMost)}
	return &memoryLease{lock: l, name: name, token: token, releaseAfter: now.Add(atLeast)}, true, nil
}

type memoryLease struct {
	lock         *MemoryLock
	name         string
	token        string
	releaseAfter time.Time
}

func (m *memoryLease) Release(context.Context) error {
	l := m.lock
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.held[m.name]
	if !ok || h.token != m.token {
		return nil
	}
	if l.clock().Before(m.releaseAfter) {
		h.expires = m.releaseAfter
		l.held[m.name] = h
		return nil
	}
	delete(l.held, m.name)
	return nil
}
