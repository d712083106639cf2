package whiteboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultLockTTL bounds how long a seeding participant may hold the init lock.
const DefaultLockTTL = 30 * time.Second

// LockStore grants the per-view init lock to at most one holder at a time. Acquire by the current
// holder succeeds again and refreshes the expiry.
type LockStore interface {
	Acquire(ctx context.Context, viewID, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, viewID, holder string) error
}

type memoryLock struct {
	holder  string
	expires time.Time
}

// MemoryLockStore keeps locks in process memory.
type MemoryLockStore struct {
	mu    sync.Mutex
	locks map[string]memoryLock
	clock func() time.Time
}

// NewMemoryLockStore constructs an empty MemoryLockStore.
func NewMemoryLockStore() *MemoryLockStore {
	return &MemoryLockStore{locks: make(map[string]memoryLock), clock: time.Now}
}

// Acquire implements LockStore.
func (store *MemoryLockStore) Acquire(_ context.Context, viewID, holder string, ttl time.Duration) (bool, error) {
	if viewID == "" || holder == "" {
		return false, errors.New("whiteboard: lock view and holder are required")
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	now := store.clock()
	current, held := store.locks[viewID]
	if held && current.holder != holder && now.Before(current.expires) {
		return false, nil
	}
	store.locks[viewID] = memoryLock{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

// Release implements LockStore. Releasing a lock held by someone else is a no-op.
func (store *MemoryLockStore) Release(_ context.Context, viewID, holder string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if current, held := store.locks[viewID]; held && current.holder == holder {
		delete(store.locks, viewID)
	}
	return nil
}

const redisLockPrefix = "whiteboard:init_lock:"

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// RedisLockStore shares locks between processes through Redis.
type RedisLockStore struct {
	client *redis.Client
}

// NewRedisLockStore wraps client.
func NewRedisLockStore(client *redis.Client) *RedisLockStore {
	return &RedisLockStore{client: client}
}

// Acquire implements LockStore with SET NX PX, falling back to a holder-checked refresh.
func (store *RedisLockStore) Acquire(ctx context.Context, viewID, holder string, ttl time.Duration) (bool, error) {
	key := redisLockPrefix + viewID
	acquired, err := store.client.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("whiteboard: acquire lock %s: %w", viewID, err)
	}
	if acquired {
		return true, nil
	}
	refreshed, err := refreshScript.Run(ctx, store.client, []string{key}, holder, ttl.Milliseconds()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("whiteboard: refresh lock %s: %w", viewID, err)
	}
	return refreshed == 1, nil
}

// Release implements LockStore. Only the holder's lock is deleted.
func (store *RedisLockStore) Release(ctx context.Context, viewID, holder string) error {
	err := releaseScript.Run(ctx, store.client, []string{redisLockPrefix + viewID}, holder).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("whiteboard: release lock %s: %w", viewID, err)
	}
	return nil
}
