package fraud

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter keeps windowed tallies. A window starts at the first write to a key.
type Counter interface {
	// Incr adds one to key and returns the count within the window.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	// AddDistinct adds member to the set at key and returns the set's size within the window.
	AddDistinct(ctx context.Context, key, member string, window time.Duration) (int64, error)
}

type RedisCounter struct {
	rdb *redis.Client
}

func NewRedisCounter(rdb *redis.Client) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

// Incr and AddDistinct send the write and EXPIRE NX in one MULTI, so a key never
// outlives its window, including keys left without a TTL by an earlier failure.
func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	var n *redis.IntCmd
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		n = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n.Val(), nil
}

func (c *RedisCounter) AddDistinct(ctx context.Context, key, member string, window time.Duration) (int64, error) {
	var size *redis.IntCmd
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, member)
		pipe.ExpireNX(ctx, key, window)
		size = pipe.SCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return size.Val(), nil
}

type memEntry struct {
	count   int64
	members map[string]struct{}
	expires time.Time
}

// MemoryCounter is a single-process Counter with the same window semantics as RedisCounter.
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
	writes  int
}

// Expired keys are dropped every pruneEvery writes.
const pruneEvery = 256

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{entries: map[string]*memEntry{}, now: time.Now}
}

func (c *MemoryCounter) entry(key string, window time.Duration) *memEntry {
	now := c.now()
	c.writes++
	if c.writes%pruneEvery == 0 {
		c.prune(now)
	}
	e, ok := c.entries[key]
	if !ok || !now.Before(e.expires) {
		e = &memEntry{members: map[string]struct{}{}, expires: now.Add(window)}
		c.entries[key] = e
	}
	return e
}

func (c *MemoryCounter) prune(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
}

func (c *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(key, window)
	e.count++
	return e.count, nil
}

func (c *MemoryCounter) AddDistinct(_ context.Context, key, member string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(key, window)
	e.members[member] = struct{}{}
	return int64(len(e.members)), nil
}
