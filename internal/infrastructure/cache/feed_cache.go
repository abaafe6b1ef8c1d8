package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type feedEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// FeedCache 信息流查询结果的本地缓存
// 每个条目有自己的过期时间，任何写操作后由调用方 Purge
type FeedCache[V any] struct {
	mu    sync.Mutex
	cache *lru.Cache[string, feedEntry[V]]
	now   func() time.Time
}

func NewFeedCache[V any](size int, now func() time.Time) (*FeedCache[V], error) {
	c, err := lru.New[string, feedEntry[V]](size)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &FeedCache[V]{cache: c, now: now}, nil
}

func (c *FeedCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	entry, ok := c.cache.Get(key)
	if !ok {
		return zero, false
	}
	if !c.now().Before(entry.expiresAt) {
		c.cache.Remove(key)
		return zero, false
	}
	return entry.value, true
}

// Set ttl <= 0 时不缓存
func (c *FeedCache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(key, feedEntry[V]{value: value, expiresAt: c.now().Add(ttl)})
}

func (c *FeedCache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}

func (c *FeedCache[V]) Len() int {
	return c.cache.Len()
}
