package identity

import (
	"sync"
	"sync/atomic"
	"time"
)

// ProfileCache 资料查询的内存缓存（含未命中结果），容量与 TTL 有上限
type ProfileCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	hits      int64
	misses    int64
	evictions int64
}

type cacheEntry struct {
	profile  *Profile // nil 表示确认不存在
	cachedAt time.Time
}

// CacheStats 缓存统计
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// NewProfileCache 创建缓存；ttl / maxSize 为 0 时使用默认值（5 分钟 / 1000 条）
func NewProfileCache(ttl time.Duration, maxSize int) *ProfileCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &ProfileCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get 返回 (profile, found)；found=true 且 profile=nil 表示缓存的“不存在”
func (c *ProfileCache) Get(key string) (*Profile, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.now().Sub(e.cachedAt) > c.ttl {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	atomic.AddInt64(&c.hits, 1)
	return e.profile, true
}

// Set 写入缓存，满时淘汰最旧的条目
func (c *ProfileCache) Set(key string, p *Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		var oldestKey string
		var oldest time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.cachedAt.Before(oldest) {
				oldestKey, oldest = k, e.cachedAt
			}
		}
		delete(c.entries, oldestKey)
		atomic.AddInt64(&c.evictions, 1)
	}
	c.entries[key] = cacheEntry{profile: p, cachedAt: c.now()}
}

// Invalidate 删除缓存条目（资料变更时调用）
func (c *ProfileCache) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
}

// Stats 缓存统计
func (c *ProfileCache) Stats() CacheStats {
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()
	return CacheStats{
		Hits:      atomic.LoadInt64(&c.hits),
		Misses:    atomic.LoadInt64(&c.misses),
		Evictions: atomic.LoadInt64(&c.evictions),
		Size:      size,
	}
}
