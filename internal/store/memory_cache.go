package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// InMemoryCache implements Cache using an in-memory map
type InMemoryCache struct {
	data    map[string]*cacheItem
	mu      sync.RWMutex
	maxSize int
	logger  *zap.Logger
	stopCh  chan struct{}
	once    sync.Once
}

type cacheItem struct {
	value     interface{}
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache and starts its cleanup loop
func NewInMemoryCache(maxSize int, cleanupInterval time.Duration, logger *zap.Logger) *InMemoryCache {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	cache := &InMemoryCache{
		data:    make(map[string]*cacheItem),
		maxSize: maxSize,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}

	go cache.cleanup(cleanupInterval)

	return cache
}

// Get retrieves a value from cache
func (c *InMemoryCache) Get(ctx context.Context, key string) (interface{}, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, exists := c.data[key]
	if !exists || time.Now().After(item.expiresAt) {
		return nil, ErrNotFound
	}

	return item.value, nil
}

// Set stores a value in cache with TTL
func (c *InMemoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[key]; !exists && c.maxSize > 0 && len(c.data) >= c.maxSize {
		c.evictLocked()
	}

	c.data[key] = &cacheItem{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}

	return nil
}

// evictLocked drops expired entries, or one arbitrary entry if none expired
func (c *InMemoryCache) evictLocked() {
	now := time.Now()
	evicted := 0
	for k, v := range c.data {
		if now.After(v.expiresAt) {
			delete(c.data, k)
			evicted++
		}
	}
	if evicted == 0 {
		for k := range c.data {
			delete(c.data, k)
			break
		}
	}
}

// Delete removes a value from cache
func (c *InMemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.data, key)
	return nil
}

// cleanup periodically removes expired entries
func (c *InMemoryCache) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			removed := 0
			for key, item := range c.data {
				if now.After(item.expiresAt) {
					delete(c.data, key)
					removed++
				}
			}
			c.mu.Unlock()
			if removed > 0 {
				c.logger.Debug("Evicted expired cache entries", zap.Int("count", removed))
			}
		}
	}
}

// Size returns the number of items in cache
func (c *InMemoryCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Close stops the cleanup loop
func (c *InMemoryCache) Close() {
	c.once.Do(func() { close(c.stopCh) })
}
