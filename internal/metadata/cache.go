package metadata

import (
	"strings"
	"sync"
	"time"
)

// cachedValue distinguishes "key absent" from "key holds an empty string"
type cachedValue struct {
	value     string
	present   bool
	expiresAt time.Time
}

// KVCache is a small TTL cache in front of etcd reads on hot paths
type KVCache struct {
	mu      sync.RWMutex
	entries map[string]cachedValue
	ttl     time.Duration
	stopCh  chan struct{}
	once    sync.Once
}

// NewKVCache creates a new key-value cache
func NewKVCache(ttl time.Duration) *KVCache {
	cache := &KVCache{
		entries: make(map[string]cachedValue),
		ttl:     ttl,
		stopCh:  make(chan struct{}),
	}

	go cache.cleanup()

	return cache
}

// Get retrieves an unexpired entry
func (c *KVCache) Get(key string) (cachedValue, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.entries[key]
	if !exists || time.Now().After(entry.expiresAt) {
		return cachedValue{}, false
	}
	return entry, true
}

// Set stores a present value
func (c *KVCache) Set(key, value string) {
	c.store(key, cachedValue{value: value, present: true})
}

// SetMissing remembers that key does not exist
func (c *KVCache) SetMissing(key string) {
	c.store(key, cachedValue{})
}

func (c *KVCache) store(key string, v cachedValue) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v.expiresAt = time.Now().Add(c.ttl)
	c.entries[key] = v
}

// Delete removes a key from cache
func (c *KVCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
}

// DeletePrefix removes all keys with given prefix
func (c *KVCache) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
}

// Len returns the number of entries, expired ones included
func (c *KVCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// cleanup periodically removes expired entries
func (c *KVCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for key, entry := range c.entries {
				if now.After(entry.expiresAt) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		case <-c.stopCh:
			return
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (c *KVCache) Stop() {
	c.once.Do(func() { close(c.stopCh) })
}
