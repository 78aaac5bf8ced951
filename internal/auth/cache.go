package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/jcolano/hiveboard/internal/model"
)

// KeyCache is a short-TTL in-memory cache for resolved API keys. Argon2id
// verification costs tens of milliseconds and 64 MiB per call, so agents
// posting every few seconds would otherwise pay that on every request.
//
// Key: hex SHA-256 of the raw API key (the raw key itself is never stored).
// A revoked key keeps working until its cache entry expires, so keep the
// TTL short.
type KeyCache struct {
	mu      sync.RWMutex
	entries map[string]cachedKey
	ttl     time.Duration
	done    chan struct{}
}

type cachedKey struct {
	key       model.APIKey
	expiresAt time.Time
}

// NewKeyCache creates a cache with the given TTL.
// Call Close to stop the background eviction goroutine.
func NewKeyCache(ttl time.Duration) *KeyCache {
	c := &KeyCache{
		entries: make(map[string]cachedKey),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// cacheKey derives the lookup key from a raw API key.
func cacheKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached key record and true if a valid entry exists.
func (c *KeyCache) Get(rawKey string) (model.APIKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[cacheKey(rawKey)]
	if !ok || time.Now().After(entry.expiresAt) {
		return model.APIKey{}, false
	}
	return entry.key, true
}

// Set stores a resolved key with the configured TTL.
func (c *KeyCache) Set(rawKey string, key model.APIKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[cacheKey(rawKey)] = cachedKey{
		key:       key,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Close stops the background eviction goroutine.
func (c *KeyCache) Close() {
	close(c.done)
}

// evictLoop removes expired entries every minute.
func (c *KeyCache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *KeyCache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}
