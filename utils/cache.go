package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type cacheItem[T any] struct {
	value     T
	expiresAt time.Time
}

// SearchCache is a size-bounded LRU cache whose entries also expire after ttl
type SearchCache[T any] struct {
	storage *lru.Cache[string, cacheItem[T]]
	ttl     time.Duration
	now     func() time.Time
}

// NewSearchCache creates a cache holding at most size entries
func NewSearchCache[T any](size int, ttl time.Duration) (*SearchCache[T], error) {
	c, err := lru.New[string, cacheItem[T]](size)
	if err != nil {
		return nil, err
	}
	return &SearchCache[T]{
		storage: c,
		ttl:     ttl,
		now:     time.Now,
	}, nil
}

// Set stores value under key, replacing any previous entry
func (c *SearchCache[T]) Set(key string, value T) {
	c.storage.Add(key, cacheItem[T]{
		value:     value,
		expiresAt: c.now().Add(c.ttl),
	})
}

// Get returns the value for key unless it is missing or expired
func (c *SearchCache[T]) Get(key string) (T, bool) {
	var zero T
	item, ok := c.storage.Get(key)
	if !ok {
		return zero, false
	}

	if c.now().After(item.expiresAt) {
		c.storage.Remove(key)
		return zero, false
	}

	return item.value, true
}

// Delete removes key
func (c *SearchCache[T]) Delete(key string) {
	c.storage.Remove(key)
}

// Len returns the number of entries, expired ones included
func (c *SearchCache[T]) Len() int {
	return c.storage.Len()
}

// HashKey returns a short, non-reversible fingerprint of a credential
// so it can be used in cache keys and the ledger without storing it.
func HashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:8])
}
