package cache

import (
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	DefaultMaxEntries = 4096
	DefaultMaxBytes   = 256 * 1024 * 1024
)

// MemoryCache is a process local LRU bounded by entry count and total bytes.
// Each instance of the service has its own, there is no coherence between them.
type MemoryCache struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, []byte]
	maxBytes int64
	currSize int64
}

var _ ResultCache = &MemoryCache{}

func NewMemoryCache(maxEntries int, maxBytes int64) (*MemoryCache, error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("max entries must be positive, got %d", maxEntries)
	}
	if maxBytes <= 0 {
		return nil, fmt.Errorf("max bytes must be positive, got %d", maxBytes)
	}

	c := &MemoryCache{maxBytes: maxBytes}
	lru, err := simplelru.NewLRU[string, []byte](maxEntries, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = lru
	return c, nil
}

// onEvict runs with c.mu held, simplelru calls it synchronously.
func (c *MemoryCache) onEvict(_ string, value []byte) {
	c.currSize -= int64(len(value))
}

func (c *MemoryCache) Lookup(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(key)
}

// Insert stores value under key, replacing any previous value. Values larger than
// the whole byte budget are dropped.
func (c *MemoryCache) Insert(key string, value []byte) {
	size := int64(len(value))
	if size > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.lru.Peek(key); ok {
		// Add on an existing key replaces without calling onEvict
		c.currSize -= int64(len(old))
	}
	c.lru.Add(key, value)
	c.currSize += size

	for c.currSize > c.maxBytes {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *MemoryCache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currSize
}
