package storage

import (
	"container/list"
	"sync"

	"github.com/hyperjump/lcdetect/internal/models"
)

// ImageCache is an LRU cache of decoded image features keyed by image id.
type ImageCache struct {
	capacity int
	cache    map[uint32]*list.Element
	lru      *list.List
	mu       sync.Mutex
}

type cacheEntry struct {
	key   uint32
	value *models.ImageFeatures
}

// NewImageCache creates a new cache with the given capacity.
func NewImageCache(capacity int) *ImageCache {
	return &ImageCache{
		capacity: capacity,
		cache:    make(map[uint32]*list.Element),
		lru:      list.New(),
	}
}

// Get returns the cached features for key if present.
func (c *ImageCache) Get(key uint32) (*models.ImageFeatures, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		return elem.Value.(*cacheEntry).value, true
	}
	return nil, false
}

// Set stores the features for key, evicting the least recently used entry if at capacity.
func (c *ImageCache) Set(key uint32, value *models.ImageFeatures) {
	if c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		elem.Value.(*cacheEntry).value = value
		return
	}

	elem := c.lru.PushFront(&cacheEntry{key: key, value: value})
	c.cache[key] = elem

	if c.lru.Len() > c.capacity {
		if oldest := c.lru.Back(); oldest != nil {
			c.lru.Remove(oldest)
			delete(c.cache, oldest.Value.(*cacheEntry).key)
		}
	}
}

// Len returns the number of cached entries.
func (c *ImageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
