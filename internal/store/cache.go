package store

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/opencontainers/go-digest"
)

// DefaultCacheSize is the number of verified objects kept in memory.
const DefaultCacheSize = 1024

// Entry is a verified object together with the stored record it was
// decoded from. A cached entry is only valid while the record on disk
// still equals Raw.
type Entry struct {
	Raw  []byte
	Data []byte
}

// Cache provides in-memory caching for verified objects.
type Cache interface {
	Get(d digest.Digest) (Entry, bool)
	Add(d digest.Digest, e Entry)
	Has(d digest.Digest) bool
	Remove(d digest.Digest)
	Clear()
}

// LRUCache is a Cache with least-recently-used eviction.
type LRUCache struct {
	items *lru.Cache
}

// NewLRUCache creates a new LRU cache holding at most size objects.
func NewLRUCache(size int) (*LRUCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	items, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &LRUCache{items: items}, nil
}

func (c *LRUCache) Get(d digest.Digest) (Entry, bool) {
	v, ok := c.items.Get(d)
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

func (c *LRUCache) Add(d digest.Digest, e Entry) {
	c.items.Add(d, e)
}

func (c *LRUCache) Has(d digest.Digest) bool {
	return c.items.Contains(d)
}

func (c *LRUCache) Remove(d digest.Digest) {
	c.items.Remove(d)
}

func (c *LRUCache) Clear() {
	c.items.Purge()
}
