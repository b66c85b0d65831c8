package strategy

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DigestFunc hashes a file's current content. Overridable in tests.
type DigestFunc func(path string) (string, error)

// FileDigest is the default DigestFunc.
func FileDigest(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data)), nil
}

type cacheEntry struct {
	strategy   *Strategy
	fileDigest string
	expires    time.Time
}

// Cache memoizes resolved strategies per diagnostic signature. An entry is
// valid only while the target file's content digest is unchanged and the
// TTL has not elapsed; any edit to the file invalidates its entries.
type Cache struct {
	ttl    time.Duration
	digest DigestFunc
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCache creates a cache with the given entry TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		digest:  FileDigest,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// Get returns the cached strategy for a signature if the entry is fresh
// and the file is unchanged since it was cached.
func (c *Cache) Get(signature, file string) (*Strategy, bool) {
	c.mu.Lock()
	e, ok := c.entries[signature]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}

	if c.now().After(e.expires) {
		c.evict(signature)
		return nil, false
	}

	digest, err := c.digest(file)
	if err != nil || digest != e.fileDigest {
		c.evict(signature)
		return nil, false
	}

	s := *e.strategy
	s.Source = SourceCache
	return &s, true
}

// Put caches a strategy against the file's current content. A file that
// cannot be read is not cached.
func (c *Cache) Put(signature, file string, s *Strategy) {
	digest, err := c.digest(file)
	if err != nil {
		return
	}

	cp := *s
	c.mu.Lock()
	c.entries[signature] = cacheEntry{
		strategy:   &cp,
		fileDigest: digest,
		expires:    c.now().Add(c.ttl),
	}
	c.mu.Unlock()
}

// Invalidate drops all entries for a signature.
func (c *Cache) Invalidate(signature string) {
	c.evict(signature)
}

func (c *Cache) evict(signature string) {
	c.mu.Lock()
	delete(c.entries, signature)
	c.mu.Unlock()
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
