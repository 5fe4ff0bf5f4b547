package fileid

import (
	"fmt"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"schemarun/internal/logging"
)

const (
	// DefaultCacheBytes bounds the in-memory content cache.
	DefaultCacheBytes = 50 * 1024 * 1024

	// cacheEntrySlots caps the entry count; the byte budget is the real bound.
	cacheEntrySlots = 65536
)

// Entry is the cached view of one file.
type Entry struct {
	Content     []byte
	Text        string
	Encoding    string
	ContentHash string
	MtimeNanos  int64
	SizeBytes   int64
}

// IsText reports whether decoded text content is available.
func (e *Entry) IsText() bool {
	return e.Encoding != EncodingUnknown && e.Encoding != EncodingBinary
}

// Cache is a byte-bounded LRU keyed by absolute path. Lookups revalidate
// against the file's current mtime-ns and size; stale entries are evicted
// and reloaded.
type Cache struct {
	mu     sync.Mutex
	lru    *lru.Cache[string, *Entry]
	budget int64
	used   int64
	algo   HashAlgo
	logger logging.Logger
}

// NewCache builds a content cache with the given byte budget (DefaultCacheBytes
// when budget <= 0).
func NewCache(budget int64, algo HashAlgo, logger logging.Logger) (*Cache, error) {
	if budget <= 0 {
		budget = DefaultCacheBytes
	}
	c := &Cache{
		budget: budget,
		algo:   algo,
		logger: logging.OrNop(logger),
	}
	// The evict callback runs inside lru operations, which all happen under
	// c.mu, so it adjusts the byte accounting without locking.
	inner, err := lru.NewWithEvict[string, *Entry](cacheEntrySlots, func(_ string, e *Entry) {
		c.used -= int64(len(e.Content))
	})
	if err != nil {
		return nil, fmt.Errorf("build content cache: %w", err)
	}
	c.lru = inner
	return c, nil
}

// Load returns the cached entry for the absolute path, reading and decoding
// the file on a miss or when the cached mtime/size no longer match. Files
// larger than the byte budget are returned but never retained.
func (c *Cache) Load(path string) (*Entry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	mtime := info.ModTime().UnixNano()
	size := info.Size()

	c.mu.Lock()
	if entry, ok := c.lru.Get(path); ok {
		if entry.MtimeNanos == mtime && entry.SizeBytes == size {
			c.mu.Unlock()
			return entry, nil
		}
		c.lru.Remove(path)
		c.logger.Debug("cache entry for %s invalidated (mtime/size changed)", path)
	}
	c.mu.Unlock()

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	text, encoding := DetectText(content)
	entry := &Entry{
		Content:     content,
		Text:        text,
		Encoding:    encoding,
		ContentHash: c.algo.Sum(content),
		MtimeNanos:  mtime,
		SizeBytes:   size,
	}

	if int64(len(content)) <= c.budget {
		c.mu.Lock()
		c.lru.Add(path, entry)
		c.used += int64(len(content))
		for c.used > c.budget {
			if _, _, ok := c.lru.RemoveOldest(); !ok {
				break
			}
		}
		c.mu.Unlock()
	} else {
		c.logger.Debug("file %s (%d bytes) exceeds cache budget, not retained", path, len(content))
	}

	return entry, nil
}

// Peek returns the cached entry without reading the file, for tests and
// diagnostics.
func (c *Cache) Peek(path string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Peek(path)
}

// UsedBytes reports the current byte accounting.
func (c *Cache) UsedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Len reports the number of retained entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
