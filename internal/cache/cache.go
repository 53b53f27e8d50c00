// Package cache implements ResponseCache (spec.md §4.4): a size-bounded,
// sharded LRU of deterministic JSON-RPC results with single-flight
// de-duplication of concurrent misses. Sharding (N=16 by default) follows
// spec.md §5's contention-isolation design; single-flight is the
// "sharded map keyed by fingerprint whose value is a completion
// broadcaster" from the design notes (§9), implemented directly on top
// of golang.org/x/sync/singleflight rather than hand-rolled, and LRU
// eviction is hashicorp/golang-lru/v2 driven manually down to a byte
// budget via RemoveOldest.
package cache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/rpcmesh/gateway/internal/types"
)

const shardCount = 16

// Loader fetches the result for a cache miss. It is invoked at most once
// per fingerprint per in-flight window regardless of how many callers are
// waiting (spec.md "Single-flight").
type Loader func(ctx context.Context) ([]byte, error)

type shard struct {
	mu        sync.Mutex
	entries   *lru.Cache[string, types.CacheEntry]
	bytes     int64
	maxBytes  int64
	pinned    map[common.Hash]map[string]struct{}
	sf        singleflight.Group
}

func newShard(maxBytes int64) *shard {
	// The underlying LRU is sized by count, not bytes; we manage the byte
	// budget ourselves via RemoveOldest, so give it effectively unbounded
	// count capacity.
	l, _ := lru.New[string, types.CacheEntry](1 << 20)
	return &shard{
		entries:  l,
		maxBytes: maxBytes,
		pinned:   make(map[common.Hash]map[string]struct{}),
	}
}

// Cache is the ResponseCache.
type Cache struct {
	shards   [shardCount]*shard
	maxBytes int64

	hits   atomic.Int64
	misses atomic.Int64
}

// New builds a Cache with the given total byte budget, divided evenly
// across shards so no single shard's eviction decisions need to consult
// the others.
func New(maxBytes int64) *Cache {
	c := &Cache{maxBytes: maxBytes}
	perShard := maxBytes / shardCount
	if perShard < 1 {
		perShard = 1
	}
	for i := range c.shards {
		c.shards[i] = newShard(perShard)
	}
	return c
}

func (c *Cache) shardFor(key string) *shard {
	var h uint32
	for i := 0; i < len(key); i++ {
		h = h*31 + uint32(key[i])
	}
	return c.shards[h%shardCount]
}

// Get returns a cached entry without invoking the loader.
func (c *Cache) Get(fp types.RequestFingerprint) (types.CacheEntry, bool) {
	if !fp.Cacheable() {
		return types.CacheEntry{}, false
	}
	s := c.shardFor(fp.Key())
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries.Get(fp.Key())
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return e, ok
}

// GetOrLoad returns the cached entry for fp, or calls load exactly once
// across all concurrent callers sharing fp and caches the result on
// success. Errors are delivered to every waiter but never cached
// (spec.md "Single-flight").
func (c *Cache) GetOrLoad(ctx context.Context, fp types.RequestFingerprint, load Loader) ([]byte, error) {
	if !fp.Cacheable() {
		return load(ctx)
	}

	s := c.shardFor(fp.Key())

	s.mu.Lock()
	if e, ok := s.entries.Get(fp.Key()); ok {
		s.mu.Unlock()
		c.hits.Add(1)
		return e.Payload, nil
	}
	s.mu.Unlock()
	c.misses.Add(1)

	v, err, _ := s.sf.Do(fp.Key(), func() (interface{}, error) {
		payload, err := load(ctx)
		if err != nil {
			return nil, err
		}
		entry := types.NewCacheEntry(fp, payload, fp.BlockHash, fp.Resolved)
		c.insert(s, entry)
		return payload, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *Cache) insert(s *shard, e types.CacheEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries.Add(e.Fingerprint.Key(), e)
	s.bytes += int64(e.Size)
	if e.HasPinnedBlock {
		set := s.pinned[e.PinnedBlock]
		if set == nil {
			set = make(map[string]struct{})
			s.pinned[e.PinnedBlock] = set
		}
		set[e.Fingerprint.Key()] = struct{}{}
	}

	for s.bytes > s.maxBytes {
		key, evicted, ok := s.entries.RemoveOldest()
		if !ok {
			break
		}
		s.bytes -= int64(evicted.Size)
		if evicted.HasPinnedBlock {
			delete(s.pinned[evicted.PinnedBlock], key)
		}
	}
}

// OnOrphaned implements blockindex.OrphanNotifier: every entry pinned to
// hash is evicted.
func (c *Cache) OnOrphaned(hash common.Hash) {
	for _, s := range c.shards {
		s.mu.Lock()
		keys := s.pinned[hash]
		for key := range keys {
			if e, ok := s.entries.Peek(key); ok {
				s.entries.Remove(key)
				s.bytes -= int64(e.Size)
			}
		}
		delete(s.pinned, hash)
		s.mu.Unlock()
	}
}

// TotalBytes reports the current aggregate size across all shards, used
// to verify the "Cache bound" invariant in tests.
func (c *Cache) TotalBytes() int64 {
	var total int64
	for _, s := range c.shards {
		s.mu.Lock()
		total += s.bytes
		s.mu.Unlock()
	}
	return total
}

func (c *Cache) Hits() int64   { return c.hits.Load() }
func (c *Cache) Misses() int64 { return c.misses.Load() }

// Len returns the total number of entries across all shards.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.entries.Len()
		s.mu.Unlock()
	}
	return n
}
