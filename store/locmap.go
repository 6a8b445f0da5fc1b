package store

import (
	"sync"

	"github.com/pyzord/repstore/digest"
	"github.com/pyzord/repstore/record"
)

// cache is a sharded in-memory front cache over the durable store,
// adapted from gholt-valuestore's valuelocmap: the same idea of striping
// a keyed map across several locks to avoid a single global mutex,
// simplified from valuelocmap's resizable split-page design since this
// store's key space (tens of millions of 20-byte digests) doesn't need
// the billions-of-keys page-splitting machinery valuelocmap built for
// raw value bytes.
type cache struct {
	shards []cacheShard
}

type cacheShard struct {
	mu sync.RWMutex
	m  map[digest.Digest]record.Record
}

// newCache builds a cache with a shard count derived from cores, matching
// valuelocmap's OptCores-sized-lock-table idiom.
func newCache(cores int) *cache {
	n := cores
	if n < 1 {
		n = 1
	}
	// A handful of shards per core keeps contention low without
	// allocating one map per goroutine.
	n *= 8
	c := &cache{shards: make([]cacheShard, n)}
	for i := range c.shards {
		c.shards[i].m = make(map[digest.Digest]record.Record)
	}
	return c
}

func (c *cache) shardFor(d digest.Digest) *cacheShard {
	return &c.shards[digest.Shard(d, len(c.shards))]
}

func (c *cache) get(d digest.Digest) (record.Record, bool) {
	s := c.shardFor(d)
	s.mu.RLock()
	r, ok := s.m[d]
	s.mu.RUnlock()
	return r, ok
}

func (c *cache) set(d digest.Digest, r record.Record) {
	s := c.shardFor(d)
	s.mu.Lock()
	s.m[d] = r
	s.mu.Unlock()
}

func (c *cache) delete(d digest.Digest) {
	s := c.shardFor(d)
	s.mu.Lock()
	delete(s.m, d)
	s.mu.Unlock()
}
