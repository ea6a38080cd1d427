package sstable

import (
	"container/list"
	"encoding/binary"
	"runtime"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// BlockCache is a sharded LRU of decoded data blocks shared by all tables
// of an index. A nil *BlockCache is valid and caches nothing.
type BlockCache struct {
	shards []*cacheShard
	mu     sync.RWMutex
	closed bool
}

type cacheShard struct {
	mu       sync.Mutex
	capacity int64
	size     int64
	hits     uint64
	misses   uint64
	items    map[uint64]*list.Element
	lru      *list.List
}

type cacheItem struct {
	key  uint64
	data []byte
}

// NewBlockCache returns a cache holding up to capacity bytes of decoded
// blocks, or nil if capacity is not positive.
func NewBlockCache(capacity int64) *BlockCache {
	if capacity <= 0 {
		return nil
	}
	n := max(4, 2*runtime.GOMAXPROCS(0))
	per := max(1, capacity/int64(n))
	bc := &BlockCache{shards: make([]*cacheShard, n)}
	for i := range bc.shards {
		bc.shards[i] = &cacheShard{
			capacity: per,
			items:    make(map[uint64]*list.Element),
			lru:      list.New(),
		}
	}
	return bc
}

// CacheKey derives the cache key of block within the table identified by tableID.
func CacheKey(tableID, block uint64) uint64 {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], tableID)
	binary.LittleEndian.PutUint64(b[8:16], block)
	return xxhash.Sum64(b[:])
}

func (bc *BlockCache) shard(key uint64) *cacheShard {
	if bc == nil {
		return nil
	}
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	if bc.closed {
		return nil
	}
	return bc.shards[key%uint64(len(bc.shards))]
}

// Get returns the cached block for key.
func (bc *BlockCache) Get(key uint64) ([]byte, bool) {
	s := bc.shard(key)
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[key]; ok {
		s.lru.MoveToFront(el)
		s.hits++
		return el.Value.(*cacheItem).data, true
	}
	s.misses++
	return nil, false
}

// Put stores a block. Blocks larger than a shard are not cached.
func (bc *BlockCache) Put(key uint64, data []byte) {
	s := bc.shard(key)
	if s == nil {
		return
	}
	sz := int64(len(data))
	s.mu.Lock()
	defer s.mu.Unlock()
	if sz > s.capacity {
		return
	}
	if el, ok := s.items[key]; ok {
		it := el.Value.(*cacheItem)
		s.size += sz - int64(len(it.data))
		it.data = data
		s.lru.MoveToFront(el)
	} else {
		s.items[key] = s.lru.PushFront(&cacheItem{key: key, data: data})
		s.size += sz
	}
	for s.size > s.capacity && s.lru.Len() > 0 {
		s.evict()
	}
}

// Stats returns the total hit and miss counts.
func (bc *BlockCache) Stats() (hits, misses uint64) {
	if bc == nil {
		return 0, 0
	}
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	for _, s := range bc.shards {
		s.mu.Lock()
		hits += s.hits
		misses += s.misses
		s.mu.Unlock()
	}
	return hits, misses
}

// Close empties the cache; later calls become no-ops.
func (bc *BlockCache) Close() {
	if bc == nil {
		return
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.closed {
		return
	}
	bc.closed = true
	for _, s := range bc.shards {
		s.mu.Lock()
		s.items = nil
		s.lru.Init()
		s.size = 0
		s.mu.Unlock()
	}
}

// evict drops the least recently used block. Caller holds s.mu.
func (s *cacheShard) evict() {
	el := s.lru.Back()
	if el == nil {
		return
	}
	it := s.lru.Remove(el).(*cacheItem)
	delete(s.items, it.key)
	s.size -= int64(len(it.data))
}
