package types

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/spacetime-network/chronos/pkg/types"
)

// BadBlockCache keeps track of bad blocks that the syncer should not try to
// download again. The purpose of this cache is to prevent a node from having
// to repeatedly invalidate a block (and its children) in the event that the
// block does not conform to the rules of consensus. The cache is in memory
// and bounded; the least recently seen entries are evicted first.
type BadBlockCache struct {
	bad *lru.Cache
}

// NewBadBlockCache creates a cache holding up to size blocks.
func NewBadBlockCache(size int) *BadBlockCache {
	cache, err := lru.New(size)
	if err != nil {
		// only fails for non-positive sizes, which config validation rules out
		panic(err)
	}
	return &BadBlockCache{bad: cache}
}

// AddChain adds every block of the chain with the same reason.
func (cache *BadBlockCache) AddChain(chain []*types.BlockRecord, reason string) {
	for _, blk := range chain {
		cache.Add(blk.Hash(), reason)
	}
}

// Add marks a block bad.
func (cache *BadBlockCache) Add(h types.Hash, reason string) {
	cache.bad.Add(h, reason)
}

// Has checks for membership and returns the recorded reason.
func (cache *BadBlockCache) Has(h types.Hash) (string, bool) {
	v, ok := cache.bad.Get(h)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Len returns the number of cached blocks.
func (cache *BadBlockCache) Len() int {
	return cache.bad.Len()
}
