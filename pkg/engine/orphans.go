package engine

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/spacetime-network/chronos/pkg/types"
)

// orphanPool holds blocks whose parent is unknown until the parent arrives
// or the entry expires.
type orphanPool struct {
	limit  int
	blocks *cache.Cache

	lk       sync.Mutex
	byParent map[types.Hash]map[types.Hash]struct{}
}

func newOrphanPool(ttl time.Duration, limit int) *orphanPool {
	p := &orphanPool{
		limit:    limit,
		blocks:   cache.New(ttl, ttl/2),
		byParent: make(map[types.Hash]map[types.Hash]struct{}),
	}
	p.blocks.OnEvicted(func(_ string, v interface{}) {
		blk := v.(*types.BlockRecord)
		p.lk.Lock()
		defer p.lk.Unlock()
		if children, ok := p.byParent[blk.Parent]; ok {
			delete(children, blk.Hash())
			if len(children) == 0 {
				delete(p.byParent, blk.Parent)
			}
		}
	})
	return p
}

// add pools blk. It reports false when the pool is full.
func (p *orphanPool) add(h types.Hash, blk *types.BlockRecord) bool {
	key := h.String()
	if _, ok := p.blocks.Get(key); ok {
		return true
	}
	if p.blocks.ItemCount() >= p.limit {
		p.blocks.DeleteExpired()
		if p.blocks.ItemCount() >= p.limit {
			return false
		}
	}
	p.blocks.SetDefault(key, blk)

	p.lk.Lock()
	defer p.lk.Unlock()
	children, ok := p.byParent[blk.Parent]
	if !ok {
		children = make(map[types.Hash]struct{})
		p.byParent[blk.Parent] = children
	}
	children[h] = struct{}{}
	return true
}

// take removes and returns the unexpired children waiting for parent.
func (p *orphanPool) take(parent types.Hash) []*types.BlockRecord {
	p.lk.Lock()
	children := p.byParent[parent]
	delete(p.byParent, parent)
	p.lk.Unlock()

	out := make([]*types.BlockRecord, 0, len(children))
	for h := range children {
		key := h.String()
		if v, ok := p.blocks.Get(key); ok {
			out = append(out, v.(*types.BlockRecord))
		}
		p.blocks.Delete(key)
	}
	return out
}

func (p *orphanPool) has(h types.Hash) bool {
	_, ok := p.blocks.Get(h.String())
	return ok
}

func (p *orphanPool) len() int {
	return p.blocks.ItemCount()
}
