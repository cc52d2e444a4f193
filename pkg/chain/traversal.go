package chain

import (
	"context"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/pkg/errors"

	"github.com/spacetime-network/chronos/pkg/types"
)

// BlockProvider provides blocks by hash.
type BlockProvider interface {
	GetBlock(hash types.Hash) (*types.BlockRecord, error)
}

// IterAncestors returns an iterator over block ancestors, yielding first the
// start block and then its parents until (and including) genesis.
func IterAncestors(ctx context.Context, store BlockProvider, start *types.BlockRecord) *BlockIterator {
	return &BlockIterator{ctx: ctx, store: store, start: start, value: start}
}

// BlockIterator is a lazy, finite walk from a block towards genesis. It holds
// no lock between steps.
type BlockIterator struct {
	ctx   context.Context
	store BlockProvider
	start *types.BlockRecord
	value *types.BlockRecord
	limit int
	seen  int
}

// withLimit stops the iterator after n values. n <= 0 means no limit.
func (it *BlockIterator) withLimit(n int) *BlockIterator {
	it.limit = n
	if n > 0 && it.value != nil {
		it.seen = 1
	}
	return it
}

// Value returns the iterator's current value, if not Complete().
func (it *BlockIterator) Value() *types.BlockRecord {
	return it.value
}

// Complete tests whether the iterator is exhausted.
func (it *BlockIterator) Complete() bool {
	return it.value == nil
}

// Next advances the iterator to the next value.
func (it *BlockIterator) Next() error {
	select {
	case <-it.ctx.Done():
		return it.ctx.Err()
	default:
	}
	if it.value == nil {
		return nil
	}
	if it.value.IsGenesis() || (it.limit > 0 && it.seen >= it.limit) {
		it.value = nil
		return nil
	}
	parent, err := it.store.GetBlock(it.value.Parent)
	if err != nil {
		it.value = nil
		return errors.Wrapf(err, "load parent of %s", it.value.Hash())
	}
	it.value = parent
	it.seen++
	return nil
}

// Reset restarts the walk from the start block.
func (it *BlockIterator) Reset() {
	it.value = it.start
	it.seen = 0
	if it.limit > 0 && it.value != nil {
		it.seen = 1
	}
}

// Collect drains the iterator.
func (it *BlockIterator) Collect() ([]*types.BlockRecord, error) {
	var out []*types.BlockRecord
	for !it.Complete() {
		out = append(out, it.Value())
		if err := it.Next(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// FindCommonAncestor returns the common ancestor of the two blocks at the
// iterators' positions. The iterators are consumed.
func FindCommonAncestor(leftIter, rightIter *BlockIterator) (*types.BlockRecord, error) {
	for !leftIter.Complete() && !rightIter.Complete() {
		left, right := leftIter.Value(), rightIter.Value()
		if left.Hash() == right.Hash() {
			return left, nil
		}
		var err error
		switch {
		case left.Height > right.Height:
			err = leftIter.Next()
		case right.Height > left.Height:
			err = rightIter.Next()
		default:
			if err = leftIter.Next(); err == nil {
				err = rightIter.Next()
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return nil, errors.New("no common ancestor")
}

// CollectBlocksOfHeightAtLeast collects blocks from the iterator while their
// height is at least minHeight. The result is ordered by decreasing height.
func CollectBlocksOfHeightAtLeast(ctx context.Context, iterator *BlockIterator, minHeight abi.ChainEpoch) ([]*types.BlockRecord, error) {
	var ret []*types.BlockRecord
	for !iterator.Complete() {
		if iterator.Value().Height < minHeight {
			break
		}
		ret = append(ret, iterator.Value())
		if err := iterator.Next(); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

// CollectBlocksToCommonAncestor traverses chains from two blocks (called old
// and new) until their common ancestor, collecting all blocks that are in
// one chain but not the other. Both lists are ordered by decreasing height.
func CollectBlocksToCommonAncestor(ctx context.Context, store BlockProvider, oldHead, newHead *types.BlockRecord) (oldBlocks, newBlocks []*types.BlockRecord, common *types.BlockRecord, err error) {
	common, err = FindCommonAncestor(IterAncestors(ctx, store, oldHead), IterAncestors(ctx, store, newHead))
	if err != nil {
		return nil, nil, nil, err
	}

	// Add 1 to the height argument so that the common ancestor is not
	// included in the outputs.
	oldBlocks, err = CollectBlocksOfHeightAtLeast(ctx, IterAncestors(ctx, store, oldHead), common.Height+1)
	if err != nil {
		return nil, nil, nil, err
	}
	newBlocks, err = CollectBlocksOfHeightAtLeast(ctx, IterAncestors(ctx, store, newHead), common.Height+1)
	if err != nil {
		return nil, nil, nil, err
	}
	return oldBlocks, newBlocks, common, nil
}
