package chain

import (
	"context"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/pkg/errors"

	"github.com/spacetime-network/chronos/pkg/types"
)

// ReorgOps computes the blocks to roll back and roll forward to move the
// head from oldHead to newHead. rollback runs from the old tip down to the
// fork point (exclusive); rollforward runs from the fork point (exclusive) up
// to the new tip. Applying rollback then rollforward to a view at oldHead
// yields the view at newHead.
func ReorgOps(ctx context.Context, store BlockProvider, oldHead, newHead *types.BlockRecord) (rollback, rollforward []*types.BlockRecord, err error) {
	oldBlocks, newBlocks, _, err := CollectBlocksToCommonAncestor(ctx, store, oldHead, newHead)
	if err != nil {
		return nil, nil, err
	}
	rollforward = make([]*types.BlockRecord, len(newBlocks))
	for i, blk := range newBlocks {
		rollforward[len(newBlocks)-1-i] = blk
	}
	return oldBlocks, rollforward, nil
}

// IsReorg determines if choosing newHead as the head would cause a "reorg"
// given the current head is at old: a reorg occurs when old is not an
// ancestor of new.
func IsReorg(old, new, commonAncestor *types.BlockRecord) bool {
	return old.Hash() != commonAncestor.Hash() && old.Hash() != new.Hash()
}

// ReorgDiff returns the dropped and added block counts resulting from the
// reorg given the old and new heads and their common ancestor.
func ReorgDiff(old, new, commonAncestor *types.BlockRecord) (abi.ChainEpoch, abi.ChainEpoch, error) {
	hOld := old.Height
	hNew := new.Height
	hCommon := commonAncestor.Height

	if hCommon > hOld || hCommon > hNew {
		return 0, 0, errors.New("invalid common ancestor")
	}

	return hOld - hCommon, hNew - hCommon, nil
}
