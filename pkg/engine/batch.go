package engine

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"github.com/spacetime-network/chronos/pkg/chain"
	"github.com/spacetime-network/chronos/pkg/consensus"
	"github.com/spacetime-network/chronos/pkg/metrics/tracing"
	"github.com/spacetime-network/chronos/pkg/proofs"
	"github.com/spacetime-network/chronos/pkg/types"
)

// BadBlockError names the first block of a batch that failed validation.
type BadBlockError struct {
	Block types.Hash
	// Index is the position of the block in the batch.
	Index int
	Err   error
}

func (e *BadBlockError) Error() string {
	return fmt.Sprintf("block %s (batch index %d): %s", e.Block.ShortString(), e.Index, e.Err)
}

// Unwrap returns the validation failure.
func (e *BadBlockError) Unwrap() error {
	return e.Err
}

// ApplyBatch validates a run of blocks and applies them. Each block's parent
// must be indexed or precede it in the batch. Every block is validated, in
// parallel, before any is applied; if one fails nothing is written and a
// *BadBlockError is returned. Blocks are then inserted one at a time, so a
// cancelled batch leaves a valid prefix behind. Already indexed blocks are
// skipped.
func (e *Engine) ApplyBatch(ctx context.Context, blocks []*types.BlockRecord) (results []*Result, err error) {
	ctx, span := trace.StartSpan(ctx, "Engine.ApplyBatch")
	defer tracing.AddErrorEndSpan(ctx, span, &err)

	parents := make([]*types.BlockRecord, len(blocks))
	inBatch := make(map[types.Hash]*types.BlockRecord, len(blocks))
	for i, blk := range blocks {
		if err := e.validator.ValidateSyntax(ctx, blk); err != nil {
			return nil, e.badBlock(ctx, blk, i, err)
		}
		if p, ok := inBatch[blk.Parent]; ok {
			parents[i] = p
		} else if p, err := e.index.GetBlock(blk.Parent); err == nil {
			parents[i] = p
		} else {
			return nil, e.badBlock(ctx, blk, i, consensus.Rejectf(consensus.OrphanBlock, "parent %s not in index or batch", blk.Parent.ShortString()))
		}
		inBatch[blk.Hash()] = blk
	}

	err = proofs.BatchVerify(ctx, len(blocks), func(ctx context.Context, i int) error {
		return e.validator.Validate(ctx, blocks[i], parents[i])
	})
	var berr *proofs.BatchError
	if errors.As(err, &berr) {
		return nil, e.badBlock(ctx, blocks[berr.First], berr.First, berr.Cause())
	}
	if err != nil {
		return nil, err
	}

	results = make([]*Result, 0, len(blocks))
	for _, blk := range blocks {
		h := blk.Hash()
		res := &Result{Block: h, Status: Duplicate, Reason: consensus.DuplicateBlock}
		upd, err := e.insert(ctx, blk)
		switch {
		case err == nil:
			blocksAccepted.Inc(ctx, 1)
			res = &Result{Block: h, Status: Accepted, HeadChanged: upd.HeadChanged()}
			if res.HeadChanged {
				res.Reorg = newReorgEvent(upd)
			}
		case errors.Is(err, chain.ErrDuplicateBlock):
		default:
			return results, err
		}
		results = append(results, res)
	}

	for _, res := range results {
		if res.Status != Accepted {
			continue
		}
		if res.Adopted, err = e.adoptOrphans(ctx, res.Block); err != nil {
			return results, err
		}
	}
	return results, nil
}

func (e *Engine) badBlock(ctx context.Context, blk *types.BlockRecord, i int, err error) error {
	h := types.UndefHash
	if blk != nil {
		h = blk.Hash()
	}
	blocksRejected.Inc(ctx, 1)
	log.Infof("batch block %d (%s) invalid: %s", i, h.ShortString(), err)
	return &BadBlockError{Block: h, Index: i, Err: err}
}
