package exchange

import (
	"context"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/pkg/errors"

	"github.com/spacetime-network/chronos/pkg/chain"
	"github.com/spacetime-network/chronos/pkg/types"
)

// Server answers peer requests.
type Server interface {
	WeightProof(ctx context.Context, req *WeightProofRequest) (*WeightProof, error)
	Ancestors(ctx context.Context, req *AncestorsRequest) (*BlockRangeResponse, error)
	BlockRange(ctx context.Context, req *BlockRangeRequest) (*BlockRangeResponse, error)
}

// ChainReader is the chain index view a server reads from.
type ChainReader interface {
	GetBlock(h types.Hash) (*types.BlockRecord, error)
	Ancestors(ctx context.Context, h types.Hash, count int) (*chain.BlockIterator, error)
}

// LocalServer serves requests from a local chain index.
type LocalServer struct {
	chain ChainReader
	// sampleInterval is the height spacing of weight proof samples.
	sampleInterval abi.ChainEpoch
}

var _ Server = (*LocalServer)(nil)

// NewLocalServer serves from reader, sampling every interval heights in
// weight proofs.
func NewLocalServer(reader ChainReader, interval uint64) *LocalServer {
	if interval == 0 {
		interval = 1
	}
	return &LocalServer{chain: reader, sampleInterval: abi.ChainEpoch(interval)}
}

// WeightProof returns the samples of the chain ending at req.Tip: every
// block whose height is a positive multiple of the sample interval, oldest
// first, and the tip.
func (s *LocalServer) WeightProof(ctx context.Context, req *WeightProofRequest) (*WeightProof, error) {
	tip, err := s.chain.GetBlock(req.Tip)
	if errors.Is(err, chain.ErrNotFound) {
		return &WeightProof{Status: NotFound, Message: err.Error()}, nil
	}
	if err != nil {
		return nil, err
	}

	it, err := s.chain.Ancestors(ctx, tip.Hash(), 0)
	if err != nil {
		return nil, err
	}
	// skip the tip
	if err := it.Next(); err != nil {
		return nil, err
	}
	var samples []*types.BlockRecord
	for ; !it.Complete(); err = it.Next() {
		if err != nil {
			return nil, err
		}
		blk := it.Value()
		if blk.Height > 0 && blk.Height%s.sampleInterval == 0 {
			samples = append(samples, blk)
		}
	}
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
	return &WeightProof{Status: Ok, Samples: samples, Tip: tip}, nil
}

// Ancestors returns up to req.Count blocks from req.From towards genesis.
func (s *LocalServer) Ancestors(ctx context.Context, req *AncestorsRequest) (*BlockRangeResponse, error) {
	if err := validateCount(req.Count); err != nil {
		return &BlockRangeResponse{Status: BadRequest, Message: err.Error()}, nil
	}
	it, err := s.chain.Ancestors(ctx, req.From, int(req.Count))
	if errors.Is(err, chain.ErrNotFound) {
		return &BlockRangeResponse{Status: NotFound, Message: err.Error()}, nil
	}
	if err != nil {
		return nil, err
	}
	blocks, err := it.Collect()
	if err != nil {
		return nil, err
	}
	status := Ok
	if uint64(len(blocks)) < req.Count {
		status = Partial
	}
	return &BlockRangeResponse{Status: status, Blocks: blocks}, nil
}

// BlockRange returns up to req.Count blocks following req.Start on the chain
// ending at req.Tip, oldest first.
func (s *LocalServer) BlockRange(ctx context.Context, req *BlockRangeRequest) (*BlockRangeResponse, error) {
	if err := validateCount(req.Count); err != nil {
		return &BlockRangeResponse{Status: BadRequest, Message: err.Error()}, nil
	}
	start, err := s.chain.GetBlock(req.Start)
	if errors.Is(err, chain.ErrNotFound) {
		return &BlockRangeResponse{Status: NotFound, Message: err.Error()}, nil
	}
	if err != nil {
		return nil, err
	}
	it, err := s.chain.Ancestors(ctx, req.Tip, 0)
	if errors.Is(err, chain.ErrNotFound) {
		return &BlockRangeResponse{Status: NotFound, Message: err.Error()}, nil
	}
	if err != nil {
		return nil, err
	}

	last := start.Height + abi.ChainEpoch(req.Count)
	var blocks []*types.BlockRecord
	for ; !it.Complete() && it.Value().Height > start.Height; err = it.Next() {
		if err != nil {
			return nil, err
		}
		if it.Value().Height <= last {
			blocks = append(blocks, it.Value())
		}
	}
	if err != nil {
		return nil, err
	}
	if it.Complete() || it.Value().Hash() != req.Start {
		return &BlockRangeResponse{Status: BadRequest, Message: "start is not an ancestor of tip"}, nil
	}
	for i, j := 0, len(blocks)-1; i < j; i, j = i+1, j-1 {
		blocks[i], blocks[j] = blocks[j], blocks[i]
	}
	status := Ok
	if uint64(len(blocks)) < req.Count {
		status = Partial
	}
	return &BlockRangeResponse{Status: status, Blocks: blocks}, nil
}
