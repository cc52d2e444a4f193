package engine

import (
	"github.com/spacetime-network/chronos/pkg/consensus"
	"github.com/spacetime-network/chronos/pkg/types"
)

// TimeProofRequest asks a timelord to run the VDF for a farmer's proof of
// space on Parent.
type TimeProofRequest struct {
	Parent       *types.BlockRecord
	ProofOfSpace *types.ProofOfSpace
	// Challenge is the VDF input derived from the proof of space.
	Challenge  types.Challenge
	Iterations uint64
}

// TimeProofResponse carries the timelord's answer.
type TimeProofResponse struct {
	Request *TimeProofRequest
	Proof   *types.VDFProof
	Err     error
}

// ProducerLink connects a full node with external proof producers. The node
// announces heads to farmers, farmers answer with proofs of space, and the
// node turns those into time proof requests for the timelord.
type ProducerLink struct {
	Heads      chan *types.BlockRecord
	Spaces     chan *types.ProofOfSpace
	Requests   chan *TimeProofRequest
	TimeProofs chan *TimeProofResponse
}

// NewProducerLink makes a link whose channels buffer size messages.
func NewProducerLink(size int) *ProducerLink {
	return &ProducerLink{
		Heads:      make(chan *types.BlockRecord, size),
		Spaces:     make(chan *types.ProofOfSpace, size),
		Requests:   make(chan *TimeProofRequest, size),
		TimeProofs: make(chan *TimeProofResponse, size),
	}
}

// PrepareTimeProof verifies pos against the block it claims to extend and
// returns the time proof request for it. The parent is looked up by the
// challenge: pos must answer the challenge of the current head.
func (e *Engine) PrepareTimeProof(pos *types.ProofOfSpace) (*TimeProofRequest, error) {
	head := e.index.Head()
	if want := types.DeriveChallenge(head.VDF.Output); pos == nil || pos.Challenge != want {
		return nil, consensus.Rejectf(consensus.InvalidProofOfSpace, "proof does not answer the challenge of head %s", head.Hash().ShortString())
	}
	iterations, err := e.validator.RequiredIterations(head, pos)
	if err != nil {
		return nil, err
	}
	return &TimeProofRequest{
		Parent:       head,
		ProofOfSpace: pos,
		Challenge:    types.DeriveVDFChallenge(pos.Challenge, pos),
		Iterations:   iterations,
	}, nil
}

// FinishBlock assembles the block answering req with proof, timestamped no
// earlier than now.
func (e *Engine) FinishBlock(req *TimeProofRequest, proof *types.VDFProof, now uint64) *types.BlockRecord {
	return consensus.AssembleBlock(req.Parent, req.ProofOfSpace, proof, consensus.NextTimestamp(req.Parent, now), types.EmptyTxRoot, e.validator.Weight())
}
