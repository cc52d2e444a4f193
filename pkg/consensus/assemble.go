package consensus

import (
	"github.com/spacetime-network/chronos/pkg/types"
)

// AssembleBlock builds the record extending parent with the given proofs,
// filling in the cumulative fields. It does not validate anything.
func AssembleBlock(parent *types.BlockRecord, pos *types.ProofOfSpace, proof *types.VDFProof, timestamp uint64, txRoot types.Hash, weight WeightFunc) *types.BlockRecord {
	return &types.BlockRecord{
		Height:          parent.Height + 1,
		Parent:          parent.Hash(),
		Challenge:       pos.Challenge,
		ProofOfSpace:    pos,
		VDF:             proof,
		TotalWeight:     ChildWeight(weight, parent.Weight(), proof.Iterations),
		TotalIterations: parent.TotalIterations + proof.Iterations,
		Timestamp:       timestamp,
		TxRoot:          txRoot,
	}
}

// NextTimestamp returns a timestamp for a child of parent that is at least
// now and strictly after the parent.
func NextTimestamp(parent *types.BlockRecord, now uint64) uint64 {
	if now <= parent.Timestamp {
		return parent.Timestamp + 1
	}
	return now
}
