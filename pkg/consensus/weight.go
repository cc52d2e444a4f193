package consensus

import (
	fbig "github.com/filecoin-project/go-state-types/big"
)

// WeightFunc returns the weight a block adds to its chain given the VDF
// iterations it proved. It must be strictly positive for positive iterations
// and monotonic so that cumulative weight strictly increases along a chain.
type WeightFunc func(iterations uint64) fbig.Int

// DefaultWeight counts proven time: a block weighs its iterations.
func DefaultWeight(iterations uint64) fbig.Int {
	return fbig.NewIntUnsigned(iterations)
}

// ChildWeight returns the total weight of a block with the given iterations
// built on a parent of parentWeight.
func ChildWeight(weight WeightFunc, parentWeight fbig.Int, iterations uint64) fbig.Int {
	return fbig.Add(parentWeight, weight(iterations))
}
