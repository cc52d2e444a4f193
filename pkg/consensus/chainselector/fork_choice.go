// Package chainselector decides which of several chain tips is canonical.
package chainselector

import (
	"github.com/spacetime-network/chronos/pkg/types"
)

// Comparator orders two tips. It returns a positive number when a should be
// preferred over b, negative when b should, and zero only for the same block.
type Comparator func(a, b *types.BlockRecord) int

// ForkChoice selects the canonical tip. The rule is a pure function of the
// tips themselves so every node with the same blocks picks the same head,
// whatever order the blocks arrived in.
type ForkChoice struct {
	compare Comparator
}

// NewForkChoice returns a fork choice using the default ordering.
func NewForkChoice() *ForkChoice {
	return &ForkChoice{compare: Compare}
}

// NewForkChoiceWithComparator returns a fork choice using cmp.
func NewForkChoiceWithComparator(cmp Comparator) *ForkChoice {
	return &ForkChoice{compare: cmp}
}

// Compare is the default ordering: greater total weight wins; equal weights
// prefer fewer total iterations; then the lexicographically smaller hash.
func Compare(a, b *types.BlockRecord) int {
	aw, bw := a.Weight(), b.Weight()
	// Without ties pass along the comparison.
	if c := aw.Cmp(bw.Int); c != 0 {
		return c
	}

	switch {
	case a.TotalIterations < b.TotalIterations:
		return 1
	case a.TotalIterations > b.TotalIterations:
		return -1
	}

	// Smaller hash wins, so invert the byte order.
	return b.Hash().Compare(a.Hash())
}

// IsHeavier reports whether a is preferred over b.
func (fc *ForkChoice) IsHeavier(a, b *types.BlockRecord) bool {
	return fc.compare(a, b) > 0
}

// Select returns the preferred tip, or nil for no tips.
func (fc *ForkChoice) Select(tips []*types.BlockRecord) *types.BlockRecord {
	var best *types.BlockRecord
	for _, tip := range tips {
		if best == nil || fc.IsHeavier(tip, best) {
			best = tip
		}
	}
	return best
}
