package chain_test

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacetime-network/chronos/pkg/chain"
	"github.com/spacetime-network/chronos/pkg/testhelpers"
	tf "github.com/spacetime-network/chronos/pkg/testhelpers/testflags"
	"github.com/spacetime-network/chronos/pkg/types"
)

func TestIsReorg(t *testing.T) {
	tf.UnitTest(t)
	gen := testGenesis(t)
	a := testhelpers.FakeChild(gen, 100, "a")
	b := testhelpers.FakeChild(gen, 150, "b")
	a2 := testhelpers.FakeChild(a, 100, "a2")

	t.Run("extension is not a reorg", func(t *testing.T) {
		assert.False(t, chain.IsReorg(a, a2, a))
	})
	t.Run("same head is not a reorg", func(t *testing.T) {
		assert.False(t, chain.IsReorg(a, a, a))
	})
	t.Run("sibling is a reorg", func(t *testing.T) {
		assert.True(t, chain.IsReorg(a2, b, gen))
	})
}

func TestReorgDiff(t *testing.T) {
	tf.UnitTest(t)
	gen := testGenesis(t)
	left := testhelpers.FakeChain(gen, 3, 100, "l")
	right := testhelpers.FakeChain(left[0], 4, 100, "r")

	dropped, added, err := chain.ReorgDiff(left[2], right[3], left[0])
	require.NoError(t, err)
	assert.Equal(t, abi.ChainEpoch(2), dropped)
	assert.Equal(t, abi.ChainEpoch(4), added)

	_, _, err = chain.ReorgDiff(gen, right[3], left[0])
	assert.Error(t, err)
}

func TestFindCommonAncestor(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	gen := testGenesis(t)
	idx := newTestIndex(t, dssync.MutexWrap(datastore.NewMapDatastore()), gen)

	trunk := testhelpers.FakeChain(gen, 3, 100, "t")
	short := testhelpers.FakeChain(trunk[0], 1, 500, "s")
	long := testhelpers.FakeChain(trunk[2], 4, 100, "l")
	for _, blk := range append(append(trunk, short...), long...) {
		_, err := idx.Insert(ctx, blk)
		require.NoError(t, err)
	}

	common, err := chain.FindCommonAncestor(chain.IterAncestors(ctx, idx, short[0]), chain.IterAncestors(ctx, idx, long[3]))
	require.NoError(t, err)
	assert.Equal(t, trunk[0].Hash(), common.Hash())

	common, err = chain.FindCommonAncestor(chain.IterAncestors(ctx, idx, trunk[1]), chain.IterAncestors(ctx, idx, long[3]))
	require.NoError(t, err)
	assert.Equal(t, trunk[1].Hash(), common.Hash())

	rollback, rollforward, err := chain.ReorgOps(ctx, idx, long[3], short[0])
	require.NoError(t, err)
	assert.Equal(t, hashes([]*types.BlockRecord{long[3], long[2], long[1], long[0], trunk[2], trunk[1]}), hashes(rollback))
	assert.Equal(t, hashes(short), hashes(rollforward))
}

// Applying rollback then rollforward to the canonical path of the old head
// must produce the canonical path of the new head, for every pair of tips.
func TestReorgOpsRoundTrip(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	gen := testGenesis(t)
	idx := newTestIndex(t, dssync.MutexWrap(datastore.NewMapDatastore()), gen)

	rnd := rand.New(rand.NewSource(42))
	all := []*types.BlockRecord{gen}
	for i := 0; i < 40; i++ {
		parent := all[rnd.Intn(len(all))]
		blk := testhelpers.FakeChild(parent, uint64(50+rnd.Intn(100)), fmt.Sprintf("b%d", i))
		_, err := idx.Insert(ctx, blk)
		require.NoError(t, err)
		all = append(all, blk)
	}

	path := func(tip *types.BlockRecord) []types.Hash {
		it := chain.IterAncestors(ctx, idx, tip)
		blks, err := it.Collect()
		require.NoError(t, err)
		out := hashes(blks)
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
		return out
	}

	tips := idx.Tips()
	for _, from := range tips {
		for _, to := range tips {
			rollback, rollforward, err := chain.ReorgOps(ctx, idx, from, to)
			require.NoError(t, err)

			view := path(from)
			for _, blk := range rollback {
				require.Equal(t, blk.Hash(), view[len(view)-1])
				view = view[:len(view)-1]
			}
			for _, blk := range rollforward {
				view = append(view, blk.Hash())
			}
			assert.Equal(t, path(to), view)
		}
	}
}
