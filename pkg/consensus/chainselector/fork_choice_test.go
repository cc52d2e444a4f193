package chainselector_test

import (
	"math/rand"
	"testing"

	fbig "github.com/filecoin-project/go-state-types/big"
	"github.com/stretchr/testify/assert"

	"github.com/spacetime-network/chronos/pkg/consensus/chainselector"
	"github.com/spacetime-network/chronos/pkg/testhelpers"
	tf "github.com/spacetime-network/chronos/pkg/testhelpers/testflags"
	"github.com/spacetime-network/chronos/pkg/types"
)

func genesis() *types.BlockRecord {
	return types.NewGenesisBlock(types.Challenge{0xcc}, testhelpers.GenesisTime)
}

func TestSelectHeaviest(t *testing.T) {
	tf.UnitTest(t)

	gen := genesis()
	a := testhelpers.FakeChild(gen, 100, "a")
	b := testhelpers.FakeChild(gen, 150, "b")
	c := testhelpers.FakeChild(a, 100, "c")

	fc := chainselector.NewForkChoice()
	assert.Equal(t, b, fc.Select([]*types.BlockRecord{a, b}))
	assert.Equal(t, c, fc.Select([]*types.BlockRecord{b, c}))
	assert.Nil(t, fc.Select(nil))
}

func TestTieBreakOnIterations(t *testing.T) {
	tf.UnitTest(t)

	gen := genesis()
	a := testhelpers.FakeChild(gen, 100, "a")
	b := testhelpers.FakeChild(gen, 100, "b")
	// same weight, b claims more iterations
	b.TotalIterations++

	assert.Equal(t, 1, chainselector.Compare(a, b))
	assert.Equal(t, -1, chainselector.Compare(b, a))
}

func TestTieBreakOnHash(t *testing.T) {
	tf.UnitTest(t)

	gen := genesis()
	a := testhelpers.FakeChild(gen, 100, "a")
	b := testhelpers.FakeChild(gen, 100, "b")

	smaller, larger := a, b
	if a.Hash().Compare(b.Hash()) > 0 {
		smaller, larger = b, a
	}
	fc := chainselector.NewForkChoice()
	assert.True(t, fc.IsHeavier(smaller, larger))
	assert.False(t, fc.IsHeavier(larger, smaller))
	assert.Equal(t, 0, chainselector.Compare(a, a))
}

func TestSelectIgnoresOrder(t *testing.T) {
	tf.UnitTest(t)

	gen := genesis()
	var tips []*types.BlockRecord
	for i, salt := range []string{"a", "b", "c", "d", "e", "f"} {
		blk := testhelpers.FakeChild(gen, uint64(100+i%3), salt)
		tips = append(tips, blk)
	}
	fc := chainselector.NewForkChoice()
	want := fc.Select(tips)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		rng.Shuffle(len(tips), func(i, j int) { tips[i], tips[j] = tips[j], tips[i] })
		assert.Equal(t, want.Hash(), fc.Select(tips).Hash())
	}
}

func TestCustomComparator(t *testing.T) {
	tf.UnitTest(t)

	gen := genesis()
	a := testhelpers.FakeChild(gen, 100, "a")
	b := testhelpers.FakeChild(gen, 150, "b")

	lightest := chainselector.NewForkChoiceWithComparator(func(x, y *types.BlockRecord) int {
		return fbig.Cmp(y.Weight(), x.Weight())
	})
	assert.Equal(t, a, lightest.Select([]*types.BlockRecord{a, b}))
}
