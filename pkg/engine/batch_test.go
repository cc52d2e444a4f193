package engine_test

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacetime-network/chronos/pkg/consensus"
	"github.com/spacetime-network/chronos/pkg/engine"
	"github.com/spacetime-network/chronos/pkg/testhelpers"
	tf "github.com/spacetime-network/chronos/pkg/testhelpers/testflags"
	"github.com/spacetime-network/chronos/pkg/types"
)

func TestApplyBatch(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	builder := testhelpers.NewChainBuilder(t)
	e := newTestEngine(t, builder)

	blks := builder.AppendManyOn(builder.Genesis, 5, "farmer-a")
	results, err := e.ApplyBatch(ctx, blks[:3])
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, res := range results {
		assert.Equal(t, engine.Accepted, res.Status)
		assert.Equal(t, blks[i].Hash(), res.Block)
	}
	assert.Equal(t, blks[2].Hash(), e.Head().Hash())

	// overlapping batches are applied idempotently
	results, err = e.ApplyBatch(ctx, blks[1:])
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.Equal(t, engine.Duplicate, results[0].Status)
	assert.Equal(t, engine.Duplicate, results[1].Status)
	assert.Equal(t, engine.Accepted, results[2].Status)
	assert.Equal(t, engine.Accepted, results[3].Status)
	assert.Equal(t, blks[4].Hash(), e.Head().Hash())
}

func TestApplyBatchAllOrNothing(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	builder := testhelpers.NewChainBuilder(t)
	e := newTestEngine(t, builder)

	good := builder.AppendManyOn(builder.Genesis, 2, "farmer-a")
	bad := builder.BuildOn(good[1], "farmer-a", func(b *types.BlockRecord) { b.VDF.Iterations++ })
	after := builder.AppendOn(bad, "farmer-a")

	_, err := e.ApplyBatch(ctx, []*types.BlockRecord{good[0], good[1], bad, after})
	var berr *engine.BadBlockError
	require.True(t, errors.As(err, &berr), "got %v", err)
	assert.Equal(t, 2, berr.Index)
	assert.Equal(t, bad.Hash(), berr.Block)
	assert.True(t, consensus.IsReason(err, consensus.InvalidTimeProof))

	assert.Equal(t, 1, e.Index().Len())
	assert.Equal(t, builder.Genesis.Hash(), e.Head().Hash())
}

func TestApplyBatchRequiresLinkedBlocks(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	builder := testhelpers.NewChainBuilder(t)
	e := newTestEngine(t, builder)

	blks := builder.AppendManyOn(builder.Genesis, 3, "farmer-a")
	_, err := e.ApplyBatch(ctx, []*types.BlockRecord{blks[0], blks[2]})
	var berr *engine.BadBlockError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, 1, berr.Index)
	assert.True(t, consensus.IsReason(err, consensus.OrphanBlock))
	assert.False(t, e.Index().Has(blks[0].Hash()))
}

func TestApplyBatchAdoptsOrphans(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	builder := testhelpers.NewChainBuilder(t)
	e := newTestEngine(t, builder)

	blks := builder.AppendManyOn(builder.Genesis, 3, "farmer-a")
	assert.Equal(t, engine.Orphan, submit(t, e, blks[2]).Status)

	results, err := e.ApplyBatch(ctx, blks[:2])
	require.NoError(t, err)
	assert.Equal(t, []types.Hash{blks[2].Hash()}, results[1].Adopted)
	assert.Equal(t, blks[2].Hash(), e.Head().Hash())
}
