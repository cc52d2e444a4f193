package engine_test

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacetime-network/chronos/pkg/chain"
	"github.com/spacetime-network/chronos/pkg/config"
	"github.com/spacetime-network/chronos/pkg/consensus"
	"github.com/spacetime-network/chronos/pkg/consensus/chainselector"
	"github.com/spacetime-network/chronos/pkg/engine"
	"github.com/spacetime-network/chronos/pkg/proofs/vdf"
	"github.com/spacetime-network/chronos/pkg/testhelpers"
	tf "github.com/spacetime-network/chronos/pkg/testhelpers/testflags"
	"github.com/spacetime-network/chronos/pkg/types"
)

func newTestEngine(t *testing.T, builder *testhelpers.ChainBuilder) *engine.Engine {
	idx := chain.NewIndex(dssync.MutexWrap(datastore.NewMapDatastore()), builder.Genesis, builder.Weight, chainselector.NewForkChoice())
	require.NoError(t, idx.Load(context.Background()))
	e := engine.NewEngine(idx, builder.Validator(), builder.Config)
	t.Cleanup(func() {
		require.NoError(t, e.Close())
		require.NoError(t, idx.Close())
	})
	return e
}

func submit(t *testing.T, e *engine.Engine, blk *types.BlockRecord) *engine.Result {
	res, err := e.Submit(context.Background(), blk)
	require.NoError(t, err)
	return res
}

func TestSubmitExtendsChain(t *testing.T) {
	tf.UnitTest(t)
	builder := testhelpers.NewChainBuilder(t)
	e := newTestEngine(t, builder)

	blks := builder.AppendManyOn(builder.Genesis, 3, "farmer-a")
	for i, blk := range blks {
		res := submit(t, e, blk)
		assert.Equal(t, engine.Accepted, res.Status)
		assert.True(t, res.HeadChanged)
		require.NotNil(t, res.Reorg)
		assert.Empty(t, res.Reorg.Rollback)
		require.Len(t, res.Reorg.Rollforward, 1)
		assert.Equal(t, blk.Hash(), res.Reorg.Rollforward[0].Hash())

		at, err := e.BlockAtHeight(abi.ChainEpoch(i + 1))
		require.NoError(t, err)
		assert.Equal(t, blk.Hash(), at.Hash())
		w, err := e.WeightAtHeight(abi.ChainEpoch(i + 1))
		require.NoError(t, err)
		assert.True(t, w.Equals(blk.TotalWeight))
	}
	assert.Equal(t, blks[2].Hash(), e.Head().Hash())

	got, err := e.BlockByHash(blks[1].Hash())
	require.NoError(t, err)
	assert.Equal(t, blks[1].Hash(), got.Hash())
	_, err = e.BlockAtHeight(4)
	assert.True(t, errors.Is(err, chain.ErrNotFound))

	info := e.ChainInfo()
	assert.Equal(t, blks[2].Hash(), info.Head)
	assert.Equal(t, abi.ChainEpoch(3), info.Height)
}

func TestSubmitDuplicate(t *testing.T) {
	tf.UnitTest(t)
	builder := testhelpers.NewChainBuilder(t)
	e := newTestEngine(t, builder)

	blk := builder.AppendOn(builder.Genesis, "farmer-a")
	assert.Equal(t, engine.Accepted, submit(t, e, blk).Status)

	res := submit(t, e, blk)
	assert.Equal(t, engine.Duplicate, res.Status)
	assert.Equal(t, consensus.DuplicateBlock, res.Reason)
	assert.False(t, res.HeadChanged)
	assert.Equal(t, 2, e.Index().Len())
}

func TestSubmitRejectsInvalid(t *testing.T) {
	tf.UnitTest(t)
	builder := testhelpers.NewChainBuilder(t)
	e := newTestEngine(t, builder)
	gen := builder.Genesis

	cases := map[string]struct {
		mutate func(*types.BlockRecord)
		reason consensus.Reason
	}{
		"cumulative iterations": {
			mutate: func(b *types.BlockRecord) { b.TotalIterations++ },
			reason: consensus.MalformedBlock,
		},
		"schedule mismatch": {
			mutate: func(b *types.BlockRecord) { b.VDF.Iterations++ },
			reason: consensus.InvalidTimeProof,
		},
		"proof of space": {
			mutate: func(b *types.BlockRecord) { b.ProofOfSpace.ProverKey = []byte("someone-else") },
			reason: consensus.InvalidProofOfSpace,
		},
		"missing time proof": {
			mutate: func(b *types.BlockRecord) { b.VDF = nil },
			reason: consensus.MalformedBlock,
		},
		"future timestamp": {
			mutate: func(b *types.BlockRecord) { b.Timestamp = uint64(builder.Clock.Now().Add(time.Hour).Unix()) },
			reason: consensus.StaleOrFutureTimestamp,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			blk := builder.BuildOn(gen, "farmer-a", tc.mutate)
			res := submit(t, e, blk)
			assert.Equal(t, engine.Rejected, res.Status)
			assert.Equal(t, tc.reason, res.Reason)
			assert.Error(t, res.Err)
			assert.False(t, e.Index().Has(res.Block))
		})
	}
	assert.Equal(t, gen.Hash(), e.Head().Hash())
}

func TestOrphanThenResubmit(t *testing.T) {
	tf.UnitTest(t)
	builder := testhelpers.NewChainBuilder(t)
	e := newTestEngine(t, builder)

	blks := builder.AppendManyOn(builder.Genesis, 3, "farmer-a")

	res := submit(t, e, blks[2])
	assert.Equal(t, engine.Orphan, res.Status)
	assert.Equal(t, consensus.OrphanBlock, res.Reason)
	res = submit(t, e, blks[1])
	assert.Equal(t, engine.Orphan, res.Status)
	assert.Equal(t, 2, e.OrphanCount())
	assert.True(t, e.IsOrphan(blks[2].Hash()))
	assert.Equal(t, builder.Genesis.Hash(), e.Head().Hash())

	res = submit(t, e, blks[0])
	assert.Equal(t, engine.Accepted, res.Status)
	assert.Equal(t, []types.Hash{blks[1].Hash(), blks[2].Hash()}, res.Adopted)
	assert.Equal(t, blks[2].Hash(), e.Head().Hash())
	assert.Equal(t, 0, e.OrphanCount())

	// resubmitting an adopted orphan is a no-op
	assert.Equal(t, engine.Duplicate, submit(t, e, blks[2]).Status)
}

func TestOrphanExplicitResubmission(t *testing.T) {
	tf.UnitTest(t)
	cfg := testhelpers.TestConsensusConfig()
	cfg.OrphanPoolSize = 1
	builder := testhelpers.NewChainBuilderWithConfig(t, cfg)
	e := newTestEngine(t, builder)

	blks := builder.AppendManyOn(builder.Genesis, 3, "farmer-a")
	assert.Equal(t, engine.Orphan, submit(t, e, blks[2]).Status)

	// the pool is full, so this one is reported but not kept
	res := submit(t, e, blks[1])
	assert.Equal(t, engine.Orphan, res.Status)
	assert.Error(t, res.Err)
	assert.False(t, e.IsOrphan(blks[1].Hash()))

	res = submit(t, e, blks[0])
	assert.Equal(t, engine.Accepted, res.Status)
	assert.Empty(t, res.Adopted)

	res = submit(t, e, blks[1])
	assert.Equal(t, engine.Accepted, res.Status)
	assert.Equal(t, []types.Hash{blks[2].Hash()}, res.Adopted)
	assert.Equal(t, blks[2].Hash(), e.Head().Hash())
}

func TestOrphanExpires(t *testing.T) {
	tf.UnitTest(t)
	cfg := testhelpers.TestConsensusConfig()
	cfg.OrphanTTL = config.Duration(50 * time.Millisecond)
	builder := testhelpers.NewChainBuilderWithConfig(t, cfg)
	e := newTestEngine(t, builder)

	blks := builder.AppendManyOn(builder.Genesis, 2, "farmer-a")
	assert.Equal(t, engine.Orphan, submit(t, e, blks[1]).Status)
	require.Eventually(t, func() bool { return !e.IsOrphan(blks[1].Hash()) }, 5*time.Second, 10*time.Millisecond)

	res := submit(t, e, blks[0])
	assert.Equal(t, engine.Accepted, res.Status)
	assert.Empty(t, res.Adopted)
	assert.False(t, e.Index().Has(blks[1].Hash()))
}

func TestEventsReportReorg(t *testing.T) {
	tf.UnitTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	builder := testhelpers.NewChainBuilder(t)
	e := newTestEngine(t, builder)
	gen := builder.Genesis

	events := e.Events(ctx)

	// Every block needs between MinBlockIterations and twice that, so two
	// blocks always outweigh one.
	a := builder.AppendOn(gen, "farmer-a")
	bs := builder.AppendManyOn(gen, 2, "farmer-b")
	assert.Equal(t, engine.Accepted, submit(t, e, a).Status)
	for _, blk := range bs {
		assert.Equal(t, engine.Accepted, submit(t, e, blk).Status)
	}
	assert.Equal(t, bs[1].Hash(), e.Head().Hash())

	view := []types.Hash{gen.Hash()}
	sawRollback := false
	for view[len(view)-1] != bs[1].Hash() {
		select {
		case ev := <-events:
			require.Equal(t, view[len(view)-1], ev.OldHead.Hash())
			for _, blk := range ev.Rollback {
				require.Equal(t, blk.Hash(), view[len(view)-1])
				view = view[:len(view)-1]
				sawRollback = true
			}
			for _, blk := range ev.Rollforward {
				view = append(view, blk.Hash())
			}
			require.Equal(t, ev.NewHead.Hash(), view[len(view)-1])
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for reorg events")
		}
	}
	assert.True(t, sawRollback)
	assert.Equal(t, []types.Hash{gen.Hash(), bs[0].Hash(), bs[1].Hash()}, view)
}

func TestSubmitAsync(t *testing.T) {
	tf.UnitTest(t)
	builder := testhelpers.NewChainBuilder(t)
	e := newTestEngine(t, builder)

	blk := builder.AppendOn(builder.Genesis, "farmer-a")
	select {
	case res := <-e.SubmitAsync(context.Background(), blk):
		require.NotNil(t, res)
		assert.Equal(t, engine.Accepted, res.Status)
	case <-time.After(10 * time.Second):
		t.Fatal("no result")
	}
}

func TestConcurrentSubmissionsConverge(t *testing.T) {
	tf.UnitTest(t)
	builder := testhelpers.NewChainBuilder(t)
	e := newTestEngine(t, builder)

	blks := builder.AppendManyOn(builder.Genesis, 6, "farmer-a")
	fork := builder.AppendManyOn(blks[1], 2, "farmer-b")
	all := append(append([]*types.BlockRecord{}, blks...), fork...)
	rand.New(rand.NewSource(7)).Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })

	var wg sync.WaitGroup
	for _, blk := range all {
		wg.Add(1)
		go func(blk *types.BlockRecord) {
			defer wg.Done()
			_, err := e.Submit(context.Background(), blk)
			assert.NoError(t, err)
		}(blk)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return e.Index().Len() == len(all)+1 }, 10*time.Second, 10*time.Millisecond)
	want := chainselector.NewForkChoice().Select(e.Index().Tips())
	assert.Equal(t, want.Hash(), e.Head().Hash())
}

func TestClosedEngine(t *testing.T) {
	tf.UnitTest(t)
	builder := testhelpers.NewChainBuilder(t)
	e := newTestEngine(t, builder)
	blk := builder.AppendOn(builder.Genesis, "farmer-a")

	require.NoError(t, e.Close())
	_, err := e.Submit(context.Background(), blk)
	assert.Equal(t, engine.ErrClosed, err)
}

func TestPrepareTimeProofAndFinishBlock(t *testing.T) {
	tf.UnitTest(t)
	builder := testhelpers.NewChainBuilder(t)
	e := newTestEngine(t, builder)
	gen := builder.Genesis

	challenge := types.DeriveChallenge(gen.VDF.Output)
	pos, _, err := builder.Plot("farmer-a").Prove(challenge, builder.Config.ChallengeMatchBits)
	require.NoError(t, err)

	req, err := e.PrepareTimeProof(pos)
	require.NoError(t, err)
	assert.Equal(t, gen.Hash(), req.Parent.Hash())
	assert.Equal(t, types.DeriveVDFChallenge(challenge, pos), req.Challenge)

	proof, err := vdf.Evaluate(req.Challenge, req.Iterations)
	require.NoError(t, err)
	blk := e.FinishBlock(req, proof, gen.Timestamp+testhelpers.BlockInterval)
	assert.Equal(t, engine.Accepted, submit(t, e, blk).Status)

	// the same proof no longer answers the head's challenge
	_, err = e.PrepareTimeProof(pos)
	assert.True(t, consensus.IsReason(err, consensus.InvalidProofOfSpace))
}

func TestIdleEventsReaderDoesNotStallSubmit(t *testing.T) {
	tf.UnitTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	builder := testhelpers.NewChainBuilder(t)
	e := newTestEngine(t, builder)

	// never read; more events than every buffer between index and reader
	events := e.Events(ctx)
	blks := builder.AppendManyOn(builder.Genesis, 150, "farmer-a")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, blk := range blks {
			res, err := e.Submit(ctx, blk)
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, engine.Accepted, res.Status)
		}
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("submissions stalled behind an idle events reader")
	}
	assert.Equal(t, blks[149].Hash(), e.Head().Hash())

	ev := <-events
	assert.Equal(t, builder.Genesis.Hash(), ev.OldHead.Hash())
}
