package devnet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacetime-network/chronos/pkg/config"
	"github.com/spacetime-network/chronos/pkg/testhelpers"
	tf "github.com/spacetime-network/chronos/pkg/testhelpers/testflags"
	"github.com/spacetime-network/chronos/pkg/types"
)

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Consensus = testhelpers.TestConsensusConfig()
	cfg.Datastore.Type = "memory"
	cfg.Devnet.Farmers = []string{"alice", "bob", "carol"}
	cfg.Devnet.PlotSize = cfg.Consensus.MinPlotSize
	cfg.Sync.BlockBatchSize = 3
	cfg.Sync.WeightProofInterval = 2
	return cfg
}

func TestDevnetFollowerConverges(t *testing.T) {
	tf.UnitTest(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg := testConfig()
	d, err := New(ctx, cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, d.Close(context.Background())) }()
	var reported []*types.BlockRecord
	d.OnProduced = func(blk *types.BlockRecord) {
		reported = append(reported, blk)
	}

	summary, err := d.Run(ctx, 6)
	require.NoError(t, err)
	require.Len(t, summary.Produced, 6)
	assert.Equal(t, summary.Produced, reported)
	assert.Equal(t, summary.ProducerHead.Hash(), summary.FollowerHead.Hash())
	assert.EqualValues(t, 6, summary.FollowerHead.Height)

	parent := d.Producer.Index().Genesis()
	delay := uint64(cfg.Devnet.BlockDelay.Duration() / time.Second)
	for _, blk := range summary.Produced {
		assert.Equal(t, parent.Hash(), blk.Parent)
		assert.True(t, blk.Timestamp >= parent.Timestamp+delay)
		assert.True(t, blk.Weight().GreaterThan(parent.Weight()))
		parent = blk
	}
	assert.Equal(t, time.Duration(6*delay)*time.Second, summary.Span)
	assert.Empty(t, d.Follower.Syncer().Peers().Dropped())
}

func TestDevnetRejectsBadConfig(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	cfg := testConfig()
	cfg.Devnet.Farmers = nil
	_, err := New(ctx, cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Devnet.PlotSize = cfg.Consensus.MaxPlotSize + 1
	_, err = New(ctx, cfg)
	assert.Error(t, err)
}

func TestBestProofPicksBestQuality(t *testing.T) {
	tf.UnitTest(t)
	cfg := testConfig()
	var farmers []*Farmer
	for _, name := range cfg.Devnet.Farmers {
		f, err := NewFarmer(name, cfg.Devnet.PlotSize)
		require.NoError(t, err)
		farmers = append(farmers, f)
	}
	genesis, err := cfg.Consensus.Genesis()
	require.NoError(t, err)
	challenge := types.DeriveChallenge(genesis.VDF.Output)

	pos, winner, err := bestProof(farmers, challenge, cfg.Consensus.ChallengeMatchBits)
	require.NoError(t, err)
	assert.Equal(t, challenge, pos.Challenge)
	for _, f := range farmers {
		if f.Name == winner {
			assert.Equal(t, []byte(f.Name), pos.ProverKey)
		}
	}

	_, _, err = bestProof(nil, challenge, cfg.Consensus.ChallengeMatchBits)
	assert.ErrorIs(t, err, ErrNoProof)
}

func TestRunCancelled(t *testing.T) {
	tf.UnitTest(t)
	d, err := New(context.Background(), testConfig())
	require.NoError(t, err)
	defer func() { require.NoError(t, d.Close(context.Background())) }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Run(ctx, 3)
	assert.ErrorIs(t, err, context.Canceled)
}
