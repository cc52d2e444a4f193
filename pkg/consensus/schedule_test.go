package consensus_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacetime-network/chronos/pkg/consensus"
	"github.com/spacetime-network/chronos/pkg/testhelpers"
	tf "github.com/spacetime-network/chronos/pkg/testhelpers/testflags"
	"github.com/spacetime-network/chronos/pkg/types"
)

func qualityWithLead(b byte) types.Quality {
	var q types.Quality
	q[0] = b
	return q
}

func TestDefaultScheduleBounds(t *testing.T) {
	tf.UnitTest(t)

	cfg := testhelpers.TestConsensusConfig()
	s := consensus.NewDefaultSchedule(cfg)
	pos := &types.ProofOfSpace{Size: cfg.MinPlotSize}

	best, err := s.RequiredIterations(nil, pos, types.Quality{})
	require.NoError(t, err)
	assert.Equal(t, cfg.MinBlockIterations, best)

	var worstQ types.Quality
	for i := range worstQ {
		worstQ[i] = 0xff
	}
	worst, err := s.RequiredIterations(nil, pos, worstQ)
	require.NoError(t, err)
	assert.Equal(t, cfg.MinBlockIterations+cfg.Difficulty-1, worst)

	half, err := s.RequiredIterations(nil, pos, qualityWithLead(0x80))
	require.NoError(t, err)
	assert.Equal(t, cfg.MinBlockIterations+cfg.Difficulty/2, half)
}

func TestDefaultScheduleFavoursBiggerPlots(t *testing.T) {
	tf.UnitTest(t)

	cfg := testhelpers.TestConsensusConfig()
	s := consensus.NewDefaultSchedule(cfg)
	q := qualityWithLead(0xc0)

	small, err := s.RequiredIterations(nil, &types.ProofOfSpace{Size: cfg.MinPlotSize}, q)
	require.NoError(t, err)
	big, err := s.RequiredIterations(nil, &types.ProofOfSpace{Size: cfg.MinPlotSize + 2}, q)
	require.NoError(t, err)
	assert.Less(t, big, small)

	_, err = s.RequiredIterations(nil, &types.ProofOfSpace{}, q)
	assert.Error(t, err)
}

func TestDefaultScheduleIgnoresParent(t *testing.T) {
	tf.UnitTest(t)

	cfg := testhelpers.TestConsensusConfig()
	s := consensus.NewDefaultSchedule(cfg)
	pos := &types.ProofOfSpace{Size: cfg.MinPlotSize}
	q := qualityWithLead(0x40)

	want, err := s.RequiredIterations(nil, pos, q)
	require.NoError(t, err)

	genesis, err := cfg.Genesis()
	require.NoError(t, err)
	chain := testhelpers.FakeChain(genesis, 5, cfg.MinBlockIterations*3, "heavy")
	for _, parent := range append([]*types.BlockRecord{genesis}, chain...) {
		got, err := s.RequiredIterations(parent, pos, q)
		require.NoError(t, err)
		assert.Equal(t, want, got, "parent at height %d", parent.Height)
	}
}

func TestDefaultWeightIsStrictlyMonotonic(t *testing.T) {
	tf.UnitTest(t)

	prev := consensus.DefaultWeight(1)
	assert.True(t, prev.GreaterThan(consensus.DefaultWeight(0)))
	for _, it := range []uint64{2, 10, 1 << 40} {
		w := consensus.DefaultWeight(it)
		assert.True(t, w.GreaterThan(prev))
		prev = w
	}
}

func TestRejectError(t *testing.T) {
	tf.UnitTest(t)

	err := consensus.Rejectf(consensus.InvalidTimeProof, "bad %d", 1)
	assert.Equal(t, "invalid time proof: bad 1", err.Error())
	assert.True(t, consensus.IsReason(err, consensus.InvalidTimeProof))
	assert.False(t, consensus.IsReason(err, consensus.OrphanBlock))
	_, ok := consensus.ReasonOf(assert.AnError)
	assert.False(t, ok)
}
