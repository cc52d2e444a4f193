package testhelpers

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spacetime-network/chronos/pkg/clock"
	"github.com/spacetime-network/chronos/pkg/config"
	"github.com/spacetime-network/chronos/pkg/consensus"
	"github.com/spacetime-network/chronos/pkg/proofs"
	"github.com/spacetime-network/chronos/pkg/proofs/pospace"
	"github.com/spacetime-network/chronos/pkg/proofs/vdf"
	"github.com/spacetime-network/chronos/pkg/types"
)

// GenesisTime is the timestamp of test genesis blocks.
const GenesisTime = uint64(1600000000)

// BlockInterval is the timestamp gap between consecutive built blocks.
const BlockInterval = uint64(10)

// TestConsensusConfig returns parameters small enough that proving a block
// takes well under a millisecond of hashing and a few hundred squarings.
func TestConsensusConfig() *config.ConsensusConfig {
	cfg := config.NewDefaultConfig().Consensus
	cfg.GenesisTimestamp = GenesisTime
	cfg.MinPlotSize = 10
	cfg.MaxPlotSize = 14
	cfg.ChallengeMatchBits = 3
	cfg.Difficulty = 100
	cfg.MinBlockIterations = 150
	return cfg
}

// ChainBuilder produces valid blocks with the reference plot prover and VDF
// evaluator. Blocks are assembled on any parent the caller hands in; the
// builder remembers nothing about chain structure.
type ChainBuilder struct {
	t        testing.TB
	Config   *config.ConsensusConfig
	Genesis  *types.BlockRecord
	Schedule consensus.IterationSchedule
	Weight   consensus.WeightFunc
	// Clock is far enough ahead of genesis that built timestamps are never
	// in the future.
	Clock *clock.Mock

	lk    sync.Mutex
	plots map[string]*pospace.Plot
}

// NewChainBuilder returns a builder over TestConsensusConfig.
func NewChainBuilder(t testing.TB) *ChainBuilder {
	return NewChainBuilderWithConfig(t, TestConsensusConfig())
}

// NewChainBuilderWithConfig returns a builder for cfg with the default
// schedule and weight.
func NewChainBuilderWithConfig(t testing.TB, cfg *config.ConsensusConfig) *ChainBuilder {
	gen, err := cfg.Genesis()
	require.NoError(t, err)
	return &ChainBuilder{
		t:        t,
		Config:   cfg,
		Genesis:  gen,
		Schedule: consensus.NewDefaultSchedule(cfg),
		Weight:   consensus.DefaultWeight,
		Clock:    clock.NewMock(time.Unix(int64(cfg.GenesisTimestamp), 0).Add(1000 * time.Hour)),
		plots:    make(map[string]*pospace.Plot),
	}
}

// Validator returns a block validator agreeing with the builder's schedule,
// weight and clock.
func (b *ChainBuilder) Validator() *consensus.BlockValidator {
	verifier, err := proofs.NewProofVerifier(consensus.PlotParams(b.Config))
	require.NoError(b.t, err)
	return consensus.NewBlockValidator(b.Config, verifier, b.Schedule, b.Weight, b.Clock)
}

// Plot returns the plot of farmer at the minimum plot size, building it once.
func (b *ChainBuilder) Plot(farmer string) *pospace.Plot {
	b.lk.Lock()
	defer b.lk.Unlock()
	if p, ok := b.plots[farmer]; ok {
		return p
	}
	p, err := pospace.NewPlot([]byte(farmer), b.Config.MinPlotSize)
	require.NoError(b.t, err)
	b.plots[farmer] = p
	return p
}

// AppendOn builds a valid child of parent proved by farmer.
func (b *ChainBuilder) AppendOn(parent *types.BlockRecord, farmer string) *types.BlockRecord {
	return b.BuildOn(parent, farmer, nil)
}

// AppendManyOn builds a chain of n blocks on parent, all proved by farmer. The
// result is ordered from parent's child to the new tip.
func (b *ChainBuilder) AppendManyOn(parent *types.BlockRecord, n int, farmer string) []*types.BlockRecord {
	out := make([]*types.BlockRecord, 0, n)
	for i := 0; i < n; i++ {
		parent = b.AppendOn(parent, farmer)
		out = append(out, parent)
	}
	return out
}

// BuildOn builds a valid child of parent and applies mutate (if non nil) to
// the result. Mutations of proofs or cumulative fields make the block invalid.
func (b *ChainBuilder) BuildOn(parent *types.BlockRecord, farmer string, mutate func(*types.BlockRecord)) *types.BlockRecord {
	challenge := types.DeriveChallenge(parent.VDF.Output)
	pos, quality, err := b.Plot(farmer).Prove(challenge, b.Config.ChallengeMatchBits)
	require.NoError(b.t, err, "farmer %s has no proof at height %d", farmer, parent.Height+1)

	iterations, err := b.Schedule.RequiredIterations(parent, pos, quality)
	require.NoError(b.t, err)

	proof, err := vdf.Evaluate(types.DeriveVDFChallenge(challenge, pos), iterations)
	require.NoError(b.t, err)

	blk := consensus.AssembleBlock(parent, pos, proof, parent.Timestamp+BlockInterval, types.EmptyTxRoot, b.Weight)
	if mutate != nil {
		mutate(blk)
	}
	return blk
}

// FakeChild returns a child of parent with consistent cumulative fields but
// placeholder proofs. It is for structures that never verify proofs, such as
// the chain index and fork choice. salt distinguishes siblings.
func FakeChild(parent *types.BlockRecord, iterations uint64, salt string) *types.BlockRecord {
	pos := &types.ProofOfSpace{
		Challenge: types.DeriveChallenge(parent.VDF.Output),
		ProverKey: []byte(salt),
		Size:      10,
		Proof:     make([]byte, 16),
	}
	output := make([]byte, len(parent.VDF.Output))
	copy(output, parent.VDF.Output)
	output[0] ^= byte(iterations)
	output[len(output)-1] ^= byte(len(salt))
	proof := &types.VDFProof{
		Challenge:  types.DeriveVDFChallenge(pos.Challenge, pos),
		Iterations: iterations,
		Output:     output,
		Witness:    make([]byte, len(output)),
	}
	return consensus.AssembleBlock(parent, pos, proof, parent.Timestamp+BlockInterval, types.EmptyTxRoot, consensus.DefaultWeight)
}

// FakeChain returns n fake blocks on parent, each with the given iterations.
func FakeChain(parent *types.BlockRecord, n int, iterations uint64, salt string) []*types.BlockRecord {
	out := make([]*types.BlockRecord, 0, n)
	for i := 0; i < n; i++ {
		parent = FakeChild(parent, iterations, salt)
		out = append(out, parent)
	}
	return out
}
