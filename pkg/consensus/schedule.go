package consensus

import (
	"math/big"

	fbig "github.com/filecoin-project/go-state-types/big"
	"github.com/pkg/errors"

	"github.com/spacetime-network/chronos/pkg/config"
	"github.com/spacetime-network/chronos/pkg/types"
)

// IterationSchedule maps a proof of space to the exact number of VDF
// iterations the block built on it must prove. parent may be nil when only
// the proofs of a header are being checked; implementations that depend on
// the parent must then return an error.
type IterationSchedule interface {
	RequiredIterations(parent *types.BlockRecord, pos *types.ProofOfSpace, quality types.Quality) (uint64, error)
}

// ScheduleFunc adapts a function to IterationSchedule.
type ScheduleFunc func(parent *types.BlockRecord, pos *types.ProofOfSpace, quality types.Quality) (uint64, error)

// RequiredIterations calls f.
func (f ScheduleFunc) RequiredIterations(parent *types.BlockRecord, pos *types.ProofOfSpace, quality types.Quality) (uint64, error) {
	return f(parent, pos, quality)
}

// DefaultSchedule requires
//
//	MinBlockIterations + Difficulty * quality * plotFactor(MinPlotSize) / (2^256 * plotFactor(k))
//
// iterations, where plotFactor(k) = (2k+1) * 2^(k-1) approximates the entries
// a plot of size k holds. Better (lower) quality and bigger plots need less time.
//
// Difficulty is fixed by the consensus config, so the parent is never read and
// the result is the same for every parent, nil included. A retargeting
// schedule derives difficulty from the parent's chain instead and plugs in
// through IterationSchedule.
type DefaultSchedule struct {
	minIterations uint64
	difficulty    fbig.Int
	refFactor     fbig.Int
}

var _ IterationSchedule = (*DefaultSchedule)(nil)

var qualitySpace = fbig.NewFromGo(new(big.Int).Lsh(big.NewInt(1), 256))

// NewDefaultSchedule builds the schedule from the consensus config.
func NewDefaultSchedule(cfg *config.ConsensusConfig) *DefaultSchedule {
	return &DefaultSchedule{
		minIterations: cfg.MinBlockIterations,
		difficulty:    fbig.NewIntUnsigned(cfg.Difficulty),
		refFactor:     plotFactor(cfg.MinPlotSize),
	}
}

func plotFactor(k uint8) fbig.Int {
	f := new(big.Int).Lsh(big.NewInt(1), uint(k-1))
	return fbig.NewFromGo(f.Mul(f, big.NewInt(2*int64(k)+1)))
}

// RequiredIterations implements IterationSchedule. parent is ignored.
func (s *DefaultSchedule) RequiredIterations(_ *types.BlockRecord, pos *types.ProofOfSpace, quality types.Quality) (uint64, error) {
	if pos == nil || pos.Size == 0 {
		return 0, errors.New("schedule: missing plot size")
	}
	num := fbig.Mul(fbig.Mul(s.difficulty, fbig.NewFromGo(quality.Int())), s.refFactor)
	den := fbig.Mul(qualitySpace, plotFactor(pos.Size))
	extra := fbig.Div(num, den)
	total := fbig.Add(extra, fbig.NewIntUnsigned(s.minIterations))
	if !total.IsUint64() {
		return 0, errors.Errorf("schedule: required iterations %s overflow", total.String())
	}
	return total.Uint64(), nil
}
