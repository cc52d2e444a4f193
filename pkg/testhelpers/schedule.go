package testhelpers

import (
	"github.com/spacetime-network/chronos/pkg/consensus"
	"github.com/spacetime-network/chronos/pkg/types"
)

// ScheduleByFarmer requires a fixed iteration count per prover key, so tests
// can dictate chain weights exactly. Unknown farmers fall back to fallback.
func ScheduleByFarmer(iterations map[string]uint64, fallback consensus.IterationSchedule) consensus.IterationSchedule {
	return consensus.ScheduleFunc(func(parent *types.BlockRecord, pos *types.ProofOfSpace, quality types.Quality) (uint64, error) {
		if n, ok := iterations[string(pos.ProverKey)]; ok {
			return n, nil
		}
		return fallback.RequiredIterations(parent, pos, quality)
	})
}
