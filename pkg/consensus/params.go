package consensus

import (
	"github.com/spacetime-network/chronos/pkg/config"
	"github.com/spacetime-network/chronos/pkg/proofs/pospace"
)

// PlotParams extracts the proof of space parameters from the config.
func PlotParams(cfg *config.ConsensusConfig) pospace.Params {
	return pospace.Params{
		MinSize:   cfg.MinPlotSize,
		MaxSize:   cfg.MaxPlotSize,
		MatchBits: cfg.ChallengeMatchBits,
	}
}
