package devnet

import (
	"context"

	"github.com/pkg/errors"

	"github.com/spacetime-network/chronos/pkg/engine"
	"github.com/spacetime-network/chronos/pkg/proofs/pospace"
	"github.com/spacetime-network/chronos/pkg/proofs/vdf"
	"github.com/spacetime-network/chronos/pkg/types"
)

// ErrNoProof is returned when no farmer can answer a head's challenge.
var ErrNoProof = errors.New("no farmer holds a proof for the challenge")

// Farmer holds one plot.
type Farmer struct {
	Name string
	plot *pospace.Plot
}

// NewFarmer builds the plot of size k keyed by name.
func NewFarmer(name string, k uint8) (*Farmer, error) {
	plot, err := pospace.NewPlot([]byte(name), k)
	if err != nil {
		return nil, errors.Wrapf(err, "farmer %s", name)
	}
	return &Farmer{Name: name, plot: plot}, nil
}

// bestProof returns the best quality proof any farmer holds for challenge.
func bestProof(farmers []*Farmer, challenge types.Challenge, matchBits uint8) (*types.ProofOfSpace, string, error) {
	var (
		best   *types.ProofOfSpace
		bestQ  types.Quality
		winner string
	)
	for _, f := range farmers {
		pos, q, err := f.plot.Prove(challenge, matchBits)
		if errors.Is(err, pospace.ErrNoProof) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		if best == nil || pospace.BetterQuality(q, bestQ) {
			best, bestQ, winner = pos, q, f.Name
		}
	}
	if best == nil {
		return nil, "", ErrNoProof
	}
	return best, winner, nil
}

// farm answers every head announced on link with the best proof of space.
func farm(ctx context.Context, farmers []*Farmer, matchBits uint8, link *engine.ProducerLink) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case head := <-link.Heads:
			challenge := types.DeriveChallenge(head.VDF.Output)
			pos, winner, err := bestProof(farmers, challenge, matchBits)
			if err != nil {
				return errors.Wrapf(err, "head %s", head.Hash().ShortString())
			}
			log.Debugf("farmer %s answers head %s", winner, head.Hash().ShortString())
			select {
			case link.Spaces <- pos:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// timelord runs the VDF for every request on link.
func timelord(ctx context.Context, link *engine.ProducerLink) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-link.Requests:
			proof, err := vdf.EvaluateContext(ctx, req.Challenge, req.Iterations)
			if ctx.Err() != nil {
				return nil
			}
			log.Debugf("timelord finished %d iterations on %s", req.Iterations, req.Parent.Hash().ShortString())
			select {
			case link.TimeProofs <- &engine.TimeProofResponse{Request: req, Proof: proof, Err: err}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
