package pospace

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/spacetime-network/chronos/pkg/crypto"
	"github.com/spacetime-network/chronos/pkg/types"
)

// MaxBuildableSize bounds the plots NewPlot will materialise in memory.
const MaxBuildableSize = uint8(24)

// ErrNoProof is returned when a plot holds no answer to a challenge.
var ErrNoProof = errors.New("plot has no proof for challenge")

type pair struct {
	x1, x2 uint64
	tag    uint16
}

// Plot is a reference prover: the full table of pairs of one plot. Farmers
// and tests use it to answer challenges; consensus never needs it.
type Plot struct {
	ProverKey []byte
	K         uint8

	plotID [crypto.DigestSize]byte
	pairs  []pair
}

// NewPlot builds the table for the plot of proverKey with 2^k entries.
func NewPlot(proverKey []byte, k uint8) (*Plot, error) {
	if len(proverKey) == 0 {
		return nil, errors.New("empty prover key")
	}
	if k < 4 || k > MaxBuildableSize {
		return nil, errors.Errorf("cannot build plot of size %d", k)
	}

	plotID := PlotID(proverKey)
	type entry struct {
		bucket uint64
		x      uint64
	}
	n := uint64(1) << k
	entries := make([]entry, 0, n)
	for x := uint64(0); x < n; x++ {
		entries = append(entries, entry{bucket: f1(plotID, k, x) >> bucketShift, x: x})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].bucket != entries[j].bucket {
			return entries[i].bucket < entries[j].bucket
		}
		return entries[i].x < entries[j].x
	})

	p := &Plot{ProverKey: append([]byte(nil), proverKey...), K: k, plotID: plotID}
	for start := 0; start < len(entries); {
		end := start + 1
		for end < len(entries) && entries[end].bucket == entries[start].bucket {
			end++
		}
		for i := start; i < end; i++ {
			for j := i + 1; j < end; j++ {
				x1, x2 := entries[i].x, entries[j].x
				d := f2(plotID, x1, x2)
				p.pairs = append(p.pairs, pair{x1: x1, x2: x2, tag: prefix(d[:], 16)})
			}
		}
		start = end
	}
	return p, nil
}

// Len returns the number of table pairs.
func (p *Plot) Len() int {
	return len(p.pairs)
}

// Proofs returns every proof in the plot answering challenge.
func (p *Plot) Proofs(challenge types.Challenge, matchBits uint8) []*types.ProofOfSpace {
	want := prefix(challenge[:], matchBits)
	var out []*types.ProofOfSpace
	for _, pr := range p.pairs {
		if pr.tag>>(16-uint(matchBits)) != want {
			continue
		}
		out = append(out, &types.ProofOfSpace{
			Challenge: challenge,
			ProverKey: append([]byte(nil), p.ProverKey...),
			Size:      p.K,
			Proof:     encodeProof(pr.x1, pr.x2),
		})
	}
	return out
}

// Prove returns the best quality proof the plot holds for challenge.
func (p *Plot) Prove(challenge types.Challenge, matchBits uint8) (*types.ProofOfSpace, types.Quality, error) {
	var (
		best   *types.ProofOfSpace
		bestQ  types.Quality
		proofs = p.Proofs(challenge, matchBits)
	)
	for _, pos := range proofs {
		q := quality(challenge, p.plotID, pos.Proof)
		if best == nil || BetterQuality(q, bestQ) {
			best, bestQ = pos, q
		}
	}
	if best == nil {
		return nil, types.Quality{}, ErrNoProof
	}
	return best, bestQ, nil
}
