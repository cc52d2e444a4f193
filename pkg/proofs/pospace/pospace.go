// Package pospace verifies proofs of space against a plot of 2^k entries.
//
// A plot is determined by its prover key. Entry x maps to
// f1(x) = top k bits of H(plotID || "f1" || x). Two entries x1 < x2 form a
// table pair when f1(x1) and f1(x2) fall into the same bucket (they agree on
// all but the low two bits). A pair answers a challenge when the leading
// match bits of H(plotID || "f2" || x1 || x2) equal those of the challenge.
// Finding a pair requires the plot table (or recomputing 2^k hashes); checking
// one costs three hashes.
package pospace

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/spacetime-network/chronos/pkg/constants"
	"github.com/spacetime-network/chronos/pkg/crypto"
	"github.com/spacetime-network/chronos/pkg/types"
)

var (
	// ErrMalformedProof is returned when the proof bytes cannot be decoded.
	ErrMalformedProof = errors.New("malformed proof of space")
	// ErrChallengeMismatch is returned when the proof answers another challenge.
	ErrChallengeMismatch = errors.New("proof of space challenge mismatch")
	// ErrSizeMismatch is returned when the plot size is outside the allowed range.
	ErrSizeMismatch = errors.New("plot size out of range")
	// ErrInvalidProof is returned when the proof does not verify.
	ErrInvalidProof = errors.New("invalid proof of space")
)

const bucketShift = 2

// Params are the network parameters a proof is checked against.
type Params struct {
	MinSize   uint8
	MaxSize   uint8
	MatchBits uint8
}

// Validate checks that the parameters are usable.
func (p Params) Validate() error {
	if p.MinSize == 0 || p.MinSize > p.MaxSize {
		return errors.Errorf("invalid plot size range [%d, %d]", p.MinSize, p.MaxSize)
	}
	if p.MaxSize > constants.MaxSupportedPlotSize {
		return errors.Errorf("max plot size %d above supported %d", p.MaxSize, constants.MaxSupportedPlotSize)
	}
	if p.MatchBits > 16 || p.MatchBits >= p.MinSize {
		return errors.Errorf("challenge match bits %d out of range", p.MatchBits)
	}
	return nil
}

// PlotID derives the plot seed from a prover key.
func PlotID(proverKey []byte) [crypto.DigestSize]byte {
	return crypto.DomainHash("chronos/plot-id", proverKey)
}

// Verify checks pos against the expected challenge and returns its quality.
// It is pure and safe to call concurrently.
func Verify(challenge types.Challenge, pos *types.ProofOfSpace, params Params) (types.Quality, error) {
	if pos == nil || len(pos.ProverKey) == 0 {
		return types.Quality{}, ErrMalformedProof
	}
	if pos.Challenge != challenge {
		return types.Quality{}, ErrChallengeMismatch
	}
	if pos.Size < params.MinSize || pos.Size > params.MaxSize {
		return types.Quality{}, errors.Wrapf(ErrSizeMismatch, "k=%d allowed [%d, %d]", pos.Size, params.MinSize, params.MaxSize)
	}
	x1, x2, err := decodeProof(pos.Proof)
	if err != nil {
		return types.Quality{}, err
	}

	k := pos.Size
	limit := uint64(1) << k
	if !(x1 < x2 && x2 < limit) {
		return types.Quality{}, errors.Wrap(ErrInvalidProof, "entries out of order or out of range")
	}

	plotID := PlotID(pos.ProverKey)
	if f1(plotID, k, x1)>>bucketShift != f1(plotID, k, x2)>>bucketShift {
		return types.Quality{}, errors.Wrap(ErrInvalidProof, "entries are not a table pair")
	}
	if !matchesChallenge(f2(plotID, x1, x2), challenge, params.MatchBits) {
		return types.Quality{}, errors.Wrap(ErrInvalidProof, "pair does not answer the challenge")
	}
	return quality(challenge, plotID, pos.Proof), nil
}

func decodeProof(proof []byte) (uint64, uint64, error) {
	if len(proof) != constants.ProofOfSpaceProofSize {
		return 0, 0, errors.Wrapf(ErrMalformedProof, "proof length %d", len(proof))
	}
	x1 := binary.BigEndian.Uint64(proof[:constants.ProofOfSpaceXValueSize])
	x2 := binary.BigEndian.Uint64(proof[constants.ProofOfSpaceXValueSize:])
	return x1, x2, nil
}

func encodeProof(x1, x2 uint64) []byte {
	out := make([]byte, constants.ProofOfSpaceProofSize)
	binary.BigEndian.PutUint64(out[:constants.ProofOfSpaceXValueSize], x1)
	binary.BigEndian.PutUint64(out[constants.ProofOfSpaceXValueSize:], x2)
	return out
}

func f1(plotID [crypto.DigestSize]byte, k uint8, x uint64) uint64 {
	d := crypto.Blake2b256(plotID[:], []byte("f1"), crypto.Uint64BE(x))
	return binary.BigEndian.Uint64(d[:8]) >> (64 - uint(k))
}

func f2(plotID [crypto.DigestSize]byte, x1, x2 uint64) [crypto.DigestSize]byte {
	return crypto.Blake2b256(plotID[:], []byte("f2"), crypto.Uint64BE(x1), crypto.Uint64BE(x2))
}

func matchesChallenge(d [crypto.DigestSize]byte, challenge types.Challenge, bits uint8) bool {
	return prefix(d[:], bits) == prefix(challenge[:], bits)
}

// prefix returns the leading bits (at most 16) of b.
func prefix(b []byte, bits uint8) uint16 {
	if bits == 0 {
		return 0
	}
	return binary.BigEndian.Uint16(b[:2]) >> (16 - bits)
}

func quality(challenge types.Challenge, plotID [crypto.DigestSize]byte, proof []byte) types.Quality {
	return types.Quality(crypto.Blake2b256(challenge[:], plotID[:], proof))
}

// BetterQuality reports whether a is a strictly better (lower) quality than b.
func BetterQuality(a, b types.Quality) bool {
	return bytes.Compare(a[:], b[:]) < 0
}
