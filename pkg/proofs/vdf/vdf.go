// Package vdf implements a Wesolowski verifiable delay function over the
// RSA-2048 group.
//
// Evaluating T iterations takes T sequential squarings. Verifying takes two
// modular exponentiations with exponents of about 128 bits, independent of T.
package vdf

import (
	"context"
	"math/big"

	"github.com/pkg/errors"

	"github.com/spacetime-network/chronos/pkg/types"
)

var (
	// ErrZeroIterations is returned for a proof claiming no work.
	ErrZeroIterations = errors.New("vdf iterations must be positive")
	// ErrChallengeMismatch is returned when the proof is for another challenge.
	ErrChallengeMismatch = errors.New("vdf challenge mismatch")
	// ErrIterationsMismatch is returned when the proof is for another iteration count.
	ErrIterationsMismatch = errors.New("vdf iterations mismatch")
	// ErrMalformedProof is returned when the output or witness cannot be decoded.
	ErrMalformedProof = errors.New("malformed vdf proof")
	// ErrInvalidProof is returned when the proof does not verify.
	ErrInvalidProof = errors.New("invalid vdf proof")
)

// checkInterval is how many squarings run between context checks.
const checkInterval = 1 << 12

// Verify checks that proof is a valid evaluation of challenge for exactly
// iterations squarings. It is pure and safe to call concurrently.
func Verify(challenge types.Challenge, iterations uint64, proof *types.VDFProof) error {
	if iterations == 0 {
		return ErrZeroIterations
	}
	if proof == nil {
		return ErrMalformedProof
	}
	if proof.Challenge != challenge {
		return ErrChallengeMismatch
	}
	if proof.Iterations != iterations {
		return errors.Wrapf(ErrIterationsMismatch, "proof has %d, want %d", proof.Iterations, iterations)
	}
	y, ok := decodeElement(proof.Output)
	if !ok {
		return errors.Wrap(ErrMalformedProof, "output")
	}
	pi, ok := decodeElement(proof.Witness)
	if !ok {
		return errors.Wrap(ErrMalformedProof, "witness")
	}

	x := hashToGroup(challenge)
	l := hashToPrime(x, y, iterations)

	// r = 2^T mod l
	r := new(big.Int).Exp(big.NewInt(2), new(big.Int).SetUint64(iterations), l)

	// pi^l * x^r == y
	lhs := new(big.Int).Exp(pi, l, modulus)
	lhs.Mul(lhs, new(big.Int).Exp(x, r, modulus))
	lhs.Mod(lhs, modulus)
	if lhs.Cmp(y) != 0 {
		return ErrInvalidProof
	}
	return nil
}

// Evaluate runs the delay function. It is the reference evaluator used by
// timelords in tests and the devnet.
func Evaluate(challenge types.Challenge, iterations uint64) (*types.VDFProof, error) {
	return EvaluateContext(context.Background(), challenge, iterations)
}

// EvaluateContext is Evaluate with cancellation between squarings.
func EvaluateContext(ctx context.Context, challenge types.Challenge, iterations uint64) (*types.VDFProof, error) {
	if iterations == 0 {
		return nil, ErrZeroIterations
	}
	x := hashToGroup(challenge)

	y := new(big.Int).Set(x)
	for i := uint64(0); i < iterations; i++ {
		if i%checkInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		y.Mul(y, y)
		y.Mod(y, modulus)
	}

	l := hashToPrime(x, y, iterations)

	// q = floor(2^T / l); pi = x^q
	q := new(big.Int).Lsh(big.NewInt(1), uint(iterations))
	q.Quo(q, l)
	pi := new(big.Int).Exp(x, q, modulus)

	return &types.VDFProof{
		Challenge:  challenge,
		Iterations: iterations,
		Output:     encodeElement(y),
		Witness:    encodeElement(pi),
	}, nil
}
