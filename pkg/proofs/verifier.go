// Package proofs bundles the space and time proof verifiers behind one
// facade and runs batches of verifications in parallel.
package proofs

import (
	"context"
	"runtime"
	"sync"

	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/spacetime-network/chronos/pkg/proofs/pospace"
	"github.com/spacetime-network/chronos/pkg/proofs/vdf"
	"github.com/spacetime-network/chronos/pkg/types"
)

var log = logging.Logger("proofs")

// Verifier checks proofs of space and time. It holds only immutable
// parameters and is safe for concurrent use.
type Verifier interface {
	VerifySpace(challenge types.Challenge, pos *types.ProofOfSpace) (types.Quality, error)
	VerifyTime(challenge types.Challenge, iterations uint64, proof *types.VDFProof) error
}

// ProofVerifier is the Verifier backed by the pospace and vdf packages.
type ProofVerifier struct {
	params pospace.Params
}

var _ Verifier = (*ProofVerifier)(nil)

// NewProofVerifier creates a verifier for the given plot parameters.
func NewProofVerifier(params pospace.Params) (*ProofVerifier, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &ProofVerifier{params: params}, nil
}

// Params returns the plot parameters proofs are checked against.
func (v *ProofVerifier) Params() pospace.Params {
	return v.params
}

// VerifySpace verifies a proof of space and returns its quality.
func (v *ProofVerifier) VerifySpace(challenge types.Challenge, pos *types.ProofOfSpace) (types.Quality, error) {
	return pospace.Verify(challenge, pos, v.params)
}

// VerifyTime verifies a time proof.
func (v *ProofVerifier) VerifyTime(challenge types.Challenge, iterations uint64, proof *types.VDFProof) error {
	return vdf.Verify(challenge, iterations, proof)
}

// BatchError reports every failed item of a batch.
type BatchError struct {
	// First is the index of the lowest failing item.
	First int
	// Failed maps item index to its error.
	Failed map[int]error
	err    *multierror.Error
}

func (e *BatchError) Error() string {
	return e.err.Error()
}

// Cause returns the error of the lowest failing item.
func (e *BatchError) Cause() error {
	return e.Failed[e.First]
}

// Unwrap returns the error of the lowest failing item.
func (e *BatchError) Unwrap() error {
	return e.Failed[e.First]
}

// BatchVerify runs verify for items 0..n-1 on up to GOMAXPROCS goroutines. It
// returns nil if every item verified, a *BatchError listing the failures
// otherwise, or the context error if ctx ended first.
func BatchVerify(ctx context.Context, n int, verify func(ctx context.Context, i int) error) error {
	if n == 0 {
		return nil
	}
	workers := runtime.GOMAXPROCS(0)
	if workers > n {
		workers = n
	}

	var (
		lk     sync.Mutex
		failed = make(map[int]error)
		next   = make(chan int)
	)
	eg, egctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer close(next)
		for i := 0; i < n; i++ {
			select {
			case next <- i:
			case <-egctx.Done():
				return egctx.Err()
			}
		}
		return nil
	})
	for w := 0; w < workers; w++ {
		eg.Go(func() error {
			for i := range next {
				if err := verify(egctx, i); err != nil {
					lk.Lock()
					failed[i] = err
					lk.Unlock()
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(failed) == 0 {
		return nil
	}

	out := &BatchError{First: n, Failed: failed}
	for i := 0; i < n; i++ {
		if err, ok := failed[i]; ok {
			if i < out.First {
				out.First = i
			}
			out.err = multierror.Append(out.err, errors.Wrapf(err, "item %d", i))
		}
	}
	log.Debugf("batch verification: %d of %d failed", len(failed), n)
	return out
}
