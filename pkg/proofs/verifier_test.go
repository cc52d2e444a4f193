package proofs_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacetime-network/chronos/pkg/proofs"
	"github.com/spacetime-network/chronos/pkg/proofs/pospace"
	"github.com/spacetime-network/chronos/pkg/proofs/vdf"
	tf "github.com/spacetime-network/chronos/pkg/testhelpers/testflags"
	"github.com/spacetime-network/chronos/pkg/types"
)

var errOdd = errors.New("odd")

func TestProofVerifier(t *testing.T) {
	tf.UnitTest(t)

	params := pospace.Params{MinSize: 10, MaxSize: 12, MatchBits: 3}
	v, err := proofs.NewProofVerifier(params)
	require.NoError(t, err)
	assert.Equal(t, params, v.Params())

	plot, err := pospace.NewPlot([]byte("p"), 11)
	require.NoError(t, err)
	ch := types.Challenge{0x42}
	pos, q, err := plot.Prove(ch, params.MatchBits)
	require.NoError(t, err)

	got, err := v.VerifySpace(ch, pos)
	require.NoError(t, err)
	assert.Equal(t, q, got)

	vch := types.DeriveVDFChallenge(ch, pos)
	proof, err := vdf.Evaluate(vch, 90)
	require.NoError(t, err)
	assert.NoError(t, v.VerifyTime(vch, 90, proof))
	assert.Error(t, v.VerifyTime(ch, 90, proof))

	_, err = proofs.NewProofVerifier(pospace.Params{MinSize: 12, MaxSize: 10})
	assert.Error(t, err)
}

func TestBatchVerifyAllPass(t *testing.T) {
	tf.UnitTest(t)

	var calls int64
	err := proofs.BatchVerify(context.Background(), 50, func(ctx context.Context, i int) error {
		atomic.AddInt64(&calls, 1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(50), calls)

	assert.NoError(t, proofs.BatchVerify(context.Background(), 0, nil))
}

func TestBatchVerifyCollectsFailures(t *testing.T) {
	tf.UnitTest(t)

	err := proofs.BatchVerify(context.Background(), 10, func(ctx context.Context, i int) error {
		if i%2 == 1 {
			return errOdd
		}
		return nil
	})
	require.Error(t, err)

	var berr *proofs.BatchError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, 1, berr.First)
	assert.Len(t, berr.Failed, 5)
	assert.Equal(t, errOdd, errors.Cause(err))
}

func TestBatchVerifyCancelled(t *testing.T) {
	tf.UnitTest(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := proofs.BatchVerify(ctx, 1000, func(ctx context.Context, i int) error {
		return nil
	})
	assert.Equal(t, context.Canceled, err)
}
