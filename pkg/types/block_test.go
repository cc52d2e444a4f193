package types_test

import (
	"encoding/json"
	"testing"

	"github.com/filecoin-project/go-state-types/abi"
	fbig "github.com/filecoin-project/go-state-types/big"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacetime-network/chronos/pkg/constants"
	tf "github.com/spacetime-network/chronos/pkg/testhelpers/testflags"
	"github.com/spacetime-network/chronos/pkg/types"
)

func testBlock() *types.BlockRecord {
	gen := types.NewGenesisBlock(types.Challenge{1, 2, 3}, 1000)
	ch := types.DeriveChallenge(gen.VDF.Output)
	pos := &types.ProofOfSpace{Challenge: ch, ProverKey: []byte("farmer"), Size: 12, Proof: make([]byte, 16)}
	return &types.BlockRecord{
		Height:       1,
		Parent:       gen.Hash(),
		Challenge:    ch,
		ProofOfSpace: pos,
		VDF: &types.VDFProof{
			Challenge:  types.DeriveVDFChallenge(ch, pos),
			Iterations: 77,
			Output:     make([]byte, constants.VDFElementSize),
			Witness:    make([]byte, constants.VDFElementSize),
		},
		TotalWeight:     fbig.NewInt(77),
		TotalIterations: 77,
		Timestamp:       1001,
		TxRoot:          types.EmptyTxRoot,
	}
}

func TestBlockRecordCBORRoundTrip(t *testing.T) {
	tf.UnitTest(t)

	blk := testBlock()
	raw, err := blk.MarshalCBOR()
	require.NoError(t, err)

	decoded, err := types.DecodeBlockRecord(raw)
	require.NoError(t, err)
	assert.Equal(t, blk.Hash(), decoded.Hash())
	assert.True(t, blk.TotalWeight.Equals(decoded.TotalWeight))
	assert.Equal(t, blk.ProofOfSpace.Proof, decoded.ProofOfSpace.Proof)
	assert.Equal(t, abi.ChainEpoch(1), decoded.Height)
}

func TestGenesisRoundTripKeepsNilProof(t *testing.T) {
	tf.UnitTest(t)

	gen := types.NewGenesisBlock(types.Challenge{9}, 0)
	raw, err := gen.MarshalCBOR()
	require.NoError(t, err)
	decoded, err := types.DecodeBlockRecord(raw)
	require.NoError(t, err)

	assert.Nil(t, decoded.ProofOfSpace)
	assert.True(t, decoded.IsGenesis())
	assert.Equal(t, gen.Hash(), decoded.Hash())
}

func TestHashCoversEveryField(t *testing.T) {
	tf.UnitTest(t)

	base := testBlock().Hash()
	mutations := map[string]func(b *types.BlockRecord){
		"height":     func(b *types.BlockRecord) { b.Height++ },
		"parent":     func(b *types.BlockRecord) { b.Parent[0] ^= 1 },
		"challenge":  func(b *types.BlockRecord) { b.Challenge[0] ^= 1 },
		"pos proof":  func(b *types.BlockRecord) { b.ProofOfSpace.Proof[3] ^= 1 },
		"vdf output": func(b *types.BlockRecord) { b.VDF.Output[10] ^= 1 },
		"weight":     func(b *types.BlockRecord) { b.TotalWeight = fbig.NewInt(78) },
		"iterations": func(b *types.BlockRecord) { b.TotalIterations++ },
		"timestamp":  func(b *types.BlockRecord) { b.Timestamp++ },
		"tx root":    func(b *types.BlockRecord) { b.TxRoot[31] ^= 1 },
	}
	for name, mutate := range mutations {
		blk := testBlock()
		mutate(blk)
		assert.NotEqual(t, base, blk.Hash(), name)
	}
}

func TestChallengeDerivationIsBound(t *testing.T) {
	tf.UnitTest(t)

	blk := testBlock()
	other := *blk.ProofOfSpace
	other.ProverKey = []byte("someone else")
	assert.NotEqual(t, types.DeriveVDFChallenge(blk.Challenge, blk.ProofOfSpace), types.DeriveVDFChallenge(blk.Challenge, &other))
	assert.NotEqual(t, types.DeriveChallenge([]byte{1}), types.DeriveChallenge([]byte{2}))
}

func TestHashJSON(t *testing.T) {
	tf.UnitTest(t)

	h := testBlock().Hash()
	raw, err := json.Marshal(h)
	require.NoError(t, err)
	var back types.Hash
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, h, back)

	parsed, err := types.ParseHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	_, err = types.ParseHash("abcd")
	assert.Error(t, err)
}

func TestSummaryIncludesHash(t *testing.T) {
	tf.UnitTest(t)

	blk := testBlock()
	out, err := blk.Summary()
	require.NoError(t, err)
	assert.Contains(t, string(out), blk.Hash().String())
}
