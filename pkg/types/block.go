package types

import (
	"encoding/json"
	"fmt"

	"github.com/filecoin-project/go-state-types/abi"
	fbig "github.com/filecoin-project/go-state-types/big"
	"github.com/pkg/errors"

	"github.com/spacetime-network/chronos/pkg/constants"
	"github.com/spacetime-network/chronos/pkg/crypto"
	"github.com/spacetime-network/chronos/pkg/encoding"
)

// EmptyTxRoot is the transaction root of a block that carries no
// transactions.
var EmptyTxRoot = Hash(crypto.DomainHash("chronos/empty-tx-root"))

// BlockRecord is a block of the chain as far as consensus is concerned: the
// link to its parent, the two proofs that made it eligible and the cumulative
// chain metrics after it.
type BlockRecord struct {
	// Height is the distance from genesis. Genesis is 0.
	Height abi.ChainEpoch `json:"height"`

	// Parent is the hash of the block this block extends.
	Parent Hash `json:"parent"`

	// Challenge is derived from the parent's time proof output. The proof of
	// space must answer it.
	Challenge Challenge `json:"challenge"`

	// ProofOfSpace is nil only for genesis.
	ProofOfSpace *ProofOfSpace `json:"proofOfSpace"`

	// VDF is the time proof. Its challenge is bound to the proof of space.
	VDF *VDFProof `json:"vdf"`

	// TotalWeight is the aggregate chain weight up to and including this block.
	TotalWeight fbig.Int `json:"totalWeight"`

	// TotalIterations is the sum of VDF iterations from genesis to this block.
	TotalIterations uint64 `json:"totalIterations"`

	// Timestamp is the claimed creation time in unix seconds.
	Timestamp uint64 `json:"timestamp"`

	// TxRoot commits to the transactions carried by the block. Transaction
	// semantics live outside consensus.
	TxRoot Hash `json:"txRoot"`
}

// blockRecordWire is the canonical encoding of BlockRecord. Weight is carried
// as its signed byte encoding.
type blockRecordWire struct {
	_               struct{} `cbor:",toarray"`
	Height          int64
	Parent          Hash
	Challenge       Challenge
	ProofOfSpace    *ProofOfSpace
	VDF             *VDFProof
	TotalWeight     []byte
	TotalIterations uint64
	Timestamp       uint64
	TxRoot          Hash
}

// NewGenesisBlock returns the genesis record for a network seeded with
// challenge. Its time proof output is the expanded challenge and it carries
// no proof of space.
func NewGenesisBlock(challenge Challenge, timestamp uint64) *BlockRecord {
	return &BlockRecord{
		Height:    0,
		Parent:    UndefHash,
		Challenge: challenge,
		VDF: &VDFProof{
			Challenge:  challenge,
			Iterations: 0,
			Output:     crypto.Expand("chronos/genesis", challenge[:], constants.VDFElementSize),
			Witness:    make([]byte, constants.VDFElementSize),
		},
		TotalWeight:     fbig.Zero(),
		TotalIterations: 0,
		Timestamp:       timestamp,
		TxRoot:          EmptyTxRoot,
	}
}

// IsGenesis reports whether the record has no parent.
func (b *BlockRecord) IsGenesis() bool {
	return b.Height == 0 && !b.Parent.Defined()
}

// Hash returns the blake2b-256 digest of the canonical encoding.
func (b *BlockRecord) Hash() Hash {
	raw, err := b.MarshalCBOR()
	if err != nil {
		panic(err)
	}
	return Hash(crypto.Blake2b256(raw))
}

// Iterations returns the VDF iterations this block contributed.
func (b *BlockRecord) Iterations() uint64 {
	if b.VDF == nil {
		return 0
	}
	return b.VDF.Iterations
}

// Weight returns a non-nil copy of the total weight.
func (b *BlockRecord) Weight() fbig.Int {
	if b.TotalWeight.Int == nil {
		return fbig.Zero()
	}
	return fbig.Add(b.TotalWeight, fbig.Zero())
}

// MarshalCBOR implements cbor.Marshaler.
func (b *BlockRecord) MarshalCBOR() ([]byte, error) {
	w := b.TotalWeight
	if w.Int == nil {
		w = fbig.Zero()
	}
	weight, err := w.Bytes()
	if err != nil {
		return nil, errors.Wrap(err, "encode weight")
	}
	return encoding.Encode(&blockRecordWire{
		Height:          int64(b.Height),
		Parent:          b.Parent,
		Challenge:       b.Challenge,
		ProofOfSpace:    b.ProofOfSpace,
		VDF:             b.VDF,
		TotalWeight:     weight,
		TotalIterations: b.TotalIterations,
		Timestamp:       b.Timestamp,
		TxRoot:          b.TxRoot,
	})
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (b *BlockRecord) UnmarshalCBOR(raw []byte) error {
	var w blockRecordWire
	if err := encoding.Decode(raw, &w); err != nil {
		return err
	}
	weight, err := fbig.FromBytes(w.TotalWeight)
	if err != nil {
		return errors.Wrap(err, "decode weight")
	}
	*b = BlockRecord{
		Height:          abi.ChainEpoch(w.Height),
		Parent:          w.Parent,
		Challenge:       w.Challenge,
		ProofOfSpace:    w.ProofOfSpace,
		VDF:             w.VDF,
		TotalWeight:     weight,
		TotalIterations: w.TotalIterations,
		Timestamp:       w.Timestamp,
		TxRoot:          w.TxRoot,
	}
	return nil
}

// DecodeBlockRecord decodes a record persisted with MarshalCBOR.
func DecodeBlockRecord(raw []byte) (*BlockRecord, error) {
	blk := new(BlockRecord)
	if err := blk.UnmarshalCBOR(raw); err != nil {
		return nil, err
	}
	return blk, nil
}

// String is for logs.
func (b *BlockRecord) String() string {
	return fmt.Sprintf("block{%s h=%d w=%s}", b.Hash().ShortString(), b.Height, b.Weight().String())
}

// Summary is a JSON friendly view of the record including its hash.
func (b *BlockRecord) Summary() ([]byte, error) {
	return json.MarshalIndent(struct {
		Hash Hash `json:"hash"`
		*BlockRecord
	}{b.Hash(), b}, "", "  ")
}
