// Package exchange defines the messages peers use to prove chain weight and
// hand each other blocks, independent of the transport carrying them.
package exchange

import (
	"fmt"
	"time"

	"github.com/filecoin-project/go-state-types/abi"
	fbig "github.com/filecoin-project/go-state-types/big"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/pkg/errors"

	"github.com/spacetime-network/chronos/pkg/types"
)

var log = logging.Logger("exchange")

const (
	// MaxRequestLength bounds the blocks served per request.
	MaxRequestLength = 512

	// RequestDeadline bounds a whole request round trip when the caller did
	// not set one.
	RequestDeadline = 30 * time.Second
)

// Status is the response status of a request.
type Status uint64

const (
	Ok Status = 0
	// Partial means the server held fewer blocks than requested.
	Partial Status = 101

	NotFound      Status = 201
	GoAway        Status = 202
	InternalError Status = 203
	BadRequest    Status = 204
)

func (s Status) String() string {
	switch s {
	case Ok:
		return "ok"
	case Partial:
		return "partial"
	case NotFound:
		return "not found"
	case GoAway:
		return "go away"
	case InternalError:
		return "internal error"
	case BadRequest:
		return "bad request"
	default:
		return fmt.Sprintf("status(%d)", uint64(s))
	}
}

// ErrNotFound is returned by clients for NotFound responses.
var ErrNotFound = errors.New("requested block not found")

// Err converts a non-success status into an error.
func (s Status) Err(msg string) error {
	switch s {
	case Ok, Partial:
		return nil
	case NotFound:
		return errors.Wrap(ErrNotFound, msg)
	default:
		return errors.Errorf("%s: %s", s, msg)
	}
}

// WeightClaim announces a peer's best chain.
type WeightClaim struct {
	_ struct{} `cbor:",toarray"`
	// Peer is the raw peer id; ids are binary and not valid text.
	Peer   []byte
	Head   types.Hash
	Height abi.ChainEpoch
	Weight []byte
}

// NewWeightClaim encodes a chain info as a claim.
func NewWeightClaim(ci *types.ChainInfo) (*WeightClaim, error) {
	w, err := ci.Weight.Bytes()
	if err != nil {
		return nil, errors.Wrap(err, "encode weight")
	}
	return &WeightClaim{Peer: []byte(ci.Source), Head: ci.Head, Height: ci.Height, Weight: w}, nil
}

// ChainInfo decodes the claim.
func (c *WeightClaim) ChainInfo() (*types.ChainInfo, error) {
	w, err := fbig.FromBytes(c.Weight)
	if err != nil {
		return nil, errors.Wrap(err, "decode weight")
	}
	return types.NewChainInfo(peer.ID(c.Peer), c.Head, c.Height, w), nil
}

// WeightProofRequest asks for a weight proof of the chain ending at Tip.
type WeightProofRequest struct {
	_   struct{} `cbor:",toarray"`
	Tip types.Hash
}

// WeightProof summarizes a chain: sampled blocks in ascending height, then
// the tip itself. Each sample carries full proofs and cumulative fields.
type WeightProof struct {
	_       struct{} `cbor:",toarray"`
	Status  Status
	Message string
	Samples []*types.BlockRecord
	Tip     *types.BlockRecord
}

// AncestorsRequest asks for up to Count blocks walking back from From,
// From included.
type AncestorsRequest struct {
	_     struct{} `cbor:",toarray"`
	From  types.Hash
	Count uint64
}

// BlockRangeRequest asks for up to Count blocks of the chain ending at Tip
// that follow Start, in ascending height. Start must be on that chain.
type BlockRangeRequest struct {
	_     struct{} `cbor:",toarray"`
	Tip   types.Hash
	Start types.Hash
	Count uint64
}

// BlockRangeResponse carries the blocks answering an ancestors or range
// request.
type BlockRangeResponse struct {
	_       struct{} `cbor:",toarray"`
	Status  Status
	Message string
	Blocks  []*types.BlockRecord
}

func validateCount(count uint64) error {
	if count == 0 {
		return errors.New("count must be positive")
	}
	if count > MaxRequestLength {
		return errors.Errorf("count %d exceeds %d", count, MaxRequestLength)
	}
	return nil
}
