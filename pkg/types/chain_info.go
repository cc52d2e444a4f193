package types

import (
	"fmt"

	"github.com/filecoin-project/go-state-types/abi"
	fbig "github.com/filecoin-project/go-state-types/big"
	"github.com/libp2p/go-libp2p-core/peer"
)

// ChainInfo is a peer's claim about its best chain: the head it holds and the
// weight it asserts for it. Claims are unverified until a weight proof backs
// them.
type ChainInfo struct {
	// Source is the peer the claim came from.
	Source peer.ID
	// Head is the hash of the claimed head.
	Head Hash
	// Height is the claimed head's height.
	Height abi.ChainEpoch
	// Weight is the claimed head's total weight.
	Weight fbig.Int
}

// NewChainInfo creates a chain info from a peer id, head and weight.
func NewChainInfo(source peer.ID, head Hash, height abi.ChainEpoch, weight fbig.Int) *ChainInfo {
	return &ChainInfo{
		Source: source,
		Head:   head,
		Height: height,
		Weight: weight,
	}
}

// String returns a human-readable string representation of a chain info.
func (i *ChainInfo) String() string {
	return fmt.Sprintf("{source=%s height=%d weight=%s head=%s}", i.Source, i.Height, i.Weight.String(), i.Head.ShortString())
}
