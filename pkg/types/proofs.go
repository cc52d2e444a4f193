package types

import (
	"github.com/spacetime-network/chronos/pkg/constants"
	"github.com/spacetime-network/chronos/pkg/crypto"
	"github.com/spacetime-network/chronos/pkg/encoding"
)

// ProofOfSpace shows that ProverKey's plot of Size 2^Size entries contains an
// answer to Challenge.
type ProofOfSpace struct {
	_ struct{} `cbor:",toarray"`

	// Challenge is the challenge the proof answers.
	Challenge Challenge `json:"challenge"`
	// ProverKey identifies the plot. The plot seed is derived from it.
	ProverKey []byte `json:"proverKey"`
	// Size is the plot size parameter k.
	Size uint8 `json:"size"`
	// Proof is the pair of plot entries (x1, x2), 8 bytes each.
	Proof []byte `json:"proof"`
}

// Hash returns the digest of the canonical encoding of the proof.
func (p *ProofOfSpace) Hash() Hash {
	raw, err := encoding.Encode(p)
	if err != nil {
		// A struct of fixed-shape fields always encodes.
		panic(err)
	}
	return Hash(crypto.Blake2b256(raw))
}

// VDFProof is a Wesolowski proof that Iterations sequential squarings were
// applied to the group element derived from Challenge.
type VDFProof struct {
	_ struct{} `cbor:",toarray"`

	Challenge  Challenge `json:"challenge"`
	Iterations uint64    `json:"iterations"`
	// Output is y = x^(2^Iterations), big endian, padded to VDFElementSize.
	Output []byte `json:"output"`
	// Witness is the Wesolowski proof element, same encoding as Output.
	Witness []byte `json:"witness"`
}

// WellFormed reports whether the element encodings have the expected size.
func (p *VDFProof) WellFormed() bool {
	return len(p.Output) == constants.VDFElementSize && len(p.Witness) == constants.VDFElementSize
}
