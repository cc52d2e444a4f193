package types

import (
	"encoding/hex"
	"math/big"

	"github.com/pkg/errors"

	"github.com/spacetime-network/chronos/pkg/constants"
	"github.com/spacetime-network/chronos/pkg/crypto"
)

// Challenge is the 32 byte value a proof of space answers and that seeds the
// time proof.
type Challenge [constants.HashSize]byte

// ParseChallenge decodes a hex encoded challenge.
func ParseChallenge(s string) (Challenge, error) {
	var c Challenge
	b, err := hex.DecodeString(s)
	if err != nil {
		return c, errors.Wrap(err, "decode challenge")
	}
	if len(b) != len(c) {
		return c, errors.Errorf("challenge must be %d bytes, got %d", len(c), len(b))
	}
	copy(c[:], b)
	return c, nil
}

func (c Challenge) String() string {
	return hex.EncodeToString(c[:])
}

// DeriveChallenge returns the proof of space challenge for the block that
// extends a parent whose time proof produced output.
func DeriveChallenge(parentOutput []byte) Challenge {
	return Challenge(crypto.DomainHash("chronos/challenge", parentOutput))
}

// DeriveVDFChallenge binds the time proof of a block to its proof of space.
func DeriveVDFChallenge(challenge Challenge, pos *ProofOfSpace) Challenge {
	ph := pos.Hash()
	return Challenge(crypto.DomainHash("chronos/vdf-challenge", challenge[:], ph[:]))
}

// Quality scores a proof of space. It is read as a 256 bit big endian
// integer; a lower value is better.
type Quality [constants.HashSize]byte

// Int returns the quality as an unsigned integer.
func (q Quality) Int() *big.Int {
	return new(big.Int).SetBytes(q[:])
}

func (q Quality) String() string {
	return hex.EncodeToString(q[:])
}

// MarshalJSON encodes the challenge as hex.
func (c Challenge) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

// UnmarshalJSON decodes a hex string.
func (c *Challenge) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return errors.New("challenge must be a json string")
	}
	parsed, err := ParseChallenge(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
