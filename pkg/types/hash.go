package types

import (
	"bytes"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/spacetime-network/chronos/pkg/constants"
)

// Hash identifies a block. It is the blake2b-256 digest of the block's
// canonical encoding.
type Hash [constants.HashSize]byte

// UndefHash is the zero hash. Genesis points at it as its parent.
var UndefHash = Hash{}

// ErrInvalidHash is returned when a hash cannot be parsed.
var ErrInvalidHash = errors.New("invalid hash")

// NewHashFromBytes copies b into a Hash.
func NewHashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != len(h) {
		return h, errors.Wrapf(ErrInvalidHash, "length %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// ParseHash decodes a hex string.
func ParseHash(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return UndefHash, errors.Wrap(ErrInvalidHash, err.Error())
	}
	return NewHashFromBytes(b)
}

// String returns the hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString is for logs.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:6])
}

// Bytes returns a copy of the hash bytes.
func (h Hash) Bytes() []byte {
	out := make([]byte, len(h))
	copy(out, h[:])
	return out
}

// Defined reports whether h is not the zero hash.
func (h Hash) Defined() bool {
	return h != UndefHash
}

// Compare orders hashes lexicographically.
func (h Hash) Compare(o Hash) int {
	return bytes.Compare(h[:], o[:])
}

// MarshalJSON encodes the hash as a hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON decodes a hex string.
func (h *Hash) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseHash(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
