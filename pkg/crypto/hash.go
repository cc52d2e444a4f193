package crypto

import (
	"encoding/binary"

	blake2b "github.com/minio/blake2b-simd"
)

// DigestSize is the size of every digest produced by this package.
const DigestSize = 32

// Blake2b256 hashes the concatenation of parts.
func Blake2b256(parts ...[]byte) [DigestSize]byte {
	h := blake2b.New256()
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	var out [DigestSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// DomainHash hashes parts under a domain separation tag so that digests used
// for different purposes never collide.
func DomainHash(domain string, parts ...[]byte) [DigestSize]byte {
	all := make([][]byte, 0, len(parts)+1)
	all = append(all, []byte(domain))
	all = append(all, parts...)
	return Blake2b256(all...)
}

// Expand derives n pseudo-random bytes from seed by hashing it with a
// running counter.
func Expand(domain string, seed []byte, n int) []byte {
	out := make([]byte, 0, n+DigestSize)
	var ctr [8]byte
	for i := uint64(0); len(out) < n; i++ {
		binary.BigEndian.PutUint64(ctr[:], i)
		d := DomainHash(domain, seed, ctr[:])
		out = append(out, d[:]...)
	}
	return out[:n]
}

// Uint64BE encodes v big endian.
func Uint64BE(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}
