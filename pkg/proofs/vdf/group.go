package vdf

import (
	"math/big"

	"github.com/spacetime-network/chronos/pkg/constants"
	"github.com/spacetime-network/chronos/pkg/crypto"
	"github.com/spacetime-network/chronos/pkg/types"
)

// rsa2048 is the RSA-2048 challenge number. Its factorization is unknown, so
// the order of the multiplicative group modulo it is unknown too.
const rsa2048 = "25195908475657893494027183240048398571429282126204032027777137836043662020707595556264018525880784406918290641249515082189298559149176184502808489120072844992687392807287776735971418347270261896375014971824691165077613379859095700097330459748808428401797429100642458691817195118746121515172654632282216869987549182422433637259085141865462043576798423387184774447920739934236584823824281198163815010674810451660377306056201619676256133844143603833904414952634432190114657544454178424020924616515723350778707749817125772467962926386356373289912154831438167899885040445364023527381951378636564391212010397122822120720357"

// primeBits is the size of the Fiat-Shamir challenge prime.
const primeBits = 128

var modulus = mustModulus()

func mustModulus() *big.Int {
	n, ok := new(big.Int).SetString(rsa2048, 10)
	if !ok || (n.BitLen()+7)/8 != constants.VDFElementSize {
		panic("bad vdf modulus")
	}
	return n
}

// Modulus returns a copy of the group modulus.
func Modulus() *big.Int {
	return new(big.Int).Set(modulus)
}

// hashToGroup maps a challenge to a group element other than 0 and 1.
func hashToGroup(challenge types.Challenge) *big.Int {
	seed := crypto.Expand("chronos/vdf/group", challenge[:], constants.VDFElementSize+16)
	x := new(big.Int).SetBytes(seed)
	x.Mod(x, modulus)
	if x.Cmp(big.NewInt(2)) < 0 {
		x.Add(x, big.NewInt(2))
	}
	return x
}

// hashToPrime derives the Wesolowski challenge prime l from the statement.
func hashToPrime(x, y *big.Int, iterations uint64) *big.Int {
	xb, yb := encodeElement(x), encodeElement(y)
	l := new(big.Int)
	for ctr := uint64(0); ; ctr++ {
		d := crypto.DomainHash("chronos/vdf/prime", xb, yb, crypto.Uint64BE(iterations), crypto.Uint64BE(ctr))
		l.SetBytes(d[:primeBits/8])
		l.SetBit(l, primeBits-1, 1)
		l.SetBit(l, 0, 1)
		if l.ProbablyPrime(20) {
			return l
		}
	}
}

func encodeElement(v *big.Int) []byte {
	out := make([]byte, constants.VDFElementSize)
	return v.FillBytes(out)
}

func decodeElement(b []byte) (*big.Int, bool) {
	if len(b) != constants.VDFElementSize {
		return nil, false
	}
	v := new(big.Int).SetBytes(b)
	if v.Sign() == 0 || v.Cmp(modulus) >= 0 {
		return nil, false
	}
	return v, true
}
