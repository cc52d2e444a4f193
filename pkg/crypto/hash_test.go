package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"

	tf "github.com/spacetime-network/chronos/pkg/testhelpers/testflags"
)

func TestBlake2b256ConcatenatesParts(t *testing.T) {
	tf.UnitTest(t)

	assert.Equal(t, Blake2b256([]byte("ab"), []byte("c")), Blake2b256([]byte("abc")))
	assert.NotEqual(t, Blake2b256([]byte("abc")), Blake2b256([]byte("abd")))
}

func TestDomainHashSeparates(t *testing.T) {
	tf.UnitTest(t)

	assert.NotEqual(t, DomainHash("f1", []byte("x")), DomainHash("f2", []byte("x")))
	assert.Equal(t, DomainHash("f1", []byte("x")), DomainHash("f1", []byte("x")))
}

func TestExpand(t *testing.T) {
	tf.UnitTest(t)

	out := Expand("group", []byte("seed"), 100)
	assert.Len(t, out, 100)
	assert.Equal(t, out[:DigestSize], Expand("group", []byte("seed"), DigestSize))
	assert.NotEqual(t, out, Expand("group", []byte("seed2"), 100))
}
