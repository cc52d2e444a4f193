package encoding

import (
	"io"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Canonical encoding makes the bytes, and therefore the block hash, a
	// function of the value alone.
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode encodes obj with the canonical CBOR encoding.
func Encode(obj interface{}) ([]byte, error) {
	out, err := encMode.Marshal(obj)
	if err != nil {
		return nil, errors.Wrapf(err, "cbor encode %T", obj)
	}
	return out, nil
}

// Decode decodes raw into obj, which must be a pointer.
func Decode(raw []byte, obj interface{}) error {
	if err := decMode.Unmarshal(raw, obj); err != nil {
		return errors.Wrapf(err, "cbor decode %T", obj)
	}
	return nil
}

// NewStreamEncoder returns a canonical CBOR encoder writing to w.
func NewStreamEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// NewStreamDecoder returns a CBOR decoder reading from r.
func NewStreamDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}
