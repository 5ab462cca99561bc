package types

import (
	"github.com/fxamacker/cbor/v2"
)

// Wire and state values are CBOR with deterministic (core) encoding:
// definite lengths, sorted map keys, shortest-form integers. Both
// validators and the p2p layer depend on equal values encoding to
// equal bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

func EncodeCbor(v any) ([]byte, error) { return encMode.Marshal(v) }

func DecodeCbor(data []byte, v any) error { return decMode.Unmarshal(data, v) }

// MustEncodeCbor is for values whose encoding cannot fail (fixed
// structs with no custom marshalers). Used on the consensus path where
// an encoding error would be a programming bug, not an input error.
func MustEncodeCbor(v any) []byte {
	b, err := encMode.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
