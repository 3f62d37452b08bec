// Package protocol defines the wire surface of weft: the cleartext frame
// header used by the data plane and the CBOR control messages exchanged
// inside tunnels and during handshakes.
package protocol

import (
	"errors"

	cbor "github.com/fxamacker/cbor/v2"
)

// MaxMessageSize bounds a decoded control message.
const MaxMessageSize = 1 << 16

var ErrMessageTooLarge = errors.New("control message too large")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	// deterministic encoding (RFC 8949 core profile) so identical messages
	// byte-compare equal across nodes
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	encMode = em
	decMode = dm
}

func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	if len(data) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	return decMode.Unmarshal(data, v)
}
