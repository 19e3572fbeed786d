package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	// Nil and empty byte slices must hash identically after a storage
	// round trip.
	opts := cbor.CoreDetEncOptions()
	opts.NilContainers = cbor.NilContainerAsEmpty
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor decoder: %v", err))
	}
}

// Marshal encodes v with core deterministic CBOR, so equal values always
// produce identical bytes.
func Marshal(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode cbor: %w", err)
	}
	return data, nil
}

// Unmarshal decodes CBOR data into v, rejecting duplicate and unknown keys.
func Unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode cbor: %w", err)
	}
	return nil
}

// Digest returns the hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// mustMarshal encodes fixed-shape structs made of strings, integers and
// byte slices, which cannot fail.
func mustMarshal(v any) []byte {
	data, err := Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: %v", err))
	}
	return data
}

func tagged(tag string, body []byte) []byte {
	out := make([]byte, 0, len(tag)+1+len(body))
	out = append(out, tag...)
	out = append(out, 0)
	return append(out, body...)
}
