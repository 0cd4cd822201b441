package keys

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"
)

// KeySize is the length in bytes of a content key and of a key ID.
// ClearKey with A128KW consumption requires 128-bit values.
const KeySize = 16

// EncodedValue carries both canonical encodings of one 16-byte value.
// The packager consumes the hex form, the license response the
// base64url form. Both must decode to the identical bytes.
type EncodedValue struct {
	Hex       string
	Base64URL string
}

// newEncodedValue derives both encodings from raw bytes.
func newEncodedValue(raw []byte) EncodedValue {
	return EncodedValue{
		Hex:       hex.EncodeToString(raw),
		Base64URL: base64.RawURLEncoding.EncodeToString(raw),
	}
}

// Bytes decodes the hex form back to raw bytes.
func (v EncodedValue) Bytes() ([]byte, error) {
	raw, err := hex.DecodeString(v.Hex)
	if err != nil {
		return nil, fmt.Errorf("invalid hex encoding: %w", err)
	}
	return raw, nil
}

// Verify checks that both encodings decode to the same KeySize bytes.
func (v EncodedValue) Verify() error {
	fromHex, err := hex.DecodeString(v.Hex)
	if err != nil {
		return fmt.Errorf("invalid hex encoding: %w", err)
	}
	fromB64, err := base64.RawURLEncoding.DecodeString(v.Base64URL)
	if err != nil {
		return fmt.Errorf("invalid base64url encoding: %w", err)
	}
	if len(fromHex) != KeySize {
		return fmt.Errorf("decoded length %d, want %d", len(fromHex), KeySize)
	}
	if !bytes.Equal(fromHex, fromB64) {
		return fmt.Errorf("hex and base64url encodings decode to different bytes")
	}
	return nil
}

// KeyRecord binds one key ID to one content key in both encodings.
// Records are immutable once created: re-generating a record makes any
// media packaged under the previous one undecryptable.
type KeyRecord struct {
	KID         EncodedValue
	Key         EncodedValue
	GeneratedAt time.Time
}

// Verify checks the cross-encoding invariant on both values.
func (r *KeyRecord) Verify() error {
	if err := r.KID.Verify(); err != nil {
		return fmt.Errorf("kid: %w", err)
	}
	if err := r.Key.Verify(); err != nil {
		return fmt.Errorf("key: %w", err)
	}
	return nil
}
