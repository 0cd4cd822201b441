package keys

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodedValueVerify(t *testing.T) {
	good := newEncodedValue(make([]byte, KeySize))

	tests := []struct {
		name    string
		value   EncodedValue
		wantErr bool
	}{
		{
			name:  "valid",
			value: good,
		},
		{
			name:    "invalid hex",
			value:   EncodedValue{Hex: "zz", Base64URL: good.Base64URL},
			wantErr: true,
		},
		{
			name:    "invalid base64url",
			value:   EncodedValue{Hex: good.Hex, Base64URL: "!!!"},
			wantErr: true,
		},
		{
			name: "encodings decode to different bytes",
			value: EncodedValue{
				Hex:       "00000000000000000000000000000000",
				Base64URL: base64.RawURLEncoding.EncodeToString(bytes.Repeat([]byte{0xff}, KeySize)),
			},
			wantErr: true,
		},
		{
			name: "wrong length",
			value: EncodedValue{
				Hex:       "0000",
				Base64URL: "AAAA",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.value.Verify()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRecordVerify(t *testing.T) {
	record, err := Generate()
	require.NoError(t, err)
	require.NoError(t, record.Verify())

	// Tampering with either value must fail verification.
	broken := *record
	broken.Key.Base64URL = broken.KID.Base64URL
	assert.Error(t, broken.Verify())
}
