package license

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/clearkey-license-gateway/internal/keys"
)

func newFixture(t *testing.T, withRecord bool) (*Authority, *keys.KeyRecord) {
	t.Helper()
	holder := keys.NewHolder()
	var record *keys.KeyRecord
	if withRecord {
		var err error
		record, err = keys.Generate()
		require.NoError(t, err)
		holder.Swap(record)
	}
	return NewAuthority([]string{"devtoken", "second"}, holder), record
}

func TestAuthenticate(t *testing.T) {
	authority, _ := newFixture(t, true)

	tests := []struct {
		name       string
		credential string
		want       Reason
	}{
		{"member of allow-set", "devtoken", ReasonNone},
		{"second member", "second", ReasonNone},
		{"absent", "", ReasonNoCredential},
		{"not a member", "wrong", ReasonInvalidCredential},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, authority.Authenticate(tt.credential))
		})
	}
}

func TestProcessResponds(t *testing.T) {
	authority, record := newFixture(t, true)

	decision := authority.Process("devtoken", nil)
	require.Equal(t, StateResponded, decision.State)
	require.NotNil(t, decision.License)
	require.Len(t, decision.License.Keys, 1)

	jwk := decision.License.Keys[0]
	assert.Equal(t, "oct", jwk.Kty)
	assert.Equal(t, "A128KW", jwk.Alg)
	assert.Equal(t, record.KID.Base64URL, jwk.Kid)
	assert.Equal(t, record.Key.Base64URL, jwk.K)
}

func TestProcessRejections(t *testing.T) {
	withKeys, _ := newFixture(t, true)
	withoutKeys, _ := newFixture(t, false)

	tests := []struct {
		name       string
		authority  *Authority
		credential string
		reason     Reason
		message    string
		client     bool
	}{
		{"no credential", withKeys, "", ReasonNoCredential, "No token provided", true},
		{"invalid credential", withKeys, "wrong", ReasonInvalidCredential, "Invalid token", true},
		{"no keys configured", withoutKeys, "devtoken", ReasonNoKeysConfigured, "Server configuration error", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := tt.authority.Process(tt.credential, nil)
			assert.Equal(t, StateRejected, decision.State)
			assert.Equal(t, tt.reason, decision.Reason)
			assert.Equal(t, tt.message, decision.Reason.Message())
			assert.Equal(t, tt.client, decision.Reason.ClientError())
			assert.Nil(t, decision.License)
		})
	}
}

func TestProcessIgnoresChallengeBody(t *testing.T) {
	authority, _ := newFixture(t, true)

	withBody := authority.Process("devtoken", []byte(`{"challenge": "opaque"}`))
	withoutBody := authority.Process("devtoken", nil)

	require.Equal(t, StateResponded, withBody.State)
	assert.Equal(t, withoutBody.License, withBody.License)
}

func TestIssueIdempotent(t *testing.T) {
	authority, _ := newFixture(t, true)

	first, err := json.Marshal(authority.Process("devtoken", nil).License)
	require.NoError(t, err)
	second, err := json.Marshal(authority.Process("devtoken", nil).License)
	require.NoError(t, err)

	assert.Equal(t, first, second, "same active record must yield byte-identical keys content")
}

func TestJWKSetShape(t *testing.T) {
	authority, record := newFixture(t, true)

	data, err := json.Marshal(authority.Process("devtoken", nil).License)
	require.NoError(t, err)

	// The body must be standalone JSON with exactly four fields per
	// entry.
	var raw struct {
		Keys []map[string]string `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw.Keys, 1)
	assert.Len(t, raw.Keys[0], 4)

	// kid must be the base64url re-encoding of the same bytes as the
	// hex form.
	kidBytes, err := hex.DecodeString(record.KID.Hex)
	require.NoError(t, err)
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(kidBytes), raw.Keys[0]["kid"])
}

func TestNewAuthorityDropsEmptyTokens(t *testing.T) {
	authority := NewAuthority([]string{"", "devtoken", ""}, keys.NewHolder())
	assert.Equal(t, 1, authority.TokenCount())
	assert.Equal(t, ReasonNoCredential, authority.Authenticate(""))
}
