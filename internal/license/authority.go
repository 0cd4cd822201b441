// Package license implements the ClearKey license authority: the
// authentication gate in front of key release and the JSON Web Key
// response shaping consumed by media clients.
package license

import (
	"github.com/kenneth/clearkey-license-gateway/internal/keys"
)

// Key-wrap consumption of 128-bit content keys fixes these JWK fields.
const (
	KeyType   = "oct"
	Algorithm = "A128KW"
)

// State is the terminal state of one request through the authority.
type State string

const (
	StateResponded State = "responded"
	StateRejected  State = "rejected"
)

// Reason identifies why a request was rejected.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonNoCredential      Reason = "no_credential"
	ReasonInvalidCredential Reason = "invalid_credential"
	ReasonNoKeysConfigured  Reason = "no_keys_configured"
)

// Message returns the client-facing error string for a rejection.
// Internal state never leaks here.
func (r Reason) Message() string {
	switch r {
	case ReasonNoCredential:
		return "No token provided"
	case ReasonInvalidCredential:
		return "Invalid token"
	case ReasonNoKeysConfigured:
		return "Server configuration error"
	default:
		return ""
	}
}

// ClientError reports whether the rejection is the client's fault
// (auth failure) as opposed to a server misconfiguration.
func (r Reason) ClientError() bool {
	return r == ReasonNoCredential || r == ReasonInvalidCredential
}

// JWK is a single key entry in a ClearKey license response. Exactly
// these four fields, kid and k in unpadded base64url.
type JWK struct {
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	K   string `json:"k"`
}

// JWKSet is the license response body: a JSON object with an ordered
// keys sequence, decodable standalone without reference to the request.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// Decision is the outcome of processing one license request.
type Decision struct {
	State   State
	Reason  Reason
	License *JWKSet
}

// Authority verifies request credentials against a fixed allow-set and
// issues license responses from the active key record. It is stateless
// per request; the holder is read-only from its point of view.
type Authority struct {
	tokens map[string]struct{}
	holder *keys.Holder
}

// NewAuthority creates an authority over the given credential
// allow-set and key holder. The caller owns both; there is no ambient
// global configuration.
func NewAuthority(tokens []string, holder *keys.Holder) *Authority {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if t != "" {
			set[t] = struct{}{}
		}
	}
	return &Authority{tokens: set, holder: holder}
}

// TokenCount returns the number of configured credentials.
func (a *Authority) TokenCount() int {
	return len(a.tokens)
}

// Authenticate checks the credential against the allow-set. It returns
// ReasonNone when the request may proceed.
func (a *Authority) Authenticate(credential string) Reason {
	if credential == "" {
		return ReasonNoCredential
	}
	if _, ok := a.tokens[credential]; !ok {
		return ReasonInvalidCredential
	}
	return ReasonNone
}

// Process runs the full per-request sequence: authenticate, then build
// the license from the active record. The body is an opaque challenge
// payload some clients send; it is accepted and deliberately ignored.
//
// Issuing the same request twice against the same active record yields
// byte-identical keys content, order included.
func (a *Authority) Process(credential string, body []byte) Decision {
	_ = body

	if reason := a.Authenticate(credential); reason != ReasonNone {
		return Decision{State: StateRejected, Reason: reason}
	}

	record := a.holder.Active()
	if record == nil {
		return Decision{State: StateRejected, Reason: ReasonNoKeysConfigured}
	}

	return Decision{
		State:   StateResponded,
		License: buildJWKSet(record),
	}
}

func buildJWKSet(record *keys.KeyRecord) *JWKSet {
	return &JWKSet{
		Keys: []JWK{
			{
				Kty: KeyType,
				Alg: Algorithm,
				Kid: record.KID.Base64URL,
				K:   record.Key.Base64URL,
			},
		},
	}
}
