package api

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/clearkey-license-gateway/internal/audit"
	"github.com/kenneth/clearkey-license-gateway/internal/keys"
	"github.com/kenneth/clearkey-license-gateway/internal/license"
	"github.com/kenneth/clearkey-license-gateway/internal/metrics"
)

type fixture struct {
	router *mux.Router
	record *keys.KeyRecord
	audit  audit.Logger
}

type discardWriter struct{}

func (discardWriter) Write(*audit.Event) error { return nil }

func newFixture(t *testing.T, withRecord bool) *fixture {
	t.Helper()

	holder := keys.NewHolder()
	var record *keys.KeyRecord
	if withRecord {
		var err error
		record, err = keys.Generate()
		require.NoError(t, err)
		holder.Swap(record)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	auditLog := audit.NewLogger(100, discardWriter{})
	authority := license.NewAuthority([]string{"devtoken"}, holder)
	handler := NewHandler(authority, holder, "testdata/encryption.json", "", logger, metrics.New(), auditLog)

	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	return &fixture{router: router, record: record, audit: auditLog}
}

func (f *fixture) do(method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestLicenseAuthorized(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(http.MethodGet, "/license?token=devtoken", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp struct {
		Keys []struct {
			Kty string `json:"kty"`
			Alg string `json:"alg"`
			Kid string `json:"kid"`
			K   string `json:"k"`
		} `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Keys, 1)
	assert.Equal(t, "oct", resp.Keys[0].Kty)
	assert.Equal(t, "A128KW", resp.Keys[0].Alg)

	// kid must re-encode the exact bytes the packager saw in hex.
	kidBytes, err := hex.DecodeString(f.record.KID.Hex)
	require.NoError(t, err)
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(kidBytes), resp.Keys[0].Kid)
	assert.Equal(t, f.record.Key.Base64URL, resp.Keys[0].K)
}

func TestLicenseIdempotent(t *testing.T) {
	f := newFixture(t, true)

	first := f.do(http.MethodGet, "/license?token=devtoken", nil, nil)
	second := f.do(http.MethodGet, "/license?token=devtoken", nil, nil)

	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())
}

func TestLicenseRejections(t *testing.T) {
	withKeys := newFixture(t, true)
	withoutKeys := newFixture(t, false)

	tests := []struct {
		name    string
		fixture *fixture
		target  string
		status  int
		message string
	}{
		{"no token", withKeys, "/license", http.StatusForbidden, "No token provided"},
		{"invalid token", withKeys, "/license?token=wrong", http.StatusForbidden, "Invalid token"},
		{"no keys configured", withoutKeys, "/license?token=devtoken", http.StatusInternalServerError, "Server configuration error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := tt.fixture.do(http.MethodGet, tt.target, nil, nil)
			require.Equal(t, tt.status, w.Code)

			var resp map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.message, resp["error"])
		})
	}
}

func TestLicensePostWithChallengeBody(t *testing.T) {
	f := newFixture(t, true)

	// Challenge payloads are opaque pass-through; the bearer header
	// form must work for clients that cannot set query parameters.
	w := f.do(http.MethodPost, "/license", []byte(`{"challenge":"x"}`), map[string]string{
		"Authorization": "Bearer devtoken",
		"Content-Type":  "application/json",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"keys"`)
}

func TestLicensePreflight(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(http.MethodOptions, "/license", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestHealthUnauthenticated(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status     string `json:"status"`
		Timestamp  string `json:"timestamp"`
		KeysLoaded int    `json:"keysLoaded"`
		AuthTokens int    `json:"authTokens"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.NotEmpty(t, resp.Timestamp)
	assert.Equal(t, 1, resp.KeysLoaded)
	assert.Equal(t, 1, resp.AuthTokens)
}

func TestHealthWithoutKeys(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"keysLoaded":0`)
}

func TestStatusGated(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(http.MethodGet, "/status", nil, nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(http.MethodGet, "/status?token=wrong", nil, nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(http.MethodGet, "/status?token=devtoken", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status    string `json:"status"`
		KeyStore  string `json:"keyStore"`
		ActiveKID string `json:"activeKid"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "testdata/encryption.json", resp.KeyStore)
	assert.Equal(t, f.record.KID.Hex, resp.ActiveKID)

	// The status response reveals configuration, never key material.
	assert.NotContains(t, w.Body.String(), f.record.Key.Hex)
	assert.NotContains(t, w.Body.String(), f.record.Key.Base64URL)
}

func TestNotFoundListsRoutes(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(http.MethodGet, "/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	var resp struct {
		Error  string   `json:"error"`
		Routes []string `json:"routes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Not found", resp.Error)
	assert.Contains(t, resp.Routes, "GET /license")
	assert.Contains(t, resp.Routes, "GET /health")
}

func TestLicenseAuditTrail(t *testing.T) {
	f := newFixture(t, true)

	f.do(http.MethodGet, "/license?token=devtoken", nil, nil)
	f.do(http.MethodGet, "/license?token=wrong", nil, nil)

	events := f.audit.Events()
	require.Len(t, events, 2)

	assert.Equal(t, audit.EventTypeLicense, events[0].EventType)
	assert.Equal(t, "responded", events[0].Outcome)
	assert.Equal(t, http.StatusOK, events[0].Status)
	assert.NotEmpty(t, events[0].RequestID)

	assert.Equal(t, "invalid_credential", events[1].Outcome)
	assert.Equal(t, http.StatusForbidden, events[1].Status)

	// Key material must never reach the audit trail.
	for _, e := range events {
		data, err := json.Marshal(e)
		require.NoError(t, err)
		assert.False(t, strings.Contains(string(data), f.record.Key.Hex))
		assert.False(t, strings.Contains(string(data), f.record.Key.Base64URL))
	}
}
