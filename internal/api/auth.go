package api

import (
	"net/http"
	"strings"
)

// ExtractCredential pulls the license token from the request. Clients
// send it either as the token query parameter or as a bearer
// Authorization header. The query form wins when both are present,
// matching the demo player pages that always use the query form.
func ExtractCredential(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	// Some EME clients send the bare token in the header.
	return strings.TrimSpace(auth)
}
