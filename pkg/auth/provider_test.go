package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// newFakeProvider serves an OIDC discovery document and the fixture's
// JWKS over loopback HTTP.
func newFakeProvider(t *testing.T, f *oidcFixture) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(discoveryDocument{
			Issuer:  testIssuer,
			JWKSURI: srv.URL + "/keys",
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(f.verifier.keys)
	})

	srv = httptest.NewServer(mux)
	return srv
}
