package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/portalgun-dev/moon/pkg/wire"
)

// signingMethods are the JWT algorithms we accept from an OIDC issuer.
var signingMethods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}

// discoveryDocument is the subset of the OIDC discovery response we need.
type discoveryDocument struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// tokenClaims carries the subdomain patterns a signed token grants.
// Some issuers put them at the top level, some nest them under
// "claims"; the top-level set wins when both are present.
type tokenClaims struct {
	jwt.RegisteredClaims
	SubDomains []string      `json:"portalgun_subdomains"`
	Nested     *nestedClaims `json:"claims"`
}

type nestedClaims struct {
	SubDomains []string `json:"portalgun_subdomains"`
}

// OIDCVerifier validates signed tokens against a cached key set
// fetched once from the issuer's discovery endpoint. Verification
// itself never touches the network.
type OIDCVerifier struct {
	discoveryURL string
	clientID     string
	issuer       string
	keys         *jose.JSONWebKeySet
	httpClient   *http.Client
}

// NewOIDCVerifier creates a verifier for the given discovery URL and
// expected audience. Init must be called before Verify.
func NewOIDCVerifier(discoveryURL, clientID string) *OIDCVerifier {
	return &OIDCVerifier{
		discoveryURL: discoveryURL,
		clientID:     clientID,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

// NewOIDCVerifierWithKeySet creates an initialized verifier from a
// known issuer and key set, bypassing discovery. Used in tests and for
// issuers without a discovery endpoint.
func NewOIDCVerifierWithKeySet(issuer, clientID string, keys *jose.JSONWebKeySet) *OIDCVerifier {
	return &OIDCVerifier{issuer: issuer, clientID: clientID, keys: keys}
}

// Init fetches the discovery document and the key set it points at.
// A failure here is a configuration error; the verifier denies
// everything until Init succeeds.
func (v *OIDCVerifier) Init(ctx context.Context) error {
	var doc discoveryDocument
	if err := v.fetchJSON(ctx, v.discoveryURL, &doc); err != nil {
		return fmt.Errorf("oidc discovery: %w", err)
	}
	if doc.JWKSURI == "" {
		return errors.New("oidc discovery: no jwks_uri")
	}

	var keys jose.JSONWebKeySet
	if err := v.fetchJSON(ctx, doc.JWKSURI, &keys); err != nil {
		return fmt.Errorf("oidc jwks fetch: %w", err)
	}

	v.issuer = doc.Issuer
	v.keys = &keys
	return nil
}

func (v *OIDCVerifier) fetchJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (v *OIDCVerifier) keyFunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("token has no kid")
	}
	matches := v.keys.Key(kid)
	if len(matches) == 0 {
		return nil, fmt.Errorf("no key for kid %q", kid)
	}
	return matches[0].Key, nil
}

// Verify checks signature, issuer, audience and the [iat, exp] window,
// then matches the requested subdomain against the token's patterns.
// Patterns are anchored at both ends so a pattern never approves a
// substring.
func (v *OIDCVerifier) Verify(_ context.Context, key, requestedSub string) Decision {
	if v.keys == nil {
		return Denied(DenyInvalidKey)
	}

	claims := &tokenClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods(signingMethods),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.clientID),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	if _, err := parser.ParseWithClaims(key, claims, v.keyFunc); err != nil {
		return Denied(DenyInvalidKey)
	}

	patterns := claims.SubDomains
	if len(patterns) == 0 && claims.Nested != nil {
		patterns = claims.Nested.SubDomains
	}
	if len(patterns) == 0 {
		return Denied(DenyInvalidKey)
	}

	var compiled []*regexp.Regexp
	for _, p := range patterns {
		re, err := regexp.Compile("^(?:" + p + ")$")
		if err != nil {
			continue
		}
		compiled = append(compiled, re)
	}
	if len(compiled) == 0 {
		return Denied(DenyInvalidKey)
	}

	if requestedSub != "" {
		if !wire.ValidSubDomain(requestedSub) {
			return Denied(DenyInvalidSubDomain)
		}
		for _, re := range compiled {
			if re.MatchString(requestedSub) {
				return Granted(requestedSub)
			}
		}
		if assigned, ok := assignableSubDomain(patterns); ok {
			return Reassigned(assigned)
		}
		return Denied(DenyInvalidSubDomain)
	}

	if assigned, ok := assignableSubDomain(patterns); ok {
		return Granted(assigned)
	}
	return Denied(DenyInvalidSubDomain)
}

// assignableSubDomain derives an assignment from the first pattern
// that is itself a literal subdomain. A pattern full of regex meta
// characters cannot produce one.
func assignableSubDomain(patterns []string) (string, bool) {
	for _, p := range patterns {
		if wire.ValidSubDomain(p) {
			return p, true
		}
	}
	return "", false
}
