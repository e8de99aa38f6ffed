// Package auth maps client credentials to subdomain decisions for the
// moon server. Three verifiers exist: a shared preset token, OIDC
// signed tokens, and no auth at all.
package auth

import (
	"context"
	"crypto/subtle"

	"github.com/portalgun-dev/moon/pkg/wire"
)

// DenyReason explains a Denied decision.
type DenyReason string

const (
	// DenyInvalidKey covers bad signatures, expired tokens, unknown
	// key ids, and plain wrong secrets.
	DenyInvalidKey DenyReason = "invalid_key"

	// DenyInvalidSubDomain covers malformed or underivable subdomains.
	DenyInvalidSubDomain DenyReason = "invalid_sub_domain"

	// DenySubDomainInUse covers subdomains already claimed elsewhere.
	DenySubDomainInUse DenyReason = "sub_domain_in_use"
)

// DecisionKind tags a Decision variant.
type DecisionKind int

const (
	// KindGranted means the credential authorizes the assigned subdomain.
	KindGranted DecisionKind = iota

	// KindReassigned means the requested subdomain was not permitted
	// and another authorized one was substituted.
	KindReassigned

	// KindDenied means the credential does not authorize a tunnel.
	KindDenied
)

// Decision is the outcome of verifying a credential against a
// requested subdomain.
type Decision struct {
	Kind      DecisionKind
	SubDomain string
	Reason    DenyReason
}

// Granted authorizes the subdomain verbatim.
func Granted(subDomain string) Decision {
	return Decision{Kind: KindGranted, SubDomain: subDomain}
}

// Reassigned substitutes an authorized subdomain for a disallowed one.
func Reassigned(subDomain string) Decision {
	return Decision{Kind: KindReassigned, SubDomain: subDomain}
}

// Denied rejects the credential.
func Denied(reason DenyReason) Decision {
	return Decision{Kind: KindDenied, Reason: reason}
}

// Allowed reports whether the decision carries an assigned subdomain.
func (d Decision) Allowed() bool {
	return d.Kind != KindDenied
}

// Verifier validates a credential and returns the subdomain policy.
// Implementations must not block on the network after initialization.
type Verifier interface {
	Verify(ctx context.Context, key, requestedSub string) Decision
}

// PresetVerifier compares credentials against a single shared secret.
type PresetVerifier struct {
	token string
}

// NewPresetVerifier creates a verifier for the configured secret.
func NewPresetVerifier(token string) *PresetVerifier {
	return &PresetVerifier{token: token}
}

// Verify compares in constant time. A matching key grants any
// well-formed requested subdomain, or a random one if none was asked.
func (v *PresetVerifier) Verify(_ context.Context, key, requestedSub string) Decision {
	if subtle.ConstantTimeCompare([]byte(v.token), []byte(key)) != 1 {
		return Denied(DenyInvalidKey)
	}
	if requestedSub == "" {
		return Granted(wire.RandomSubDomain())
	}
	if !wire.ValidSubDomain(requestedSub) {
		return Denied(DenyInvalidSubDomain)
	}
	return Granted(requestedSub)
}

// NoAuth grants every credential. Used when neither a preset token nor
// an OIDC authority is configured.
type NoAuth struct{}

// Verify grants the requested subdomain, or a random one.
func (NoAuth) Verify(_ context.Context, _, requestedSub string) Decision {
	if requestedSub == "" {
		return Granted(wire.RandomSubDomain())
	}
	if !wire.ValidSubDomain(requestedSub) {
		return Denied(DenyInvalidSubDomain)
	}
	return Granted(requestedSub)
}
