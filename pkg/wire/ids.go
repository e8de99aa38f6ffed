// Package wire defines the control protocol spoken between portalgun
// clients and the moon server: the hello handshake messages, the binary
// ControlPacket framing, and the identifiers that flow through both.
package wire

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ClientID identifies one connected client for the lifetime of its
// control session.
type ClientID [16]byte

// NewClientID returns a fresh random ClientID.
func NewClientID() ClientID {
	return ClientID(uuid.New())
}

// String renders the id in its short form used in logs.
func (id ClientID) String() string {
	return uuid.UUID(id).String()[:8]
}

// MarshalText implements encoding.TextMarshaler.
func (id ClientID) MarshalText() ([]byte, error) {
	return []byte(uuid.UUID(id).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ClientID) UnmarshalText(b []byte) error {
	u, err := uuid.Parse(string(b))
	if err != nil {
		return fmt.Errorf("invalid client id: %w", err)
	}
	*id = ClientID(u)
	return nil
}

// StreamID identifies one end-user stream multiplexed over a control
// session.
type StreamID [16]byte

// NewStreamID returns a fresh random StreamID.
func NewStreamID() StreamID {
	return StreamID(uuid.New())
}

// String renders the id in its short form used in logs.
func (id StreamID) String() string {
	return uuid.UUID(id).String()[:8]
}

// subDomainRegex matches the DNS labels we hand out and accept.
var subDomainRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{2,62}$`)

// ValidSubDomain reports whether s is a well-formed tunnel subdomain.
func ValidSubDomain(s string) bool {
	return subDomainRegex.MatchString(s)
}

// NormalizeSubDomain lowercases a requested subdomain before
// validation; everything downstream sees the normalized form.
func NormalizeSubDomain(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

const subDomainAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// RandomSubDomain returns a fresh 8-character subdomain for anonymous
// clients. The alphabet keeps it within the subdomain grammar.
func RandomSubDomain() string {
	var b [8]byte
	rand.Read(b[:])
	for i := range b {
		b[i] = subDomainAlphabet[int(b[i])%len(subDomainAlphabet)]
	}
	return string(b[:])
}
