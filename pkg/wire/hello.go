package wire

import "encoding/json"

// ControlPath is the WebSocket upgrade endpoint for the control
// channel. Part of the wire contract.
const ControlPath = "/wormhole"

// Client types carried in ClientHello.
const (
	ClientTypeAnonymous = "anonymous"
	ClientTypeAuth      = "auth"
)

// ClientHello is the first frame a client sends after the WebSocket
// upgrade. JSON-encoded.
type ClientHello struct {
	ID        ClientID `json:"id"`
	SubDomain string   `json:"sub_domain,omitempty"`
	Type      string   `json:"client_type"`
	Key       string   `json:"key,omitempty"`
}

// NewAnonymousHello creates a hello for a client with no credential.
func NewAnonymousHello() ClientHello {
	return ClientHello{ID: NewClientID(), Type: ClientTypeAnonymous}
}

// NewAuthHello creates a hello carrying a credential and an optional
// requested subdomain.
func NewAuthHello(key, subDomain string) ClientHello {
	return ClientHello{
		ID:        NewClientID(),
		SubDomain: subDomain,
		Type:      ClientTypeAuth,
		Key:       key,
	}
}

// ServerHello statuses. The first frame the server sends is a tagged
// variant; Success carries the assigned subdomain.
const (
	StatusSuccess        = "success"
	StatusAuthFailed     = "auth_failed"
	StatusInvalidSub     = "invalid_sub_domain"
	StatusSubDomainInUse = "sub_domain_in_use"
)

// ServerHello is the server's reply to a ClientHello. JSON-encoded.
type ServerHello struct {
	Status    string `json:"status"`
	SubDomain string `json:"sub_domain,omitempty"`
}

// HelloSuccess builds the accepting reply with the assigned subdomain.
func HelloSuccess(subDomain string) ServerHello {
	return ServerHello{Status: StatusSuccess, SubDomain: subDomain}
}

// ParseClientHello decodes the first client frame.
func ParseClientHello(b []byte) (ClientHello, error) {
	var h ClientHello
	err := json.Unmarshal(b, &h)
	return h, err
}

// ParseServerHello decodes the first server frame.
func ParseServerHello(b []byte) (ServerHello, error) {
	var h ServerHello
	err := json.Unmarshal(b, &h)
	return h, err
}
