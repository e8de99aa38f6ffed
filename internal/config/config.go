// Package config loads the moon server configuration from the
// environment. All errors here are fatal: the process must not open a
// network port with a half-valid configuration.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// SigKeyLen is the required length of MASTER_SIG_KEY in bytes.
const SigKeyLen = 32

// Config is the global service configuration.
type Config struct {
	// AllowedHosts are the hosts we create tunnels under:
	// "baz.com" admits *.baz.com. TunnelHost is always admitted.
	AllowedHosts []string

	// BlockedSubDomains are never served or assigned.
	BlockedSubDomains []string

	// BlockedIPs are end-user source addresses we refuse.
	BlockedIPs []net.IP

	// RemotePort accepts end-user TCP.
	RemotePort int

	// ControlPort accepts client WebSocket connections.
	ControlPort int

	// InternalNetworkPort carries instance-to-instance gossip.
	InternalNetworkPort int

	// MasterSigKey signs self-issued tokens. Ephemeral when not
	// configured; see KeyEphemeral.
	MasterSigKey []byte

	// KeyEphemeral is set when MasterSigKey was generated at startup.
	KeyEphemeral bool

	// GossipDNSHost resolves to the set of peer instances. Empty
	// disables cross-instance routing.
	GossipDNSHost string

	// InstanceID identifies this process to its peers.
	InstanceID string

	// TunnelHost is the host tunnels are created under.
	TunnelHost string

	// OIDCDiscoveryURL and OIDCClientID configure signed-token auth.
	OIDCDiscoveryURL string
	OIDCClientID     string

	// PresetToken is the shared secret for preset-token auth.
	PresetToken string

	// StreamRateLimit caps new end-user streams per second per
	// session. Zero means unlimited.
	StreamRateLimit int
}

// FromEnv builds the configuration from environment variables.
func FromEnv() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("ctrl_port", 5000)
	v.SetDefault("port", 8080)
	v.SetDefault("net_port", 6000)
	v.SetDefault("tunnel_host", "portalgun.test")
	v.SetDefault("stream_rate_limit", 0)

	cfg := &Config{
		AllowedHosts:      splitList(v.GetString("allowed_hosts")),
		BlockedSubDomains: splitList(v.GetString("blocked_sub_domains")),
		TunnelHost:        v.GetString("tunnel_host"),
		GossipDNSHost:     v.GetString("gossip_dns_host"),
		InstanceID:        v.GetString("instance_id"),
		OIDCDiscoveryURL:  v.GetString("oidc_discovery_url"),
		OIDCClientID:      v.GetString("oidc_client_id"),
		PresetToken:       v.GetString("preset_token"),
	}

	var err error
	if cfg.ControlPort, err = getPort(v, "ctrl_port"); err != nil {
		return nil, err
	}
	if cfg.RemotePort, err = getPort(v, "port"); err != nil {
		return nil, err
	}
	if cfg.InternalNetworkPort, err = getPort(v, "net_port"); err != nil {
		return nil, err
	}
	if cfg.StreamRateLimit = v.GetInt("stream_rate_limit"); cfg.StreamRateLimit < 0 {
		return nil, fmt.Errorf("invalid STREAM_RATE_LIMIT %d", cfg.StreamRateLimit)
	}

	for _, s := range splitList(v.GetString("blocked_ips")) {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("invalid BLOCKED_IPS entry %q", s)
		}
		cfg.BlockedIPs = append(cfg.BlockedIPs, ip)
	}

	if key := v.GetString("master_sig_key"); key != "" {
		cfg.MasterSigKey, err = hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("invalid MASTER_SIG_KEY: not hex: %w", err)
		}
		if len(cfg.MasterSigKey) != SigKeyLen {
			return nil, fmt.Errorf("invalid MASTER_SIG_KEY: got %d bytes, want %d", len(cfg.MasterSigKey), SigKeyLen)
		}
	} else {
		log.Warn("WARNING! generating ephemeral signature key: peers and restarts cannot verify each other's tokens")
		cfg.MasterSigKey = make([]byte, SigKeyLen)
		rand.Read(cfg.MasterSigKey)
		cfg.KeyEphemeral = true
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	return cfg, nil
}

// SubDomainBlocked reports whether sub is on the blocklist.
func (c *Config) SubDomainBlocked(sub string) bool {
	for _, b := range c.BlockedSubDomains {
		if strings.EqualFold(b, sub) {
			return true
		}
	}
	return false
}

// IPBlocked reports whether an end-user source address is refused.
func (c *Config) IPBlocked(ip net.IP) bool {
	for _, b := range c.BlockedIPs {
		if b.Equal(ip) {
			return true
		}
	}
	return false
}

// HostAllowed reports whether host (without port) falls under the
// tunnel host or one of the allowed hosts, and returns the leading
// subdomain label when it does.
func (c *Config) HostAllowed(host string) (sub string, ok bool) {
	host = strings.ToLower(host)
	for _, base := range append([]string{c.TunnelHost}, c.AllowedHosts...) {
		base = strings.ToLower(strings.TrimSpace(base))
		if base == "" {
			continue
		}
		suffix := "." + base
		if strings.HasSuffix(host, suffix) && len(host) > len(suffix) {
			label := host[:len(host)-len(suffix)]
			if !strings.Contains(label, ".") {
				return label, true
			}
		}
	}
	return "", false
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getPort(v *viper.Viper, key string) (int, error) {
	port := v.GetInt(key)
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %s=%q", strings.ToUpper(key), v.GetString(key))
	}
	return port, nil
}
