package config

import (
	"encoding/hex"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	require.Equal(t, 5000, cfg.ControlPort)
	require.Equal(t, 8080, cfg.RemotePort)
	require.Equal(t, 6000, cfg.InternalNetworkPort)
	require.Equal(t, "portalgun.test", cfg.TunnelHost)
	require.NotEmpty(t, cfg.InstanceID)
	require.Len(t, cfg.MasterSigKey, SigKeyLen)
	require.True(t, cfg.KeyEphemeral)
}

func TestFromEnvLists(t *testing.T) {
	t.Setenv("ALLOWED_HOSTS", "foo.bar, baz.com")
	t.Setenv("BLOCKED_SUB_DOMAINS", "dashboard,www")
	t.Setenv("BLOCKED_IPS", "10.0.0.1, 2001:db8::1")

	cfg, err := FromEnv()
	require.NoError(t, err)

	require.Equal(t, []string{"foo.bar", "baz.com"}, cfg.AllowedHosts)
	require.Equal(t, []string{"dashboard", "www"}, cfg.BlockedSubDomains)
	require.Len(t, cfg.BlockedIPs, 2)
	require.True(t, cfg.IPBlocked(net.ParseIP("10.0.0.1")))
	require.False(t, cfg.IPBlocked(net.ParseIP("10.0.0.2")))
}

func TestFromEnvMasterSigKey(t *testing.T) {
	key := make([]byte, SigKeyLen)
	for i := range key {
		key[i] = byte(i)
	}
	t.Setenv("MASTER_SIG_KEY", hex.EncodeToString(key))

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, key, cfg.MasterSigKey)
	require.False(t, cfg.KeyEphemeral)
}

func TestFromEnvFatalErrors(t *testing.T) {
	t.Run("bad hex key", func(t *testing.T) {
		t.Setenv("MASTER_SIG_KEY", "not-hex")
		_, err := FromEnv()
		require.Error(t, err)
	})

	t.Run("short key", func(t *testing.T) {
		t.Setenv("MASTER_SIG_KEY", "abcd")
		_, err := FromEnv()
		require.Error(t, err)
	})

	t.Run("bad port", func(t *testing.T) {
		t.Setenv("CTRL_PORT", "not-a-port")
		_, err := FromEnv()
		require.Error(t, err)
	})

	t.Run("bad blocked ip", func(t *testing.T) {
		t.Setenv("BLOCKED_IPS", "10.0.0.999")
		_, err := FromEnv()
		require.Error(t, err)
	})
}

func TestHostAllowed(t *testing.T) {
	cfg := &Config{
		TunnelHost:   "example.test",
		AllowedHosts: []string{"alt.example"},
	}

	tests := []struct {
		host string
		sub  string
		ok   bool
	}{
		{"alpha.example.test", "alpha", true},
		{"ALPHA.Example.Test", "alpha", true},
		{"beta.alt.example", "beta", true},
		{"example.test", "", false},
		{"alpha.other.test", "", false},
		{"a.b.example.test", "", false},
	}

	for _, tt := range tests {
		sub, ok := cfg.HostAllowed(tt.host)
		require.Equal(t, tt.ok, ok, "host %q", tt.host)
		require.Equal(t, tt.sub, sub, "host %q", tt.host)
	}
}

func TestSubDomainBlocked(t *testing.T) {
	cfg := &Config{BlockedSubDomains: []string{"dashboard"}}
	require.True(t, cfg.SubDomainBlocked("dashboard"))
	require.True(t, cfg.SubDomainBlocked("Dashboard"))
	require.False(t, cfg.SubDomainBlocked("app"))
}
