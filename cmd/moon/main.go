// Moon is the portalgun tunnel server daemon.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/portalgun-dev/moon/internal/config"
	"github.com/portalgun-dev/moon/internal/server"
)

var version = "1.0.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "moon",
	Short: "Portalgun tunnel server",
	Long: `Moon is the server side of the portalgun tunneling system.

It accepts client control channels over WebSocket, end-user traffic on
the public port, and coordinates with peer instances over the internal
network port.

Configuration via environment variables:
  TUNNEL_HOST          - Host tunnels are created under
  ALLOWED_HOSTS        - Extra hosts admitting tunnels (comma-separated)
  BLOCKED_SUB_DOMAINS  - Subdomains never served (comma-separated)
  BLOCKED_IPS          - End-user source IPs to refuse (comma-separated)
  CTRL_PORT            - Control channel port (default: 5000)
  PORT                 - Public end-user port (default: 8080)
  NET_PORT             - Internal instance-to-instance port (default: 6000)
  MASTER_SIG_KEY       - 32-byte hex signature key (ephemeral if absent)
  GOSSIP_DNS_HOST      - DNS name resolving to peer instances
  INSTANCE_ID          - Stable instance identifier (random if absent)
  OIDC_DISCOVERY_URL   - OIDC discovery endpoint for signed-token auth
  OIDC_CLIENT_ID       - Expected token audience
  PRESET_TOKEN         - Shared preset credential
  STREAM_RATE_LIMIT    - New streams per second per session (0 = unlimited)`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("moon version %s\n", version)
		},
	})

	if os.Getenv("MOON_DEBUG") != "" {
		log.SetLevel(log.DebugLevel)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	return server.New(cfg).Run(context.Background())
}
