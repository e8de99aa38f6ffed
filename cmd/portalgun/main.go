// Portalgun is the tunnel client: it exposes a local port on a public
// subdomain of a moon server.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/portalgun-dev/moon/internal/client"
)

var version = "1.0.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "portalgun",
	Short: "Expose a local port on a public subdomain",
	Long: `Portalgun connects to a moon tunnel server and forwards end-user
traffic from a public subdomain to a service on this machine.

  portalgun http 3000
  portalgun http 3000 --sub-domain myapp --key <token>`,
}

var httpCmd = &cobra.Command{
	Use:   "http <port>",
	Short: "Tunnel HTTP traffic to a local port",
	Args:  cobra.ExactArgs(1),
	RunE:  runHTTP,
}

func init() {
	httpCmd.Flags().String("server", "wss://portalgun.test", "control server URL (ws:// or wss://)")
	httpCmd.Flags().String("key", "", "credential for an authenticated tunnel")
	httpCmd.Flags().String("sub-domain", "", "requested subdomain (requires --key)")
	httpCmd.Flags().String("host", "127.0.0.1", "local host to forward to")

	viper.BindPFlag("server", httpCmd.Flags().Lookup("server"))
	viper.BindPFlag("key", httpCmd.Flags().Lookup("key"))
	viper.BindPFlag("sub-domain", httpCmd.Flags().Lookup("sub-domain"))
	viper.BindPFlag("host", httpCmd.Flags().Lookup("host"))
	viper.SetEnvPrefix("PORTALGUN")
	viper.AutomaticEnv()

	rootCmd.AddCommand(httpCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("portalgun version %s\n", version)
		},
	})

	if os.Getenv("PORTALGUN_DEBUG") != "" {
		log.SetLevel(log.DebugLevel)
	}
}

func runHTTP(cmd *cobra.Command, args []string) error {
	port, err := strconv.Atoi(args[0])
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %q", args[0])
	}

	sub := viper.GetString("sub-domain")
	key := viper.GetString("key")
	if sub != "" && key == "" {
		return fmt.Errorf("--sub-domain requires --key")
	}

	c := client.New(&client.Config{
		ServerURL: viper.GetString("server"),
		Key:       key,
		SubDomain: sub,
		LocalHost: viper.GetString("host"),
		LocalPort: port,
	})
	return c.Run(context.Background())
}
