// Command partymesh runs a party node on the local network and manages its
// durable identity.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "partymesh",
	Short: "Form small peer-to-peer parties on the local network",
	Long: `partymesh discovers nearby nodes, keeps a bounded party connected,
elects a host, locks the group once it is full and relays messages.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML config file")
}

func main() {
	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
