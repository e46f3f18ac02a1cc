// Command torpool supervises a pool of onion-router instances behind a
// TCP load balancer and an optional HTTP filter, and transparently
// redirects the host's outbound traffic through the chain.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "torpool",
	Short: "Multi-instance anonymizing proxy supervisor",
	Long: `torpool launches N onion-router instances, balances SOCKS traffic
across them with haproxy, optionally chains an HTTP filter, and redirects
all outbound TCP and DNS from this machine into the chain. On shutdown
the host network state is restored exactly as it was found.`,
	Version:       fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "torpool:", err)
		os.Exit(2)
	}
}
