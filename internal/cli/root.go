// Package cli is the ilpd command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "ilpd",
	Short: "ilpd - Interledger payment engine",
	Long: `ilpd is an Interledger payment engine: it serves wallet addresses
over SPSP, exchanges ILP packets with peers over HTTP, and drives
incoming and outgoing payments against a double-entry ledger.`,
	Version:       "0.1.0-dev",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command tree. Called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "configuration file path (TOML)")
}
