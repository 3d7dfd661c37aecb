// Package cli implements the walletctl command line.
package cli

import (
	"session-wallet/config"

	"github.com/spf13/cobra"
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "walletctl",
		Short:         "Session wallet service and tooling",
		Long:          "walletctl runs the session wallet HTTP API and offers helpers for deriving session addresses and issuing caller tokens.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ./config.yaml or ./config/config.yaml)")

	load := func() (*config.Config, error) {
		return config.Load(configPath)
	}

	rootCmd.AddCommand(
		newServeCmd(load),
		newAddressCmd(load),
		newTokenCmd(load),
	)

	return rootCmd
}

// configLoader defers config loading until a command runs, after flags are parsed.
type configLoader func() (*config.Config, error)
