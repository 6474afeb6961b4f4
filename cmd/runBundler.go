package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-bundler/bundler"
)

var (
	runBundlerCmd = &cobra.Command{
		Use:   "run-bundler",
		Short: "Run bundler",
		Long: `Initialize and run the bundler until SIGINT or SIGTERM.

Use --config=path-to-your-config-file. default is=./config/bundler.yaml `,
		RunE: func(cmd *cobra.Command, args []string) error {
			return bundler.RunWithConfig(config)
		},
	}

	flushWalletsCmd = &cobra.Command{
		Use:   "flush-wallets",
		Short: "Refill executor wallets and flush their stuck transactions",
		Long: `Run the startup recovery of the bundler and exit: executor balances are
checked and refilled from the utility wallet, then every nonce left pending by
an earlier run is replaced with a zero value self transfer.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return bundler.FlushWalletsWithConfig(context.Background(), config)
		},
	}
)

func init() {
	rootCmd.AddCommand(runBundlerCmd)
	rootCmd.AddCommand(flushWalletsCmd)
}
