package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var (
	config  = "./config/bundler.yaml"
	rootCmd = &cobra.Command{
		Use:   "ap-bundler",
		Short: "Ava Protocol ERC-4337 bundler",
		Long: `Bundler CLI to run and operate an ERC-4337 bundling engine.

Such as "ap-bundler run-bundler" or "ap-bundler status" and so on
`,
	}
)

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&config, "config", "c", "./config/bundler.yaml", "Path to config file")
}
