package cmd

import (
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-bundler/bundler"
)

var (
	apiKeyOption = bundler.CreateApiKeyOption{}
	createApiKey = &cobra.Command{
		Use:   "create-admin-key",
		Short: "Create a JWT key for the debug API of the bundler",
		Long: `Create a JWT key signed with the jwt_secret of the config. A key with the
admin role can change reputation, force a bundle, switch the bundling mode and
clear the mempool.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return bundler.CreateAdminKey(config, apiKeyOption, cmd.OutOrStdout())
		},
	}
)

func init() {
	createApiKey.Flags().StringArrayVar(&(apiKeyOption.Roles), "role", []string{"admin"}, "Role for API Key")
	createApiKey.Flags().StringVarP(&(apiKeyOption.Subject), "subject", "s", "admin", "subject name to be use for jwt api key")
	createApiKey.Flags().DurationVar(&(apiKeyOption.TTL), "ttl", bundler.DefaultAdminKeyTTL, "how long the key stays valid")
	rootCmd.AddCommand(createApiKey)
}
