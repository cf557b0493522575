// Package app provides the command-line surface of Gafaelfawr.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "gafaelfawr",
	DisableAutoGenTag: true,
	Short:             "Authentication and authorization gateway for NGINX auth_request",
	Long: `Gafaelfawr is an authentication and authorization gateway designed to sit
behind an NGINX ingress controller. Protected applications delegate identity
verification to it via auth_request subrequests; Gafaelfawr resolves the
caller into an identity and scope set, mints delegated tokens on demand, and
brokers upstream login against GitHub or an OpenID Connect provider.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
	// Flags are only parsed by the time subcommands run, so the logger
	// is reconfigured here to pick up --debug.
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		_ = viper.BindPFlag("debug", cmd.Root().PersistentFlags().Lookup("debug"))
		logger.Initialize()
	},
}

// NewRootCmd creates the root command for the Gafaelfawr CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().String("settings", "",
		"Path to the settings file (overrides GAFAELFAWR_SETTINGS_PATH)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(generateKeyCmd)
	rootCmd.AddCommand(generateTokenCmd)

	return rootCmd
}

func settingsPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("settings")
	return path
}
